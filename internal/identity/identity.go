// Package identity derives the per-instance participant identifier used to
// tag every signaling message this client sends.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	randomSuffixLen = 9
	base36Alphabet  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var ErrEmptyUserID = errors.New("identity: user id is required")

// Session identifies one participant for the lifetime of one orchestrator.
// It is never persisted.
type Session struct {
	ParticipantID string
	UserID        string
	JoinedAt      time.Time
}

// Generator creates sessions. The zero value uses the wall clock and
// crypto/rand.
type Generator struct {
	Now    func() time.Time
	Random io.Reader
}

// New returns a Session for userID using the default Generator.
func New(userID string) (Session, error) {
	return Generator{}.New(userID)
}

// New builds a participant id of the form {userID}_{unixMillis}_{random}, so
// the same user in two processes still gets distinct ids.
func (g Generator) New(userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, ErrEmptyUserID
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	r := g.Random
	if r == nil {
		r = rand.Reader
	}

	suffix, err := randomBase36(r, randomSuffixLen)
	if err != nil {
		return Session{}, fmt.Errorf("identity: random suffix: %w", err)
	}
	joinedAt := now()
	return Session{
		ParticipantID: userID + "_" + strconv.FormatInt(joinedAt.UnixMilli(), 10) + "_" + suffix,
		UserID:        userID,
		JoinedAt:      joinedAt,
	}, nil
}

func randomBase36(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(buf), nil
}
