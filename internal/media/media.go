// Package media owns local capture: acquiring camera and microphone tracks
// with an audio-only fallback, toggling them and releasing them.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/config"
)

// AccessErrorMessage is the user-facing text for ErrMediaAccess.
const AccessErrorMessage = "Unable to access camera or microphone. Please check permissions."

var (
	// ErrMediaAccess means neither audio+video nor audio-only capture could
	// be obtained.
	ErrMediaAccess = errors.New("media: " + AccessErrorMessage)
	// ErrUnsupported is returned by capturers on platforms without drivers.
	ErrUnsupported = errors.New("media: capture not supported on this platform")
)

// Track is one local capture track.
//
// Disabling a track keeps it attached to its sender: video goes black and
// audio goes silent. Stop releases the device; it does not fire OnEnded
// callbacks, which are reserved for the source ending on its own (for
// example the user closing a screen share from the OS).
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
	Stopped() bool
	OnEnded(fn func())
	Local() webrtc.TrackLocal
}

// Constraints select which kinds a capture request asks for.
type Constraints struct {
	Audio  bool
	Video  bool
	Bounds config.MediaBounds
}

// Capturer is the device layer.
type Capturer interface {
	UserMedia(ctx context.Context, c Constraints) ([]Track, error)
	DisplayMedia(ctx context.Context) (Track, error)
}

// CodecRegistrar is implemented by capturers whose tracks need specific
// codecs registered on the transport's media engine.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// PreviewSink receives the local tracks for self-view.
type PreviewSink interface {
	Attach(tracks []Track)
	Detach()
}

// Bundle is the set of local tracks owned by one call.
type Bundle struct {
	mu      sync.Mutex
	audio   Track
	video   Track
	screen  Track
	stopped bool
}

func NewBundle(tracks ...Track) *Bundle {
	b := &Bundle{}
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if b.audio == nil {
				b.audio = t
				continue
			}
		case webrtc.RTPCodecTypeVideo:
			if b.video == nil {
				b.video = t
				continue
			}
		}
		// Extra tracks of a kind already present are released right away.
		_ = t.Stop()
	}
	return b
}

func (b *Bundle) Audio() Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio
}

// Video returns the camera track, even while a screen share is active.
func (b *Bundle) Video() Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.video
}

func (b *Bundle) Screen() Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.screen
}

// SetScreen records the active screen-share track, returning the previous
// one. The bundle stops it on Stop.
func (b *Bundle) SetScreen(t Track) Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.screen
	b.screen = t
	return prev
}

// Tracks returns the camera and microphone tracks, audio first.
func (b *Bundle) Tracks() []Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Track
	if b.audio != nil {
		out = append(out, b.audio)
	}
	if b.video != nil {
		out = append(out, b.video)
	}
	return out
}

// Active counts tracks that have not been stopped.
func (b *Bundle) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range []Track{b.audio, b.video, b.screen} {
		if t != nil && !t.Stopped() {
			n++
		}
	}
	return n
}

// Stop stops every track. It is idempotent.
func (b *Bundle) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, t := range []Track{b.screen, b.video, b.audio} {
		if t == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	b.stopped = true
	return errors.Join(errs...)
}

func (b *Bundle) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}
