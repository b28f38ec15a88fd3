package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/videoroom/internal/config"
)

// Acquirer obtains the local media bundle for a call.
type Acquirer struct {
	Capturer Capturer
	Bounds   config.MediaBounds
	// NoVideo skips the audio+video attempt.
	NoVideo bool
	Preview PreviewSink
	Logger  *slog.Logger
}

func (a *Acquirer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Acquire makes at most two attempts: audio+video within Bounds, then audio
// only. When both fail the returned error wraps ErrMediaAccess and the last
// capture error. On success the tracks are attached to the preview sink.
func (a *Acquirer) Acquire(ctx context.Context) (*Bundle, error) {
	if a.Capturer == nil {
		return nil, fmt.Errorf("%w: no capturer configured", ErrMediaAccess)
	}

	attempts := []Constraints{
		{Audio: true, Video: true, Bounds: a.Bounds},
		{Audio: true},
	}
	if a.NoVideo {
		attempts = attempts[1:]
	}

	var lastErr error
	for _, c := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracks, err := a.Capturer.UserMedia(ctx, c)
		if err != nil {
			lastErr = err
			a.logger().Warn("media capture attempt failed", "audio", c.Audio, "video", c.Video, "err", err)
			continue
		}
		if len(tracks) == 0 {
			lastErr = errors.New("capturer returned no tracks")
			continue
		}

		b := NewBundle(tracks...)
		if a.Preview != nil {
			a.Preview.Attach(b.Tracks())
		}
		a.logger().Info("media acquired", "audio", b.Audio() != nil, "video", b.Video() != nil)
		return b, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaAccess, lastErr)
}

// AcquireDisplay requests a screen capture track.
func (a *Acquirer) AcquireDisplay(ctx context.Context) (Track, error) {
	if a.Capturer == nil {
		return nil, ErrUnsupported
	}
	t, err := a.Capturer.DisplayMedia(ctx)
	if err != nil {
		return nil, fmt.Errorf("media: display capture: %w", err)
	}
	return t, nil
}

// Release stops every track in b and detaches the preview sink.
func (a *Acquirer) Release(b *Bundle) error {
	if a.Preview != nil {
		a.Preview.Detach()
	}
	if b == nil {
		return nil
	}
	return b.Stop()
}
