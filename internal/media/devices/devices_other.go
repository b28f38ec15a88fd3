//go:build !linux

package devices

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/media"
)

// Capturer reports ErrUnsupported for every request outside Linux.
type Capturer struct{}

var (
	_ media.Capturer       = (*Capturer)(nil)
	_ media.CodecRegistrar = (*Capturer)(nil)
)

func New(videoBitRate int, logger *slog.Logger) (*Capturer, error) {
	return nil, media.ErrUnsupported
}

func (c *Capturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capturer) UserMedia(ctx context.Context, cons media.Constraints) ([]media.Track, error) {
	return nil, media.ErrUnsupported
}

func (c *Capturer) DisplayMedia(ctx context.Context) (media.Track, error) {
	return nil, media.ErrUnsupported
}
