//go:build linux

// Package devices captures camera, microphone and screen through
// pion/mediadevices.
package devices

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/media"
)

// Capturer implements media.Capturer on top of the local V4L2, ALSA/Pulse
// and X11 drivers.
type Capturer struct {
	codecs *mediadevices.CodecSelector
	log    *slog.Logger
}

var (
	_ media.Capturer       = (*Capturer)(nil)
	_ media.CodecRegistrar = (*Capturer)(nil)
)

// New builds a capturer encoding video as VP8 at videoBitRate and audio as
// Opus.
func New(videoBitRate int, logger *slog.Logger) (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("devices: vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("devices: opus params: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	c := &Capturer{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: logger.With("component", "devices"),
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		c.log.Warn("no media devices found")
	}
	for _, d := range devices {
		c.log.Debug("media device", "kind", d.Kind, "label", d.Label)
	}
	return c, nil
}

// RegisterCodecs registers the encoders this capturer produces.
func (c *Capturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	c.codecs.Populate(m)
	return nil
}

func (c *Capturer) UserMedia(ctx context.Context, cons media.Constraints) ([]media.Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.codecs}
	if cons.Video {
		b := cons.Bounds
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit frames the
			// VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Ideal: b.IdealWidth, Max: b.MaxWidth}
			mc.Height = prop.IntRanged{Ideal: b.IdealHeight, Max: b.MaxHeight}
			mc.FrameRate = prop.FloatRanged{Ideal: b.IdealFrameRate, Max: b.MaxFrameRate}
		}
	}
	if cons.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var out []media.Track
	for _, t := range stream.GetTracks() {
		out = append(out, wrap(t))
	}
	return out, nil
}

func (c *Capturer) DisplayMedia(ctx context.Context) (media.Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: c.codecs,
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("devices: display capture returned no video track")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	return wrap(tracks[0]), nil
}

// deviceTrack adapts a mediadevices track. The enable flag is applied in the
// raw frame pipeline before encoding, so the sender keeps producing a valid
// stream of black frames or silence.
type deviceTrack struct {
	*media.TrackState
	src mediadevices.Track
}

func wrap(src mediadevices.Track) *deviceTrack {
	t := &deviceTrack{TrackState: media.NewTrackState(), src: src}

	switch s := src.(type) {
	case *mediadevices.VideoTrack:
		s.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || t.Enabled() {
					return img, release, err
				}
				return blackFrame(img.Bounds()), release, nil
			})
		})
	case *mediadevices.AudioTrack:
		s.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || t.Enabled() {
					return chunk, release, err
				}
				return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
			})
		})
	}

	src.OnEnded(func(err error) {
		t.End()
	})
	return t
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}

func (t *deviceTrack) ID() string                { return t.src.ID() }
func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.src.Kind() }
func (t *deviceTrack) Local() webrtc.TrackLocal  { return t.src }

func (t *deviceTrack) Stop() error {
	if !t.MarkStopped() {
		return nil
	}
	return t.src.Close()
}
