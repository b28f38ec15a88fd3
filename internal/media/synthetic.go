package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	syntheticAudioInterval = 20 * time.Millisecond
	syntheticVideoInterval = 33 * time.Millisecond
	syntheticStreamID      = "videoroom-synthetic"
)

var (
	// opusSilence is a single 20ms Opus frame of digital silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// vp8Placeholder is a fixed payload; receivers only need RTP to flow.
	vp8Placeholder = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x01, 0x00, 0x01, 0x00}
)

// SyntheticCapturer produces tracks that emit placeholder samples instead of
// reading devices. It backs headless agents and tests.
type SyntheticCapturer struct {
	// FailVideo and FailAudio make the matching requests fail.
	FailVideo bool
	FailAudio bool
	// FailDisplay makes DisplayMedia fail.
	FailDisplay bool

	mu       sync.Mutex
	requests []Constraints
	issued   []*SyntheticTrack
}

var ErrSyntheticDenied = errors.New("media: synthetic capture denied")

func (c *SyntheticCapturer) UserMedia(ctx context.Context, cons Constraints) ([]Track, error) {
	c.mu.Lock()
	c.requests = append(c.requests, cons)
	c.mu.Unlock()

	if (cons.Video && c.FailVideo) || (cons.Audio && c.FailAudio) {
		return nil, ErrSyntheticDenied
	}

	var out []Track
	if cons.Audio {
		t, err := NewSyntheticTrack(webrtc.RTPCodecTypeAudio, "audio")
		if err != nil {
			return nil, err
		}
		c.track(t)
		out = append(out, t)
	}
	if cons.Video {
		t, err := NewSyntheticTrack(webrtc.RTPCodecTypeVideo, "camera")
		if err != nil {
			return nil, err
		}
		c.track(t)
		out = append(out, t)
	}
	return out, nil
}

func (c *SyntheticCapturer) DisplayMedia(ctx context.Context) (Track, error) {
	if c.FailDisplay {
		return nil, ErrSyntheticDenied
	}
	t, err := NewSyntheticTrack(webrtc.RTPCodecTypeVideo, "screen")
	if err != nil {
		return nil, err
	}
	c.track(t)
	return t, nil
}

func (c *SyntheticCapturer) track(t *SyntheticTrack) {
	c.mu.Lock()
	c.issued = append(c.issued, t)
	c.mu.Unlock()
}

// Requests returns every constraint set passed to UserMedia, in order.
func (c *SyntheticCapturer) Requests() []Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Constraints(nil), c.requests...)
}

// Issued returns every track handed out so far.
func (c *SyntheticCapturer) Issued() []*SyntheticTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SyntheticTrack(nil), c.issued...)
}

// SyntheticTrack writes placeholder samples to a static pion track until
// stopped.
type SyntheticTrack struct {
	*TrackState

	id    string
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	stop chan struct{}
	done chan struct{}
}

func NewSyntheticTrack(kind webrtc.RTPCodecType, label string) (*SyntheticTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	id := label + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, syntheticStreamID)
	if err != nil {
		return nil, err
	}

	t := &SyntheticTrack{
		TrackState: NewTrackState(),
		id:         id,
		kind:       kind,
		local:      local,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.pump()
	return t, nil
}

func (t *SyntheticTrack) pump() {
	defer close(t.done)

	interval := syntheticVideoInterval
	payload := vp8Placeholder
	if t.kind == webrtc.RTPCodecTypeAudio {
		interval = syntheticAudioInterval
		payload = opusSilence
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		// Disabled video sends nothing; disabled audio keeps sending
		// silence, which is what the payload already is.
		if t.kind == webrtc.RTPCodecTypeVideo && !t.Enabled() {
			continue
		}
		// Writes before the track is bound are dropped by pion.
		_ = t.local.WriteSample(pionmedia.Sample{Data: payload, Duration: interval})
	}
}

func (t *SyntheticTrack) ID() string                { return t.id }
func (t *SyntheticTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *SyntheticTrack) Local() webrtc.TrackLocal  { return t.local }

func (t *SyntheticTrack) Stop() error {
	if t.MarkStopped() {
		close(t.stop)
		<-t.done
	}
	return nil
}

// End simulates the source ending on its own.
func (t *SyntheticTrack) End() {
	if t.TrackState.End() {
		close(t.stop)
		<-t.done
	}
}
