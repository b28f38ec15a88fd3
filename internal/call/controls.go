package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/wilsonzlin/videoroom/internal/media"
	"github.com/wilsonzlin/videoroom/internal/negotiator"
)

// ToggleVideo flips the camera track's enabled flag in place and returns the
// new state. Nothing is renegotiated. Without a camera it returns false.
func (o *Orchestrator) ToggleVideo() bool {
	return o.toggle(func(b *media.Bundle) media.Track { return b.Video() })
}

// ToggleAudio is ToggleVideo for the microphone.
func (o *Orchestrator) ToggleAudio() bool {
	return o.toggle(func(b *media.Bundle) media.Track { return b.Audio() })
}

func (o *Orchestrator) toggle(pick func(*media.Bundle) media.Track) bool {
	o.mu.Lock()
	b := o.bundle
	o.mu.Unlock()
	if b == nil {
		return false
	}
	t := pick(b)
	if t == nil || t.Stopped() {
		return false
	}
	enabled := !t.Enabled()
	t.SetEnabled(enabled)
	o.log.Info("local track toggled", "kind", t.Kind().String(), "enabled", enabled)
	return enabled
}

// VideoEnabled reports whether a live camera track is enabled.
func (o *Orchestrator) VideoEnabled() bool {
	return o.enabled(func(b *media.Bundle) media.Track { return b.Video() })
}

func (o *Orchestrator) AudioEnabled() bool {
	return o.enabled(func(b *media.Bundle) media.Track { return b.Audio() })
}

func (o *Orchestrator) enabled(pick func(*media.Bundle) media.Track) bool {
	o.mu.Lock()
	b := o.bundle
	o.mu.Unlock()
	if b == nil {
		return false
	}
	t := pick(b)
	return t != nil && !t.Stopped() && t.Enabled()
}

// Sharing reports whether a screen share is active.
func (o *Orchestrator) Sharing() bool {
	o.mu.Lock()
	b := o.bundle
	o.mu.Unlock()
	if b == nil {
		return false
	}
	s := b.Screen()
	return s != nil && !s.Stopped()
}

// ShareScreen captures the display and sends it in place of the camera. When
// the display source ends on its own the camera is restored.
func (o *Orchestrator) ShareScreen(ctx context.Context) error {
	o.mu.Lock()
	if o.lifecycle != LifecycleActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	b, neg := o.bundle, o.neg
	o.mu.Unlock()

	if s := b.Screen(); s != nil && !s.Stopped() {
		return nil
	}

	screen, err := o.acquirer.AcquireDisplay(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.lifecycle != LifecycleActive {
		o.mu.Unlock()
		_ = screen.Stop()
		return ErrEnded
	}
	if err := neg.ReplaceVideo(screen.Local()); err != nil {
		o.mu.Unlock()
		_ = screen.Stop()
		return fmt.Errorf("call: share screen: %w", err)
	}
	if prev := b.SetScreen(screen); prev != nil {
		_ = prev.Stop()
	}
	o.mu.Unlock()

	screen.OnEnded(func() { o.restoreCamera(screen) })
	o.attachPreview(b)
	o.log.Info("screen share started")
	return nil
}

// StopShareScreen switches back to the camera and releases the display
// track. It is a no-op when nothing is shared.
func (o *Orchestrator) StopShareScreen() error {
	o.mu.Lock()
	b := o.bundle
	o.mu.Unlock()
	if b == nil {
		return nil
	}
	screen := b.Screen()
	if screen == nil {
		return nil
	}
	err := o.restoreCamera(screen)
	_ = screen.Stop()
	return err
}

func (o *Orchestrator) restoreCamera(screen media.Track) error {
	o.mu.Lock()
	b, neg := o.bundle, o.neg
	if o.lifecycle != LifecycleActive || b == nil || b.Screen() != screen {
		o.mu.Unlock()
		return nil
	}
	b.SetScreen(nil)
	o.mu.Unlock()

	var err error
	if v := b.Video(); v != nil && !v.Stopped() {
		err = neg.ReplaceVideo(v.Local())
	}
	switch {
	case errors.Is(err, negotiator.ErrClosed):
		return nil
	case err != nil:
		o.log.Warn("failed to restore camera", "err", err)
		return fmt.Errorf("call: restore camera: %w", err)
	}
	o.attachPreview(b)
	o.log.Info("screen share stopped")
	return nil
}

func (o *Orchestrator) attachPreview(b *media.Bundle) {
	if o.opts.Preview == nil {
		return
	}
	tracks := b.Tracks()
	if s := b.Screen(); s != nil && !s.Stopped() {
		tracks = []media.Track{s}
		if a := b.Audio(); a != nil {
			tracks = append([]media.Track{a}, tracks...)
		}
	}
	o.opts.Preview.Attach(tracks)
}
