package media

import "sync"

// TrackState carries the enable flag and end-of-life bookkeeping shared by
// every Track implementation.
type TrackState struct {
	mu       sync.Mutex
	enabled  bool
	stopped  bool
	onEnded  []func()
	onToggle func(enabled bool)
}

func NewTrackState() *TrackState {
	return &TrackState{enabled: true}
}

func (s *TrackState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *TrackState) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	fn := s.onToggle
	s.mu.Unlock()
	if fn != nil {
		fn(enabled)
	}
}

// OnToggle installs a hook run after every SetEnabled.
func (s *TrackState) OnToggle(fn func(enabled bool)) {
	s.mu.Lock()
	s.onToggle = fn
	s.mu.Unlock()
}

func (s *TrackState) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *TrackState) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = append(s.onEnded, fn)
}

// MarkStopped flags the track as stopped and reports whether this call did
// it. Callers release the underlying source only when it returns true.
func (s *TrackState) MarkStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	s.onEnded = nil
	return true
}

// End marks the source as ended and runs the OnEnded callbacks once. It is a
// no-op after Stop. It reports whether this call ended the track.
func (s *TrackState) End() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	fns := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}
