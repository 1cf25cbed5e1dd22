package behavior

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// snapshot is an immutable view of the sample sequence. Writers publish a
// new snapshot after every append; readers never take the writer lock.
type snapshot struct {
	sessionID string
	startedAt time.Time
	keys      []KeySample
	touches   []TouchSample
}

// Sampler collects behavioral samples for one device session. Construct
// one per session; there is no process-wide sampler.
type Sampler struct {
	mu             sync.Mutex // serializes writers only
	pendingKeys    map[string]time.Time
	pendingTouches map[string]pendingTouch
	keys           []KeySample
	touches        []TouchSample
	sessionID      string
	startedAt      time.Time

	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

type pendingTouch struct {
	at       time.Time
	pressure float64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// NewSampler creates a sampler with a fresh session.
func NewSampler(opts ...Option) *Sampler {
	s := &Sampler{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

// RecordKeyEvent pairs Down/Up edges per key. An Up with no matching Down
// is dropped.
func (s *Sampler) RecordKeyEvent(key string, phase KeyPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch phase {
	case KeyDown:
		s.pendingKeys[key] = now
	case KeyUp:
		start, ok := s.pendingKeys[key]
		if !ok {
			return
		}
		delete(s.pendingKeys, key)
		s.keys = append(s.keys, KeySample{
			Key:           key,
			PressDuration: nonNegative(now.Sub(start)),
			PressedAt:     start,
		})
		s.publishLocked()
	}
}

// RecordTouchEvent pairs Start/End edges by touch position. An End with no
// matching Start is dropped. The pressure reported on Start is used unless
// End reports a non-zero value.
func (s *Sampler) RecordTouchEvent(x, y float64, phase TouchPhase, pressure float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := touchID(x, y)
	now := s.now()
	switch phase {
	case TouchStart:
		s.pendingTouches[id] = pendingTouch{at: now, pressure: pressure}
	case TouchEnd:
		start, ok := s.pendingTouches[id]
		if !ok {
			return
		}
		delete(s.pendingTouches, id)
		if pressure == 0 {
			pressure = start.pressure
		}
		s.touches = append(s.touches, TouchSample{
			X:         x,
			Y:         y,
			Pressure:  pressure,
			Duration:  nonNegative(now.Sub(start.at)),
			StartedAt: start.at,
		})
		s.publishLocked()
	}
}

// Summary returns the derived summary over the latest snapshot. It never
// blocks a concurrent writer.
func (s *Sampler) Summary() Summary {
	snap := s.snap.Load()
	sum := Summarize(snap.keys, snap.touches)
	sum.SessionID = snap.sessionID
	sum.SessionDuration = nonNegative(s.now().Sub(snap.startedAt))
	return sum
}

// SessionID identifies the current sampling session.
func (s *Sampler) SessionID() string {
	return s.snap.Load().sessionID
}

// Reset discards all samples and pending timers and starts a new session.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Sampler) resetLocked() {
	s.pendingKeys = make(map[string]time.Time)
	s.pendingTouches = make(map[string]pendingTouch)
	s.keys = nil
	s.touches = nil
	s.sessionID = "session_" + uuid.NewString()
	s.startedAt = s.now()
	s.publishLocked()
}

// publishLocked stores a capacity-clipped view so later appends can never
// write into memory a reader is looking at.
func (s *Sampler) publishLocked() {
	s.snap.Store(&snapshot{
		sessionID: s.sessionID,
		startedAt: s.startedAt,
		keys:      s.keys[:len(s.keys):len(s.keys)],
		touches:   s.touches[:len(s.touches):len(s.touches)],
	})
}

func touchID(x, y float64) string {
	return fmt.Sprintf("%g-%g", x, y)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
