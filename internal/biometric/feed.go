package biometric

import (
	"context"
	"sync"
)

// Feed is a Camera backed by frames pushed from a capture surface. Frames
// pushed while no capture holds the camera are dropped.
type Feed struct {
	mu     sync.Mutex
	frames chan []byte
	open   bool
	opens  int
}

// NewFeed creates a feed that buffers up to buffer frames per capture.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 1
	}
	return &Feed{frames: make(chan []byte, buffer)}
}

// Open claims the camera. Only one capture may hold it at a time.
func (f *Feed) Open(ctx context.Context) (FrameSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return nil, ErrCameraBusy
	}
	f.open = true
	f.opens++
	return &feedSource{feed: f}, nil
}

// Push offers a frame to the capture in progress. It reports whether the
// frame was accepted.
func (f *Feed) Push(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

// InUse reports whether a capture currently holds the camera.
func (f *Feed) InUse() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Opens returns how many times the camera has been claimed.
func (f *Feed) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *Feed) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return
	}
	f.open = false
	for {
		select {
		case <-f.frames:
		default:
			return
		}
	}
}

type feedSource struct {
	feed *Feed
	once sync.Once
	done bool
	mu   sync.Mutex
}

func (s *feedSource) Frame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	closed := s.done
	s.mu.Unlock()
	if closed {
		return nil, ErrCameraClosed
	}
	select {
	case frame := <-s.feed.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *feedSource) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		s.feed.release()
	})
	return nil
}
