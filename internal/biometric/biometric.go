// Package biometric wraps an external face matcher and a frame source into
// a capture call that always yields a result.
//
// Matcher failures, timeouts and offline unavailability never surface as
// errors: the adapter returns a conservative fallback result instead, and
// the caller decides what a low-confidence face score means.
package biometric

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCameraBusy     = errors.New("camera already in use")
	ErrCameraClosed   = errors.New("camera released")
	ErrMatcherFailure = errors.New("face matcher failure")
)

// Mode records how a result was produced.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
	ModeError   Mode = "error"
)

// Result is the immutable outcome of one capture.
type Result struct {
	ConfidencePercent float64   `json:"confidencePercent"`
	MatchedIdentity   string    `json:"matchedIdentity,omitempty"`
	LivenessPassed    bool      `json:"livenessPassed"`
	Mode              Mode      `json:"mode"`
	Fallback          bool      `json:"fallback"`
	Reason            string    `json:"reason,omitempty"`
	CapturedAt        time.Time `json:"capturedAt"`
}

// Confidence returns the match confidence normalized to [0,1].
func (r *Result) Confidence() float64 {
	if r == nil {
		return 0
	}
	return r.ConfidencePercent / 100
}

// Match is what a matcher reports for a single frame.
type Match struct {
	Identity          string
	ConfidencePercent float64
	LivenessPassed    bool
}

// Matcher compares a frame against the enrolled identity.
type Matcher interface {
	Match(ctx context.Context, frame []byte) (*Match, error)
}

// Camera hands out an exclusive frame source.
type Camera interface {
	Open(ctx context.Context) (FrameSource, error)
}

// FrameSource yields frames until closed. Close must be safe to call more
// than once.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}
