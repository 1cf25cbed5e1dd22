package behavior

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by a fixed step on every read.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestSummary_ColdStart(t *testing.T) {
	s := NewSampler()
	for i := 0; i < 3; i++ {
		sum := s.Summary()
		assert.Equal(t, ColdStartScore, sum.ConsistencyScore)
		assert.Zero(t, sum.Count)
	}
}

func TestRecordKeyEvent_UpWithoutDownDropped(t *testing.T) {
	s := NewSampler()
	s.RecordKeyEvent("a", KeyUp)
	assert.Zero(t, s.Summary().KeystrokeCount)

	s.RecordKeyEvent("a", KeyDown)
	s.RecordKeyEvent("a", KeyUp)
	s.RecordKeyEvent("a", KeyUp)
	assert.Equal(t, 1, s.Summary().KeystrokeCount)
}

func TestRecordTouchEvent_EndWithoutStartDropped(t *testing.T) {
	s := NewSampler()
	s.RecordTouchEvent(10, 20, TouchEnd, 0.5)
	assert.Zero(t, s.Summary().TouchCount)

	s.RecordTouchEvent(10, 20, TouchStart, 0.7)
	s.RecordTouchEvent(11, 20, TouchEnd, 0)
	assert.Zero(t, s.Summary().TouchCount, "different coordinates must not close the touch")

	s.RecordTouchEvent(10, 20, TouchEnd, 0)
	sum := s.Summary()
	assert.Equal(t, 1, sum.TouchCount)
	assert.InDelta(t, 0.7, sum.AvgPressure, 1e-9)
}

func TestSampler_PairsDurations(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &stepClock{now: base}
	s := NewSampler(WithClock(clock.Now))

	clock.Set(base.Add(time.Second))
	s.RecordKeyEvent("1", KeyDown)
	clock.Set(base.Add(time.Second + 120*time.Millisecond))
	s.RecordKeyEvent("1", KeyUp)

	sum := s.Summary()
	require.Equal(t, 1, sum.KeystrokeCount)
	assert.Equal(t, 120*time.Millisecond, sum.AvgDwell)
}

func TestSummarize_KeystrokeOnly(t *testing.T) {
	uniform := []KeySample{
		{PressDuration: 100 * time.Millisecond},
		{PressDuration: 100 * time.Millisecond},
		{PressDuration: 100 * time.Millisecond},
	}
	assert.Equal(t, MaxKeyScore, Summarize(uniform, nil).ConsistencyScore)

	erratic := []KeySample{
		{PressDuration: 10 * time.Millisecond},
		{PressDuration: 900 * time.Millisecond},
	}
	assert.Equal(t, MinScore, Summarize(erratic, nil).ConsistencyScore)
}

func TestSummarize_TouchOnlyCappedLower(t *testing.T) {
	uniform := []TouchSample{
		{Duration: 80 * time.Millisecond, Pressure: 0.5},
		{Duration: 80 * time.Millisecond, Pressure: 0.7},
	}
	sum := Summarize(nil, uniform)
	assert.Equal(t, MaxTouchScore, sum.ConsistencyScore)
	assert.InDelta(t, 0.6, sum.AvgPressure, 1e-9)
}

func TestSummarize_WeightedCombination(t *testing.T) {
	keys := []KeySample{
		{PressDuration: 100 * time.Millisecond},
		{PressDuration: 200 * time.Millisecond},
	}
	touches := []TouchSample{
		{Duration: 100 * time.Millisecond},
		{Duration: 100 * time.Millisecond},
	}
	// key: 1 - 100/151 = 0.33775; touch: 0.90
	sum := Summarize(keys, touches)
	assert.InDelta(t, 0.6*0.33775+0.4*0.90, sum.ConsistencyScore, 1e-3)
	assert.Equal(t, 4, sum.Count)
}

func TestSummarize_Deterministic(t *testing.T) {
	keys := []KeySample{{PressDuration: 90 * time.Millisecond}, {PressDuration: 140 * time.Millisecond}}
	first := Summarize(keys, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Summarize(keys, nil))
	}
}

func TestSampler_ResetStartsNewSession(t *testing.T) {
	s := NewSampler()
	before := s.SessionID()
	s.RecordKeyEvent("x", KeyDown)
	s.RecordKeyEvent("x", KeyUp)
	s.RecordKeyEvent("y", KeyDown)

	s.Reset()

	assert.NotEqual(t, before, s.SessionID())
	assert.Zero(t, s.Summary().Count)
	s.RecordKeyEvent("y", KeyUp)
	assert.Zero(t, s.Summary().Count, "pending timers must not survive a reset")
}

func TestSampler_ConcurrentWritesAndReads(t *testing.T) {
	s := NewSampler()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.RecordKeyEvent("k", KeyDown)
			s.RecordKeyEvent("k", KeyUp)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.RecordTouchEvent(1, 1, TouchStart, 0.5)
			s.RecordTouchEvent(1, 1, TouchEnd, 0.5)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			sum := s.Summary()
			if sum.ConsistencyScore < MinScore || sum.ConsistencyScore > MaxKeyScore {
				t.Errorf("score out of range: %f", sum.ConsistencyScore)
				return
			}
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, 1000, s.Summary().Count)
}
