package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
)

var _ clock.Clock = (*recordingClock)(nil)

// recordingClock fires every timer immediately and records requested waits.
type recordingClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func (c *recordingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	<-c.After(d)
	f()
	return &firedTimer{ch: make(chan time.Time)}
}

func (c *recordingClock) NewTimer(d time.Duration) clock.Timer {
	return &firedTimer{ch: c.After(d)}
}

func (c *recordingClock) At(t time.Time) <-chan time.Time {
	return c.After(t.Sub(c.Now()))
}

func (c *recordingClock) AtFunc(t time.Time, f func()) clock.Alarm {
	<-c.At(t)
	f()
	return &firedAlarm{ch: make(chan time.Time)}
}

func (c *recordingClock) NewAlarm(t time.Time) clock.Alarm {
	return &firedAlarm{ch: c.At(t)}
}

func (c *recordingClock) waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type firedTimer struct {
	ch <-chan time.Time
}

func (t *firedTimer) Chan() <-chan time.Time { return t.ch }

func (t *firedTimer) Reset(time.Duration) bool { return false }

func (t *firedTimer) Stop() bool { return false }

type firedAlarm struct {
	ch <-chan time.Time
}

func (a *firedAlarm) Chan() <-chan time.Time { return a.ch }

func (a *firedAlarm) Reset(time.Time) bool { return false }

func (a *firedAlarm) Stop() bool { return false }

func TestDoBacksOffExponentiallyUntilExhausted(t *testing.T) {
	clk := &recordingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	transient := errors.New("provider unavailable")

	attempts, err := Do(context.Background(), Policy{Attempts: 3, Delay: 2 * time.Second, Clock: clk},
		func(ctx context.Context, attempt int) error { return transient },
		nil, nil,
	)

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if !errors.Is(err, transient) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	waits := clk.waits()
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Fatalf("expected waits [2s 4s], got %v", waits)
	}
}

func TestDoStopsOnFatalError(t *testing.T) {
	clk := &recordingClock{}
	fatal := errors.New("card closed")

	attempts, err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Second, Clock: clk},
		func(ctx context.Context, attempt int) error { return fatal },
		func(err error) bool { return errors.Is(err, fatal) },
		nil,
	)

	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if !errors.Is(err, fatal) || errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected raw fatal error, got %v", err)
	}
	if len(clk.waits()) != 0 {
		t.Fatalf("expected no backoff waits, got %v", clk.waits())
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	clk := &recordingClock{}
	var notified []int

	attempts, err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Second, Clock: clk},
		func(ctx context.Context, attempt int) error {
			if attempt < 2 {
				return errors.New("timeout")
			}
			return nil
		},
		nil,
		func(err error, attempt int) { notified = append(notified, attempt) },
	)

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if len(notified) != 1 || notified[0] != 1 {
		t.Fatalf("expected one notification for attempt 1, got %v", notified)
	}
}
