package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerRunsRegisteredJobs(t *testing.T) {
	m := NewManager(nil)

	var ticks int64
	m.Register("sweep", 10*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt64(&ticks, 1)
	})

	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if atomic.LoadInt64(&ticks) == 0 {
		t.Fatalf("job never ran")
	}
	if got := m.Stats()["sweep_runs"]; got == 0 {
		t.Errorf("stats runs = %d, want > 0", got)
	}
}

// A daily job registered before Start shares the manager's context:
// Stop must reach its goroutine, and Start must not replace the context
// out from under it.
func TestRunDailyBeforeStartStops(t *testing.T) {
	m := NewManager(nil)
	m.RunDaily("rollover", func(ctx context.Context) {})
	m.Start()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return; daily goroutine missed the cancel")
	}
}

func TestNextMidnightUTC(t *testing.T) {
	now := time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC)
	want := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if got := NextMidnightUTC(now); !got.Equal(want) {
		t.Errorf("NextMidnightUTC = %v, want %v", got, want)
	}
	atMidnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if got := NextMidnightUTC(atMidnight); !got.Equal(atMidnight.Add(24*time.Hour)) {
		t.Errorf("NextMidnightUTC at midnight = %v", got)
	}
}
