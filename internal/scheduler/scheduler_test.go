package scheduler

import (
	"testing"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
)

func TestNextScheduleFailureBackoff(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		errorStreak int
		wantSec     int
	}{
		{"first failure doubles", 0, 1800},
		{"second failure quadruples", 1, 3600},
		{"third failure", 2, 7200},
		{"fourth failure hits cap", 3, 14400},
		{"deep streak stays capped", 10, 14400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &domain.Source{FetchIntervalSec: 900, ErrorStreak: tt.errorStreak}
			next, errStreak, emptyStreak := NextSchedule(now, src, domain.IngestFailed, 0)

			if got := int(next.Sub(now).Seconds()); got != tt.wantSec {
				t.Errorf("interval = %ds, want %ds", got, tt.wantSec)
			}
			if errStreak != tt.errorStreak+1 {
				t.Errorf("errorStreak = %d, want %d", errStreak, tt.errorStreak+1)
			}
			if emptyStreak != 0 {
				t.Errorf("emptyStreak = %d, want unchanged 0", emptyStreak)
			}
		})
	}
}

func TestNextScheduleEmptyCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Below the threshold the base interval holds.
	src := &domain.Source{FetchIntervalSec: 900, EmptyStreak: 2}
	next, errStreak, emptyStreak := NextSchedule(now, src, domain.IngestSuccess, 0)
	if got := int(next.Sub(now).Seconds()); got != 900 {
		t.Errorf("interval below threshold = %ds, want 900", got)
	}
	if errStreak != 0 || emptyStreak != 3 {
		t.Errorf("streaks = (%d, %d), want (0, 3)", errStreak, emptyStreak)
	}

	// At the threshold the interval stretches.
	src = &domain.Source{FetchIntervalSec: 900, EmptyStreak: 4}
	next, _, emptyStreak = NextSchedule(now, src, domain.IngestSuccess, 0)
	if got := int(next.Sub(now).Seconds()); got != 1800 {
		t.Errorf("interval at threshold = %ds, want 1800", got)
	}
	if emptyStreak != 5 {
		t.Errorf("emptyStreak = %d, want 5", emptyStreak)
	}

	// Stretched interval is still capped.
	src = &domain.Source{FetchIntervalSec: 10000, EmptyStreak: 10}
	next, _, _ = NextSchedule(now, src, domain.IngestSuccess, 0)
	if got := int(next.Sub(now).Seconds()); got != MaxIntervalSec {
		t.Errorf("stretched interval = %ds, want cap %d", got, MaxIntervalSec)
	}
}

func TestNextScheduleSuccessResets(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &domain.Source{FetchIntervalSec: 900, ErrorStreak: 3, EmptyStreak: 7}

	next, errStreak, emptyStreak := NextSchedule(now, src, domain.IngestSuccess, 5)
	if got := int(next.Sub(now).Seconds()); got != 900 {
		t.Errorf("interval = %ds, want base 900", got)
	}
	if errStreak != 0 || emptyStreak != 0 {
		t.Errorf("streaks = (%d, %d), want reset", errStreak, emptyStreak)
	}
}

func TestNextSchedulePartialCountsAsSuccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &domain.Source{FetchIntervalSec: 900, ErrorStreak: 2}

	_, errStreak, _ := NextSchedule(now, src, domain.IngestPartial, 1)
	if errStreak != 0 {
		t.Errorf("partial fetch with items should reset errorStreak, got %d", errStreak)
	}
}

func TestNextScheduleMinimumBase(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &domain.Source{FetchIntervalSec: 5}

	next, _, _ := NextSchedule(now, src, domain.IngestSuccess, 1)
	if got := int(next.Sub(now).Seconds()); got != 60 {
		t.Errorf("interval = %ds, want floor 60", got)
	}
}
