package window

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func at(mins int) time.Time { return base.Add(time.Duration(mins) * time.Minute) }

func tp(mins int) *time.Time {
	t := at(mins)
	return &t
}

func TestEvaluateStatuses(t *testing.T) {
	endsAt := at(240)

	tests := []struct {
		name       string
		now        time.Time
		heartbeat  *time.Time
		wantStatus Status
		wantSlot   int
		wantRemain time.Duration
	}{
		{
			name:       "early before first slot",
			now:        at(30),
			heartbeat:  nil,
			wantStatus: StatusEarly,
			wantSlot:   1,
			wantRemain: 30 * time.Minute,
		},
		{
			name:       "open at slot start",
			now:        at(60),
			heartbeat:  nil,
			wantStatus: StatusOpen,
			wantSlot:   1,
			wantRemain: 5 * time.Minute,
		},
		{
			name:       "open inside grace",
			now:        at(63),
			heartbeat:  nil,
			wantStatus: StatusOpen,
			wantSlot:   1,
			wantRemain: 2 * time.Minute,
		},
		{
			name:       "late after grace",
			now:        at(70),
			heartbeat:  nil,
			wantStatus: StatusLate,
			wantSlot:   1,
			wantRemain: 50 * time.Minute,
		},
		{
			name:       "late slot stays outstanding with stale heartbeat",
			now:        at(130),
			heartbeat:  tp(0),
			wantStatus: StatusLate,
			wantSlot:   1,
			wantRemain: -10 * time.Minute,
		},
		{
			name:       "completed after on-time checkin",
			now:        at(62),
			heartbeat:  tp(61),
			wantStatus: StatusCompleted,
			wantSlot:   2,
			wantRemain: 58 * time.Minute,
		},
		{
			name:       "second slot opens after completion",
			now:        at(120),
			heartbeat:  tp(61),
			wantStatus: StatusOpen,
			wantSlot:   2,
			wantRemain: 5 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(base, endsAt, 60, 5, tt.now, tt.heartbeat)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.SlotIndex != tt.wantSlot {
				t.Errorf("slot = %d, want %d", got.SlotIndex, tt.wantSlot)
			}
			if got.Remaining != tt.wantRemain {
				t.Errorf("remaining = %s, want %s", got.Remaining, tt.wantRemain)
			}
		})
	}
}

// With a fixed heartbeat the reported status never moves backwards in the
// early -> open -> late ordering as time advances.
func TestStatusMonotonic(t *testing.T) {
	rank := map[Status]int{StatusEarly: 0, StatusOpen: 1, StatusLate: 2}
	endsAt := at(480)
	hb := tp(0)

	prev := -1
	for m := 1; m < 300; m++ {
		res := Evaluate(base, endsAt, 60, 5, at(m), hb)
		r, ok := rank[res.Status]
		if !ok {
			t.Fatalf("unexpected status %s at +%dm with stale heartbeat", res.Status, m)
		}
		if r < prev {
			t.Fatalf("status regressed to %s at +%dm", res.Status, m)
		}
		prev = r
	}
}

func TestIsLastSlot(t *testing.T) {
	endsAt := at(120)

	res := Evaluate(base, endsAt, 60, 5, at(61), nil)
	if res.IsLastSlot {
		t.Errorf("slot 1 of a 120m shift reported as last")
	}

	res = Evaluate(base, endsAt, 60, 5, at(121), tp(61))
	if res.SlotIndex != 2 {
		t.Fatalf("slot = %d, want 2", res.SlotIndex)
	}
	if !res.IsLastSlot {
		t.Errorf("slot 2 of a 120m shift not reported as last")
	}
}

func TestSlotsCovered(t *testing.T) {
	if got := SlotsCovered(base, 60, at(-5)); got != 0 {
		t.Errorf("before start: got %d, want 0", got)
	}
	if got := SlotsCovered(base, 60, at(59)); got != 0 {
		t.Errorf("mid first interval: got %d, want 0", got)
	}
	if got := SlotsCovered(base, 60, at(60)); got != 1 {
		t.Errorf("at slot 1: got %d, want 1", got)
	}
	if got := SlotsCovered(base, 60, at(240)); got != 4 {
		t.Errorf("at slot 4: got %d, want 4", got)
	}
}
