package window

import "time"

// Status of the currently outstanding check-in slot at a given instant.
type Status string

const (
	StatusEarly     Status = "early"
	StatusOpen      Status = "open"
	StatusLate      Status = "late"
	StatusCompleted Status = "completed"
)

// Result describes the outstanding slot: the smallest slot index whose
// nominal due time is not yet covered by the last heartbeat. Slot k is due
// at startsAt + k*interval for k = 1, 2, ...; the initial attendance covers
// k = 0.
type Result struct {
	Status        Status
	SlotIndex     int
	SlotStart     time.Time
	SlotEnd       time.Time
	NextSlotStart time.Time
	IsLastSlot    bool
	// Remaining counts down to the next boundary for the status: slot start
	// when early, slot end (hard deadline) when open, next slot start when
	// late or completed.
	Remaining time.Duration
}

// SlotsCovered returns how many required slots a heartbeat at the given
// instant satisfies: floor((at - startsAt) / interval), never negative.
func SlotsCovered(startsAt time.Time, intervalMins int, at time.Time) int {
	interval := time.Duration(intervalMins) * time.Minute
	if at.Before(startsAt) {
		return 0
	}
	return int(at.Sub(startsAt) / interval)
}

// SlotStart returns the nominal due time of slot k.
func SlotStart(startsAt time.Time, intervalMins, k int) time.Time {
	return startsAt.Add(time.Duration(k*intervalMins) * time.Minute)
}

// Evaluate is a pure function; callers pre-validate intervalMins > 0 and
// graceMins >= 0, and must not call it for shifts whose end has already
// passed unsatisfied.
func Evaluate(startsAt, endsAt time.Time, intervalMins, graceMins int, now time.Time, lastHeartbeatAt *time.Time) Result {
	interval := time.Duration(intervalMins) * time.Minute
	grace := time.Duration(graceMins) * time.Minute

	satisfied := 0
	if lastHeartbeatAt != nil {
		satisfied = SlotsCovered(startsAt, intervalMins, *lastHeartbeatAt)
	}
	due := SlotsCovered(startsAt, intervalMins, now)

	k := satisfied + 1
	slotStart := SlotStart(startsAt, intervalMins, k)
	slotEnd := slotStart.Add(grace)
	nextSlotStart := slotStart.Add(interval)

	res := Result{
		SlotIndex:     k,
		SlotStart:     slotStart,
		SlotEnd:       slotEnd,
		NextSlotStart: nextSlotStart,
		IsLastSlot:    nextSlotStart.After(endsAt),
	}

	switch {
	case due >= 1 && satisfied >= due:
		// The currently due slot is already covered by the heartbeat; the
		// next obligation opens at its nominal start.
		res.Status = StatusCompleted
		res.Remaining = slotStart.Sub(now)
	case now.Before(slotStart):
		res.Status = StatusEarly
		res.Remaining = slotStart.Sub(now)
	case now.Before(slotEnd):
		res.Status = StatusOpen
		res.Remaining = slotEnd.Sub(now)
	default:
		res.Status = StatusLate
		res.Remaining = nextSlotStart.Sub(now)
	}

	return res
}
