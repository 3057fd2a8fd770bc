package models

import "time"

type ShiftStatus string

const (
	ShiftScheduled  ShiftStatus = "scheduled"
	ShiftInProgress ShiftStatus = "in_progress"
	ShiftCompleted  ShiftStatus = "completed"
	ShiftMissed     ShiftStatus = "missed"
	ShiftCancelled  ShiftStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s ShiftStatus) Terminal() bool {
	return s == ShiftCompleted || s == ShiftMissed || s == ShiftCancelled
}

type Shift struct {
	ID              string      `db:"id"`
	SiteID          string      `db:"site_id"`
	EmployeeID      string      `db:"employee_id"`
	StartsAt        time.Time   `db:"starts_at"`
	EndsAt          time.Time   `db:"ends_at"`
	IntervalMins    int         `db:"required_checkin_interval_mins"`
	GraceMins       int         `db:"grace_minutes"`
	LastHeartbeatAt *time.Time  `db:"last_heartbeat_at"`
	MissedCount     int         `db:"missed_count"`
	Status          ShiftStatus `db:"status"`

	// Attendance is the single presence record for the shift, nil until
	// recorded. Populated by the active-shift queries via a left join.
	Attendance *Attendance
}

type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceLate    AttendanceStatus = "late"
	AttendanceAbsent  AttendanceStatus = "absent"
)

type Attendance struct {
	ID         string           `db:"id"`
	ShiftID    string           `db:"shift_id"`
	Status     AttendanceStatus `db:"status"`
	RecordedAt time.Time        `db:"recorded_at"`
}

type CheckinStatus string

const (
	CheckinOnTime CheckinStatus = "on_time"
	CheckinLate   CheckinStatus = "late"
)

type Checkin struct {
	ID         string        `db:"id"`
	ShiftID    string        `db:"shift_id"`
	Status     CheckinStatus `db:"status"`
	SlotIndex  int           `db:"slot_index"`
	RecordedAt time.Time     `db:"recorded_at"`
}

type AlertReason string

const (
	AlertMissedAttendance AlertReason = "missed_attendance"
	AlertMissedCheckin    AlertReason = "missed_checkin"
)

type AlertResolution string

const (
	ResolutionForgiven AlertResolution = "forgiven"
	ResolutionStandard AlertResolution = "standard"
	ResolutionAuto     AlertResolution = "auto"
)

// Alert is uniquely keyed by (ShiftID, Reason, WindowStart); a nil
// ResolvedAt means the alert is open. Resolution is terminal.
type Alert struct {
	ID          string           `db:"id"`
	ShiftID     string           `db:"shift_id"`
	SiteID      string           `db:"site_id"`
	Reason      AlertReason      `db:"reason"`
	WindowStart time.Time        `db:"window_start"`
	CreatedAt   time.Time        `db:"created_at"`
	ResolvedAt  *time.Time       `db:"resolved_at"`
	Resolution  *AlertResolution `db:"resolution"`
	ResolvedBy  *string          `db:"resolved_by"`
	Note        *string          `db:"note"`
}

// ShiftDelta carries the mutable columns patched into the engine cache
// between full resyncs.
type ShiftDelta struct {
	ShiftID         string
	LastHeartbeatAt *time.Time
	MissedCount     int
	Status          ShiftStatus
	Attendance      *Attendance
}
