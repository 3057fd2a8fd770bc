package api

import "time"

type AttendanceResponse struct {
	ID         string    `json:"id"`
	ShiftID    string    `json:"shift_id"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recorded_at"`
}

type CheckinResponse struct {
	ID         string    `json:"id"`
	ShiftID    string    `json:"shift_id"`
	Status     string    `json:"status"`
	SlotIndex  int       `json:"slot_index"`
	RecordedAt time.Time `json:"recorded_at"`
}

type RecordCheckinResponse struct {
	Checkin    CheckinResponse   `json:"checkin"`
	Catchups   []CheckinResponse `json:"catchups,omitempty"`
	IsLastSlot bool              `json:"is_last_slot"`
}

type ResolveAlertRequest struct {
	Outcome string `json:"outcome"`
	ActorID string `json:"actor_id"`
	Note    string `json:"note,omitempty"`
}

type AlertResponse struct {
	ID          string     `json:"id"`
	ShiftID     string     `json:"shift_id"`
	SiteID      string     `json:"site_id"`
	Reason      string     `json:"reason"`
	WindowStart time.Time  `json:"window_start"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolution  *string    `json:"resolution,omitempty"`
}

// Messages published on the broadcast channel. Payloads are full-state
// replacements versioned by Version/Timestamp, never diffs.

type ActiveShiftsMessage struct {
	Version   int64                  `json:"version"`
	Timestamp time.Time              `json:"_timestamp"`
	Sites     map[string][]ShiftView `json:"sites"`
}

type UpcomingShiftsMessage struct {
	Version   int64       `json:"version"`
	Timestamp time.Time   `json:"_timestamp"`
	Shifts    []ShiftView `json:"shifts"`
}

type ShiftView struct {
	ID              string     `json:"id"`
	SiteID          string     `json:"site_id"`
	EmployeeID      string     `json:"employee_id"`
	StartsAt        time.Time  `json:"starts_at"`
	EndsAt          time.Time  `json:"ends_at"`
	Status          string     `json:"status"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	MissedCount     int        `json:"missed_count"`
	WindowStatus    string     `json:"window_status,omitempty"`
	RemainingMs     int64      `json:"remaining_time_ms,omitempty"`
}

type AlertEventKind string

const (
	AlertEventCreated   AlertEventKind = "alert_created"
	AlertEventCleared   AlertEventKind = "alert_cleared"
	AlertEventAttention AlertEventKind = "alert_attention"
)

// AlertEventMessage carries both persisted alert transitions and the
// ephemeral attention warnings; attention events reference no alert row.
type AlertEventMessage struct {
	Version   int64          `json:"version"`
	Timestamp time.Time      `json:"_timestamp"`
	Kind      AlertEventKind `json:"kind"`
	SiteID    string         `json:"site_id"`
	ShiftID   string         `json:"shift_id"`
	Reason    string         `json:"reason"`
	SlotIndex int            `json:"slot_index"`
	Deadline  time.Time      `json:"deadline,omitzero"`
	AlertID   string         `json:"alert_id,omitempty"`
}
