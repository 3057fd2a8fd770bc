package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shiftwatch/api"
	"shiftwatch/internal/lock"
	"shiftwatch/internal/models"
	"shiftwatch/internal/window"
	"shiftwatch/pkg/response"
)

const shiftLockTTL = 10 * time.Second

type Service struct {
	store  Store
	locker lock.Locker
	events Events
}

func NewService(store Store, locker lock.Locker, events Events) *Service {
	return &Service{store: store, locker: locker, events: events}
}

type Store interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Shifts
	GetShiftForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*models.Shift, error)
	UpdateShiftStatusTx(ctx context.Context, tx *sql.Tx, shiftID string, status models.ShiftStatus) error
	UpdateShiftHeartbeatTx(ctx context.Context, tx *sql.Tx, shiftID string, at time.Time, status models.ShiftStatus) error
	AdjustMissedCountTx(ctx context.Context, tx *sql.Tx, shiftID string, delta int) error

	// Attendance
	GetAttendanceTx(ctx context.Context, tx *sql.Tx, shiftID string) (*models.Attendance, error)
	CreateAttendanceTx(ctx context.Context, tx *sql.Tx, att *models.Attendance) error

	// Checkins
	CreateCheckinTx(ctx context.Context, tx *sql.Tx, checkin *models.Checkin) error

	// Alerts
	GetAlertForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*models.Alert, error)
	ResolveAlertTx(ctx context.Context, tx *sql.Tx, id string, resolution models.AlertResolution, actorID, note *string) error
	AutoResolveAlertsTx(ctx context.Context, tx *sql.Tx, shiftID string, reason models.AlertReason) ([]*models.Alert, error)
	ListOpenAlerts(ctx context.Context, siteID string) ([]*models.Alert, error)
}

// Events receives best-effort notifications after a committed resolution;
// implementations must not block or fail the calling operation.
type Events interface {
	AlertCleared(ctx context.Context, alert *models.Alert)
}

// RecordAttendance records the initial presence event for the shift:
// present before the attendance deadline (startsAt + grace), late after.
// The shift moves to in_progress and any open missed_attendance alert is
// auto-resolved in the same transaction.
func (s *Service) RecordAttendance(ctx context.Context, shiftID string, now time.Time) (*api.AttendanceResponse, error) {
	const op = "service.RecordAttendance"

	unlock, err := s.lockShift(ctx, shiftID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", op, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	shift, err := s.store.GetShiftForUpdateTx(ctx, tx, shiftID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if shift.Status.Terminal() {
		return nil, fmt.Errorf("%s: %w", op, response.ErrShiftEnded)
	}

	if _, err := s.store.GetAttendanceTx(ctx, tx, shiftID); err == nil {
		return nil, fmt.Errorf("%s: %w", op, response.ErrAlreadyCheckedIn)
	} else if !errors.Is(err, response.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	status := models.AttendancePresent
	deadline := shift.StartsAt.Add(time.Duration(shift.GraceMins) * time.Minute)
	if !now.Before(deadline) {
		status = models.AttendanceLate
	}

	att := &models.Attendance{
		ShiftID:    shiftID,
		Status:     status,
		RecordedAt: now,
	}

	if err := s.store.CreateAttendanceTx(ctx, tx, att); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.store.UpdateShiftHeartbeatTx(ctx, tx, shiftID, now, models.ShiftInProgress); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cleared, err := s.store.AutoResolveAlertsTx(ctx, tx, shiftID, models.AlertMissedAttendance)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.publishCleared(ctx, cleared)

	return &api.AttendanceResponse{
		ID:         att.ID,
		ShiftID:    att.ShiftID,
		Status:     string(att.Status),
		RecordedAt: att.RecordedAt,
	}, nil
}

// RecordCheckin records the check-in satisfying the currently due slot,
// backfilling a late catch-up check-in for every slot that elapsed since the
// last heartbeat. All writes, the heartbeat advance and the auto-resolution
// of open missed_checkin alerts commit atomically.
func (s *Service) RecordCheckin(ctx context.Context, shiftID string, now time.Time) (*api.RecordCheckinResponse, error) {
	const op = "service.RecordCheckin"

	unlock, err := s.lockShift(ctx, shiftID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", op, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	shift, err := s.store.GetShiftForUpdateTx(ctx, tx, shiftID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	grace := time.Duration(shift.GraceMins) * time.Minute

	if shift.Status.Terminal() || now.After(shift.EndsAt.Add(grace)) {
		return nil, fmt.Errorf("%s: %w", op, response.ErrShiftEnded)
	}

	if _, err := s.store.GetAttendanceTx(ctx, tx, shiftID); err != nil {
		if errors.Is(err, response.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, response.ErrAttendanceRequired)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := window.Evaluate(shift.StartsAt, shift.EndsAt, shift.IntervalMins, shift.GraceMins, now, shift.LastHeartbeatAt)

	// The final slot accepts an early check-in within one grace period of
	// its nominal start so the worker can close out the shift.
	earlyFinal := res.IsLastSlot && !now.Before(res.SlotStart.Add(-grace))

	switch res.Status {
	case window.StatusCompleted:
		if !earlyFinal {
			return nil, fmt.Errorf("%s: %w", op, response.ErrAlreadyCheckedIn)
		}
	case window.StatusEarly:
		if !earlyFinal {
			return nil, fmt.Errorf("%s: %w", op, response.ErrWindowNotOpen)
		}
	}

	target := window.SlotsCovered(shift.StartsAt, shift.IntervalMins, now)
	if target < res.SlotIndex {
		target = res.SlotIndex
	}

	var catchups []api.CheckinResponse
	for k := res.SlotIndex; k < target; k++ {
		catchup := &models.Checkin{
			ShiftID:    shiftID,
			Status:     models.CheckinLate,
			SlotIndex:  k,
			RecordedAt: window.SlotStart(shift.StartsAt, shift.IntervalMins, k).Add(grace),
		}

		if err := s.store.CreateCheckinTx(ctx, tx, catchup); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		catchups = append(catchups, checkinResponse(catchup))
	}

	primaryStatus := models.CheckinOnTime
	if !now.Before(window.SlotStart(shift.StartsAt, shift.IntervalMins, target).Add(grace)) {
		primaryStatus = models.CheckinLate
	}

	primary := &models.Checkin{
		ShiftID:    shiftID,
		Status:     primaryStatus,
		SlotIndex:  target,
		RecordedAt: now,
	}

	if err := s.store.CreateCheckinTx(ctx, tx, primary); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	isLast := window.SlotStart(shift.StartsAt, shift.IntervalMins, target+1).After(shift.EndsAt)

	shiftStatus := models.ShiftInProgress
	if isLast {
		shiftStatus = models.ShiftCompleted
	}

	if err := s.store.UpdateShiftHeartbeatTx(ctx, tx, shiftID, now, shiftStatus); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cleared, err := s.store.AutoResolveAlertsTx(ctx, tx, shiftID, models.AlertMissedCheckin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.publishCleared(ctx, cleared)

	return &api.RecordCheckinResponse{
		Checkin:    checkinResponse(primary),
		Catchups:   catchups,
		IsLastSlot: isLast,
	}, nil
}

const (
	OutcomeForgive = "forgive"
	OutcomeResolve = "resolve"
)

// ResolveAlert closes an open alert with one of the two administrative
// outcomes. Forgive reverses the compliance penalty; resolve acknowledges
// the miss as final. Resolution is terminal.
func (s *Service) ResolveAlert(ctx context.Context, alertID, actorID, outcome string, note string) (*api.AlertResponse, error) {
	const op = "service.ResolveAlert"

	if outcome != OutcomeForgive && outcome != OutcomeResolve {
		return nil, fmt.Errorf("%s: invalid outcome: %w", op, response.ErrBadRequest)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", op, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	alert, err := s.store.GetAlertForUpdateTx(ctx, tx, alertID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if alert.ResolvedAt != nil {
		return nil, fmt.Errorf("%s: %w", op, response.ErrAlreadyResolved)
	}

	shift, err := s.store.GetShiftForUpdateTx(ctx, tx, alert.ShiftID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resolution := models.ResolutionStandard
	if outcome == OutcomeForgive {
		resolution = models.ResolutionForgiven
	}

	switch {
	case alert.Reason == models.AlertMissedCheckin && outcome == OutcomeForgive:
		if err := s.forgiveMissedCheckin(ctx, tx, shift, alert); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

	case alert.Reason == models.AlertMissedAttendance:
		if err := s.settleMissedAttendance(ctx, tx, shift, outcome); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

	default:
		// missed_checkin + resolve: administrative acknowledgment only, no
		// compliance side effects.
	}

	var notePtr *string
	if note != "" {
		notePtr = &note
	}

	if err := s.store.ResolveAlertTx(ctx, tx, alertID, resolution, &actorID, notePtr); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	resolvedAt := time.Now().UTC()
	alert.ResolvedAt = &resolvedAt
	alert.Resolution = &resolution

	s.publishCleared(ctx, []*models.Alert{alert})

	return alertResponse(alert), nil
}

func (s *Service) forgiveMissedCheckin(ctx context.Context, tx *sql.Tx, shift *models.Shift, alert *models.Alert) error {
	if err := s.store.AdjustMissedCountTx(ctx, tx, shift.ID, -1); err != nil {
		return err
	}

	slot := window.SlotsCovered(shift.StartsAt, shift.IntervalMins, alert.WindowStart)
	lastSlot := window.SlotStart(shift.StartsAt, shift.IntervalMins, slot+1).After(shift.EndsAt)

	if lastSlot && !shift.Status.Terminal() {
		return s.store.UpdateShiftStatusTx(ctx, tx, shift.ID, models.ShiftCompleted)
	}

	return nil
}

func (s *Service) settleMissedAttendance(ctx context.Context, tx *sql.Tx, shift *models.Shift, outcome string) error {
	_, err := s.store.GetAttendanceTx(ctx, tx, shift.ID)
	missing := errors.Is(err, response.ErrNotFound)
	if err != nil && !missing {
		return err
	}

	if outcome == OutcomeForgive {
		if missing {
			att := &models.Attendance{
				ShiftID:    shift.ID,
				Status:     models.AttendanceLate,
				RecordedAt: time.Now().UTC(),
			}
			if err := s.store.CreateAttendanceTx(ctx, tx, att); err != nil {
				return err
			}
		}

		if shift.Status == models.ShiftScheduled {
			return s.store.UpdateShiftStatusTx(ctx, tx, shift.ID, models.ShiftInProgress)
		}

		return nil
	}

	if missing {
		att := &models.Attendance{
			ShiftID:    shift.ID,
			Status:     models.AttendanceAbsent,
			RecordedAt: time.Now().UTC(),
		}
		if err := s.store.CreateAttendanceTx(ctx, tx, att); err != nil {
			return err
		}
	}

	if !shift.Status.Terminal() {
		return s.store.UpdateShiftStatusTx(ctx, tx, shift.ID, models.ShiftMissed)
	}

	return nil
}

func (s *Service) ListOpenAlerts(ctx context.Context, siteID string) ([]*api.AlertResponse, error) {
	const op = "service.ListOpenAlerts"

	alerts, err := s.store.ListOpenAlerts(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := make([]*api.AlertResponse, 0, len(alerts))
	for _, alert := range alerts {
		result = append(result, alertResponse(alert))
	}

	return result, nil
}

func (s *Service) lockShift(ctx context.Context, shiftID string) (func(), error) {
	lockKey := fmt.Sprintf("shift:%s", shiftID)

	locked, err := s.locker.Lock(ctx, lockKey, shiftLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock error: %w", err)
	}
	if !locked {
		return nil, response.ErrLocked
	}

	return func() {
		_ = s.locker.Unlock(ctx, lockKey)
	}, nil
}

func (s *Service) publishCleared(ctx context.Context, alerts []*models.Alert) {
	if s.events == nil {
		return
	}

	for _, alert := range alerts {
		s.events.AlertCleared(ctx, alert)
	}
}

func checkinResponse(c *models.Checkin) api.CheckinResponse {
	return api.CheckinResponse{
		ID:         c.ID,
		ShiftID:    c.ShiftID,
		Status:     string(c.Status),
		SlotIndex:  c.SlotIndex,
		RecordedAt: c.RecordedAt,
	}
}

func alertResponse(a *models.Alert) *api.AlertResponse {
	resp := &api.AlertResponse{
		ID:          a.ID,
		ShiftID:     a.ShiftID,
		SiteID:      a.SiteID,
		Reason:      string(a.Reason),
		WindowStart: a.WindowStart,
		CreatedAt:   a.CreatedAt,
		ResolvedAt:  a.ResolvedAt,
	}

	if a.Resolution != nil {
		r := string(*a.Resolution)
		resp.Resolution = &r
	}

	return resp
}
