package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"shiftwatch/internal/models"
	"shiftwatch/pkg/response"

	"github.com/google/uuid"
)

// A stub database/sql driver so the service can open and commit real
// *sql.Tx handles; all data access goes through the fake store below.

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return stubConn{}, nil }

type stubConn struct{}

func (stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (stubConn) Close() error                        { return nil }
func (stubConn) Begin() (driver.Tx, error)           { return stubTx{}, nil }

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

var registerStub sync.Once

func openStubDB(t *testing.T) *sql.DB {
	t.Helper()

	registerStub.Do(func() {
		sql.Register("stub", stubDriver{})
	})

	db, err := sql.Open("stub", "")
	if err != nil {
		t.Fatalf("open stub db: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

type fakeStore struct {
	db          *sql.DB
	shifts      map[string]*models.Shift
	attendances map[string]*models.Attendance
	checkins    []*models.Checkin
	alerts      map[string]*models.Alert
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{
		db:          openStubDB(t),
		shifts:      make(map[string]*models.Shift),
		attendances: make(map[string]*models.Attendance),
		alerts:      make(map[string]*models.Alert),
	}
}

func (f *fakeStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return f.db.BeginTx(ctx, nil)
}

func (f *fakeStore) GetShiftForUpdateTx(_ context.Context, _ *sql.Tx, id string) (*models.Shift, error) {
	shift, ok := f.shifts[id]
	if !ok {
		return nil, response.ErrNotFound
	}

	copied := *shift
	return &copied, nil
}

func (f *fakeStore) UpdateShiftStatusTx(_ context.Context, _ *sql.Tx, shiftID string, status models.ShiftStatus) error {
	f.shifts[shiftID].Status = status
	return nil
}

func (f *fakeStore) UpdateShiftHeartbeatTx(_ context.Context, _ *sql.Tx, shiftID string, at time.Time, status models.ShiftStatus) error {
	shift := f.shifts[shiftID]
	hb := at
	shift.LastHeartbeatAt = &hb
	shift.Status = status
	return nil
}

func (f *fakeStore) AdjustMissedCountTx(_ context.Context, _ *sql.Tx, shiftID string, delta int) error {
	shift := f.shifts[shiftID]
	shift.MissedCount += delta
	if shift.MissedCount < 0 {
		shift.MissedCount = 0
	}
	return nil
}

func (f *fakeStore) GetAttendanceTx(_ context.Context, _ *sql.Tx, shiftID string) (*models.Attendance, error) {
	att, ok := f.attendances[shiftID]
	if !ok {
		return nil, response.ErrNotFound
	}
	return att, nil
}

func (f *fakeStore) CreateAttendanceTx(_ context.Context, _ *sql.Tx, att *models.Attendance) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if _, exists := f.attendances[att.ShiftID]; exists {
		return fmt.Errorf("duplicate attendance for shift %s", att.ShiftID)
	}
	f.attendances[att.ShiftID] = att
	return nil
}

func (f *fakeStore) CreateCheckinTx(_ context.Context, _ *sql.Tx, checkin *models.Checkin) error {
	if checkin.ID == "" {
		checkin.ID = uuid.NewString()
	}
	f.checkins = append(f.checkins, checkin)
	return nil
}

func (f *fakeStore) GetAlertForUpdateTx(_ context.Context, _ *sql.Tx, id string) (*models.Alert, error) {
	alert, ok := f.alerts[id]
	if !ok {
		return nil, response.ErrNotFound
	}

	copied := *alert
	return &copied, nil
}

func (f *fakeStore) ResolveAlertTx(_ context.Context, _ *sql.Tx, id string, resolution models.AlertResolution, actorID, note *string) error {
	alert := f.alerts[id]
	if alert.ResolvedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	alert.ResolvedAt = &now
	alert.Resolution = &resolution
	alert.ResolvedBy = actorID
	alert.Note = note
	return nil
}

func (f *fakeStore) AutoResolveAlertsTx(_ context.Context, _ *sql.Tx, shiftID string, reason models.AlertReason) ([]*models.Alert, error) {
	var resolved []*models.Alert

	for _, alert := range f.alerts {
		if alert.ShiftID == shiftID && alert.Reason == reason && alert.ResolvedAt == nil {
			now := time.Now().UTC()
			auto := models.ResolutionAuto
			alert.ResolvedAt = &now
			alert.Resolution = &auto
			resolved = append(resolved, alert)
		}
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].WindowStart.After(resolved[j].WindowStart)
	})

	return resolved, nil
}

func (f *fakeStore) ListOpenAlerts(_ context.Context, siteID string) ([]*models.Alert, error) {
	var open []*models.Alert
	for _, alert := range f.alerts {
		if alert.SiteID == siteID && alert.ResolvedAt == nil {
			open = append(open, alert)
		}
	}
	return open, nil
}

func (f *fakeStore) addShift(shift *models.Shift) *models.Shift {
	if shift.ID == "" {
		shift.ID = uuid.NewString()
	}
	if shift.SiteID == "" {
		shift.SiteID = "site-1"
	}
	if shift.Status == "" {
		shift.Status = models.ShiftScheduled
	}
	f.shifts[shift.ID] = shift
	return shift
}

func (f *fakeStore) addAttendance(shiftID string, at time.Time) {
	f.attendances[shiftID] = &models.Attendance{
		ID:         uuid.NewString(),
		ShiftID:    shiftID,
		Status:     models.AttendancePresent,
		RecordedAt: at,
	}
}

func (f *fakeStore) addOpenAlert(shift *models.Shift, reason models.AlertReason, windowStart time.Time) *models.Alert {
	alert := &models.Alert{
		ID:          uuid.NewString(),
		ShiftID:     shift.ID,
		SiteID:      shift.SiteID,
		Reason:      reason,
		WindowStart: windowStart,
		CreatedAt:   windowStart,
	}
	f.alerts[alert.ID] = alert
	return alert
}

type fakeLocker struct{}

func (fakeLocker) Lock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (fakeLocker) Unlock(context.Context, string) error                      { return nil }

type fakeEvents struct {
	cleared []*models.Alert
}

func (f *fakeEvents) AlertCleared(_ context.Context, alert *models.Alert) {
	f.cleared = append(f.cleared, alert)
}

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func at(mins int) time.Time { return base.Add(time.Duration(mins) * time.Minute) }

func tp(mins int) *time.Time {
	t := at(mins)
	return &t
}

func newService(t *testing.T) (*Service, *fakeStore, *fakeEvents) {
	store := newFakeStore(t)
	events := &fakeEvents{}
	return NewService(store, fakeLocker{}, events), store, events
}

func TestRecordAttendance(t *testing.T) {
	svc, store, events := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
	})
	store.addOpenAlert(shift, models.AlertMissedAttendance, base)

	resp, err := svc.RecordAttendance(context.Background(), shift.ID, at(2))
	if err != nil {
		t.Fatalf("RecordAttendance: %v", err)
	}

	if resp.Status != string(models.AttendancePresent) {
		t.Errorf("status = %s, want present", resp.Status)
	}
	if shift.Status != models.ShiftInProgress {
		t.Errorf("shift status = %s, want in_progress", shift.Status)
	}
	if shift.LastHeartbeatAt == nil || !shift.LastHeartbeatAt.Equal(at(2)) {
		t.Errorf("heartbeat not advanced to attendance time")
	}
	if len(events.cleared) != 1 {
		t.Fatalf("cleared events = %d, want 1", len(events.cleared))
	}
	if *events.cleared[0].Resolution != models.ResolutionAuto {
		t.Errorf("resolution = %s, want auto", *events.cleared[0].Resolution)
	}
}

func TestRecordAttendanceLateAfterDeadline(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
	})

	resp, err := svc.RecordAttendance(context.Background(), shift.ID, at(9))
	if err != nil {
		t.Fatalf("RecordAttendance: %v", err)
	}

	if resp.Status != string(models.AttendanceLate) {
		t.Errorf("status = %s, want late", resp.Status)
	}
}

func TestRecordAttendanceDuplicate(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
	})
	store.addAttendance(shift.ID, at(1))

	_, err := svc.RecordAttendance(context.Background(), shift.ID, at(3))
	if !errors.Is(err, response.ErrAlreadyCheckedIn) {
		t.Errorf("err = %v, want ErrAlreadyCheckedIn", err)
	}
}

func TestRecordCheckinRequiresAttendance(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftScheduled,
	})

	_, err := svc.RecordCheckin(context.Background(), shift.ID, at(60))
	if !errors.Is(err, response.ErrAttendanceRequired) {
		t.Errorf("err = %v, want ErrAttendanceRequired", err)
	}
}

func TestRecordCheckinWindowNotOpen(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress, LastHeartbeatAt: tp(0),
	})
	store.addAttendance(shift.ID, base)

	_, err := svc.RecordCheckin(context.Background(), shift.ID, at(30))
	if !errors.Is(err, response.ErrWindowNotOpen) {
		t.Errorf("err = %v, want ErrWindowNotOpen", err)
	}
}

func TestRecordCheckinEnded(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(120), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftCompleted, LastHeartbeatAt: tp(120),
	})
	store.addAttendance(shift.ID, base)

	_, err := svc.RecordCheckin(context.Background(), shift.ID, at(130))
	if !errors.Is(err, response.ErrShiftEnded) {
		t.Errorf("err = %v, want ErrShiftEnded", err)
	}
}

func TestRecordCheckinOnTime(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress,
	})
	store.addAttendance(shift.ID, base)

	resp, err := svc.RecordCheckin(context.Background(), shift.ID, at(62))
	if err != nil {
		t.Fatalf("RecordCheckin: %v", err)
	}

	if resp.Checkin.Status != string(models.CheckinOnTime) {
		t.Errorf("status = %s, want on_time", resp.Checkin.Status)
	}
	if resp.Checkin.SlotIndex != 1 {
		t.Errorf("slot = %d, want 1", resp.Checkin.SlotIndex)
	}
	if len(resp.Catchups) != 0 {
		t.Errorf("catchups = %d, want 0", len(resp.Catchups))
	}
	if resp.IsLastSlot {
		t.Errorf("slot 1 of an 8h shift reported as last")
	}
}

func TestRecordCheckinDuplicateRejected(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress,
	})
	store.addAttendance(shift.ID, base)

	if _, err := svc.RecordCheckin(context.Background(), shift.ID, at(61)); err != nil {
		t.Fatalf("first check-in: %v", err)
	}

	_, err := svc.RecordCheckin(context.Background(), shift.ID, at(63))
	if !errors.Is(err, response.ErrAlreadyCheckedIn) {
		t.Errorf("err = %v, want ErrAlreadyCheckedIn", err)
	}
}

func TestRecordCheckinCatchupCompleteness(t *testing.T) {
	svc, store, _ := newService(t)

	// started 240 minutes ago, heartbeat never advanced past the start
	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress, LastHeartbeatAt: tp(0),
	})
	store.addAttendance(shift.ID, base)

	now := at(240)
	resp, err := svc.RecordCheckin(context.Background(), shift.ID, now)
	if err != nil {
		t.Fatalf("RecordCheckin: %v", err)
	}

	if len(resp.Catchups) < 3 {
		t.Fatalf("catchups = %d, want >= 3", len(resp.Catchups))
	}
	for _, c := range resp.Catchups {
		if c.Status != string(models.CheckinLate) {
			t.Errorf("catchup slot %d status = %s, want late", c.SlotIndex, c.Status)
		}
	}
	if shift.LastHeartbeatAt == nil || !shift.LastHeartbeatAt.Equal(now) {
		t.Errorf("heartbeat = %v, want %v", shift.LastHeartbeatAt, now)
	}

	// catch-ups are timestamped at their own deadlines
	if !resp.Catchups[0].RecordedAt.Equal(at(65)) {
		t.Errorf("first catchup recorded at %v, want %v", resp.Catchups[0].RecordedAt, at(65))
	}
}

func TestRecordCheckinLastSlotCompletion(t *testing.T) {
	tests := []struct {
		name    string
		nowMins int
	}{
		{"early allowed window", 115},
		{"at slot start", 120},
		{"within grace", 123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newService(t)

			shift := store.addShift(&models.Shift{
				StartsAt: base, EndsAt: at(120), IntervalMins: 60, GraceMins: 5,
				Status: models.ShiftInProgress, LastHeartbeatAt: tp(60),
			})
			store.addAttendance(shift.ID, base)

			resp, err := svc.RecordCheckin(context.Background(), shift.ID, at(tt.nowMins))
			if err != nil {
				t.Fatalf("RecordCheckin: %v", err)
			}

			if !resp.IsLastSlot {
				t.Errorf("IsLastSlot = false, want true")
			}
			if shift.Status != models.ShiftCompleted {
				t.Errorf("shift status = %s, want completed", shift.Status)
			}
		})
	}
}

func TestRecordCheckinAutoResolvesBulk(t *testing.T) {
	svc, store, events := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress, LastHeartbeatAt: tp(0),
	})
	store.addAttendance(shift.ID, base)
	store.addOpenAlert(shift, models.AlertMissedCheckin, at(60))
	store.addOpenAlert(shift, models.AlertMissedCheckin, at(120))

	if _, err := svc.RecordCheckin(context.Background(), shift.ID, at(185)); err != nil {
		t.Fatalf("RecordCheckin: %v", err)
	}

	if len(events.cleared) != 2 {
		t.Fatalf("cleared events = %d, want 2", len(events.cleared))
	}
	for _, alert := range store.alerts {
		if alert.ResolvedAt == nil {
			t.Errorf("alert for window %v left unresolved", alert.WindowStart)
		}
		if alert.Resolution == nil || *alert.Resolution != models.ResolutionAuto {
			t.Errorf("alert for window %v not resolved as auto", alert.WindowStart)
		}
	}
}

func TestResolveAlertForgiveMissedCheckinLastSlot(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(120), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress, LastHeartbeatAt: tp(60), MissedCount: 1,
	})
	store.addAttendance(shift.ID, base)
	alert := store.addOpenAlert(shift, models.AlertMissedCheckin, at(120))

	resp, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-1", OutcomeForgive, "")
	if err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	if resp.Resolution == nil || *resp.Resolution != string(models.ResolutionForgiven) {
		t.Errorf("resolution = %v, want forgiven", resp.Resolution)
	}
	if shift.MissedCount != 0 {
		t.Errorf("missed count = %d, want 0", shift.MissedCount)
	}
	if shift.Status != models.ShiftCompleted {
		t.Errorf("shift status = %s, want completed", shift.Status)
	}
}

func TestResolveAlertForgiveMissedCountFloor(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress, MissedCount: 0,
	})
	store.addAttendance(shift.ID, base)
	alert := store.addOpenAlert(shift, models.AlertMissedCheckin, at(60))

	if _, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-1", OutcomeForgive, ""); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	if shift.MissedCount != 0 {
		t.Errorf("missed count = %d, want floor 0", shift.MissedCount)
	}
}

func TestResolveAlertForgiveMissedAttendance(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftScheduled,
	})
	alert := store.addOpenAlert(shift, models.AlertMissedAttendance, base)

	if _, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-1", OutcomeForgive, "spoke to employee"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	att, ok := store.attendances[shift.ID]
	if !ok {
		t.Fatalf("attendance not synthesized")
	}
	if att.Status != models.AttendanceLate {
		t.Errorf("attendance status = %s, want late", att.Status)
	}
	if shift.Status != models.ShiftInProgress {
		t.Errorf("shift status = %s, want in_progress", shift.Status)
	}
}

func TestResolveAlertStandardMissedAttendance(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftScheduled,
	})
	alert := store.addOpenAlert(shift, models.AlertMissedAttendance, base)

	if _, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-1", OutcomeResolve, ""); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	att, ok := store.attendances[shift.ID]
	if !ok {
		t.Fatalf("attendance not synthesized")
	}
	if att.Status != models.AttendanceAbsent {
		t.Errorf("attendance status = %s, want absent", att.Status)
	}
	if shift.Status != models.ShiftMissed {
		t.Errorf("shift status = %s, want missed", shift.Status)
	}
}

func TestResolveAlertStandardMissedCheckinNoSideEffects(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress, MissedCount: 2,
	})
	store.addAttendance(shift.ID, base)
	alert := store.addOpenAlert(shift, models.AlertMissedCheckin, at(60))

	if _, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-1", OutcomeResolve, ""); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	if shift.MissedCount != 2 {
		t.Errorf("missed count = %d, want unchanged 2", shift.MissedCount)
	}
	if shift.Status != models.ShiftInProgress {
		t.Errorf("shift status = %s, want unchanged in_progress", shift.Status)
	}
}

func TestResolveAlertAlreadyResolved(t *testing.T) {
	svc, store, _ := newService(t)

	shift := store.addShift(&models.Shift{
		StartsAt: base, EndsAt: at(480), IntervalMins: 60, GraceMins: 5,
		Status: models.ShiftInProgress,
	})
	store.addAttendance(shift.ID, base)
	alert := store.addOpenAlert(shift, models.AlertMissedCheckin, at(60))

	if _, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-1", OutcomeResolve, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	_, err := svc.ResolveAlert(context.Background(), alert.ID, "admin-2", OutcomeForgive, "")
	if !errors.Is(err, response.ErrAlreadyResolved) {
		t.Errorf("err = %v, want ErrAlreadyResolved", err)
	}
}
