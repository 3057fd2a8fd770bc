package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shiftwatch/internal/models"
	"shiftwatch/pkg/response"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Storage struct {
	db *sql.DB
}

func New(storagePath string) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("postgres", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *Storage) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// #### shifts ####

const shiftColumns = `id, site_id, employee_id, starts_at, ends_at,
	required_checkin_interval_mins, grace_minutes, last_heartbeat_at, missed_count, status`

func scanShift(row *sql.Row) (*models.Shift, error) {
	var shift models.Shift

	err := row.Scan(&shift.ID, &shift.SiteID, &shift.EmployeeID, &shift.StartsAt, &shift.EndsAt,
		&shift.IntervalMins, &shift.GraceMins, &shift.LastHeartbeatAt, &shift.MissedCount, &shift.Status)
	if err != nil {
		return nil, err
	}

	return &shift, nil
}

func (s *Storage) GetShift(ctx context.Context, id string) (*models.Shift, error) {
	const op = "storage.postgres.GetShift"

	row := s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id=$1`, id)

	shift, err := scanShift(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s: %w", op, response.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return shift, nil
}

// GetShiftForUpdateTx locks the shift row for the duration of the transaction.
func (s *Storage) GetShiftForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*models.Shift, error) {
	const op = "storage.postgres.GetShiftForUpdateTx"

	row := tx.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id=$1 FOR UPDATE`, id)

	shift, err := scanShift(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s: %w", op, response.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return shift, nil
}

func (s *Storage) UpdateShiftStatusTx(ctx context.Context, tx *sql.Tx, shiftID string, status models.ShiftStatus) error {
	const op = "storage.postgres.UpdateShiftStatusTx"

	_, err := tx.ExecContext(ctx, `UPDATE shifts SET status=$1 WHERE id=$2`, status, shiftID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) UpdateShiftHeartbeatTx(ctx context.Context, tx *sql.Tx, shiftID string, at time.Time, status models.ShiftStatus) error {
	const op = "storage.postgres.UpdateShiftHeartbeatTx"

	_, err := tx.ExecContext(ctx,
		`UPDATE shifts SET last_heartbeat_at=$1, status=$2 WHERE id=$3`,
		at, status, shiftID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// AdjustMissedCountTx adds delta to missed_count with a floor of zero.
func (s *Storage) AdjustMissedCountTx(ctx context.Context, tx *sql.Tx, shiftID string, delta int) error {
	const op = "storage.postgres.AdjustMissedCountTx"

	_, err := tx.ExecContext(ctx,
		`UPDATE shifts SET missed_count = GREATEST(missed_count + $1, 0) WHERE id=$2`,
		delta, shiftID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ListActiveShifts returns scheduled/in_progress shifts starting within the
// lookahead and not yet ended, attendance attached where present.
func (s *Storage) ListActiveShifts(ctx context.Context, now time.Time, lookahead time.Duration) ([]*models.Shift, error) {
	const op = "storage.postgres.ListActiveShifts"

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.site_id, s.employee_id, s.starts_at, s.ends_at,
		       s.required_checkin_interval_mins, s.grace_minutes, s.last_heartbeat_at, s.missed_count, s.status,
		       a.id, a.status, a.recorded_at
		FROM shifts s
		LEFT JOIN attendances a ON a.shift_id = s.id
		WHERE s.status IN ('scheduled', 'in_progress')
		  AND s.starts_at <= $1
		  AND s.ends_at > $2
		ORDER BY s.starts_at`,
		now.Add(lookahead), now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	defer rows.Close()

	var shifts []*models.Shift

	for rows.Next() {
		var shift models.Shift
		var attID, attStatus sql.NullString
		var attAt sql.NullTime

		err := rows.Scan(&shift.ID, &shift.SiteID, &shift.EmployeeID, &shift.StartsAt, &shift.EndsAt,
			&shift.IntervalMins, &shift.GraceMins, &shift.LastHeartbeatAt, &shift.MissedCount, &shift.Status,
			&attID, &attStatus, &attAt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if attID.Valid {
			shift.Attendance = &models.Attendance{
				ID:         attID.String,
				ShiftID:    shift.ID,
				Status:     models.AttendanceStatus(attStatus.String),
				RecordedAt: attAt.Time,
			}
		}

		shifts = append(shifts, &shift)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return shifts, nil
}

// GetShiftDeltas fetches only the mutable columns for the given shift ids.
func (s *Storage) GetShiftDeltas(ctx context.Context, ids []string) ([]models.ShiftDelta, error) {
	const op = "storage.postgres.GetShiftDeltas"

	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.last_heartbeat_at, s.missed_count, s.status,
		       a.id, a.status, a.recorded_at
		FROM shifts s
		LEFT JOIN attendances a ON a.shift_id = s.id
		WHERE s.id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	defer rows.Close()

	var deltas []models.ShiftDelta

	for rows.Next() {
		var d models.ShiftDelta
		var attID, attStatus sql.NullString
		var attAt sql.NullTime

		err := rows.Scan(&d.ShiftID, &d.LastHeartbeatAt, &d.MissedCount, &d.Status, &attID, &attStatus, &attAt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if attID.Valid {
			d.Attendance = &models.Attendance{
				ID:         attID.String,
				ShiftID:    d.ShiftID,
				Status:     models.AttendanceStatus(attStatus.String),
				RecordedAt: attAt.Time,
			}
		}

		deltas = append(deltas, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return deltas, nil
}

// ListUpcomingShifts returns non-terminal shifts starting within the horizon.
func (s *Storage) ListUpcomingShifts(ctx context.Context, now time.Time, horizon time.Duration) ([]*models.Shift, error) {
	const op = "storage.postgres.ListUpcomingShifts"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE status IN ('scheduled', 'in_progress')
		  AND starts_at > $1
		  AND starts_at <= $2
		ORDER BY starts_at`,
		now, now.Add(horizon))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	defer rows.Close()

	var shifts []*models.Shift

	for rows.Next() {
		var shift models.Shift

		err := rows.Scan(&shift.ID, &shift.SiteID, &shift.EmployeeID, &shift.StartsAt, &shift.EndsAt,
			&shift.IntervalMins, &shift.GraceMins, &shift.LastHeartbeatAt, &shift.MissedCount, &shift.Status)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		shifts = append(shifts, &shift)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return shifts, nil
}

// #### attendances ####

func (s *Storage) GetAttendanceTx(ctx context.Context, tx *sql.Tx, shiftID string) (*models.Attendance, error) {
	const op = "storage.postgres.GetAttendanceTx"

	var att models.Attendance

	err := tx.QueryRowContext(ctx,
		`SELECT id, shift_id, status, recorded_at FROM attendances WHERE shift_id=$1`, shiftID).
		Scan(&att.ID, &att.ShiftID, &att.Status, &att.RecordedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s: %w", op, response.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &att, nil
}

func (s *Storage) CreateAttendanceTx(ctx context.Context, tx *sql.Tx, att *models.Attendance) error {
	const op = "storage.postgres.CreateAttendanceTx"

	if att.ID == "" {
		att.ID = uuid.NewString()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO attendances (id, shift_id, status, recorded_at) VALUES ($1, $2, $3, $4)`,
		att.ID, att.ShiftID, att.Status, att.RecordedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// #### checkins ####

func (s *Storage) CreateCheckinTx(ctx context.Context, tx *sql.Tx, checkin *models.Checkin) error {
	const op = "storage.postgres.CreateCheckinTx"

	if checkin.ID == "" {
		checkin.ID = uuid.NewString()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO checkins (id, shift_id, status, slot_index, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		checkin.ID, checkin.ShiftID, checkin.Status, checkin.SlotIndex, checkin.RecordedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// #### alerts ####

// CreateAlertIfAbsent inserts an alert for (shiftID, reason, windowStart) and
// reports whether the row was created. A concurrent or repeated call loses
// the insert on the unique constraint and is a silent no-op; only the
// winning insert increments the shift's missed count.
func (s *Storage) CreateAlertIfAbsent(ctx context.Context, shiftID, siteID string, reason models.AlertReason, windowStart time.Time, incrementMissedCount bool) (bool, error) {
	const op = "storage.postgres.CreateAlertIfAbsent"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: begin tx: %w", op, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (id, shift_id, site_id, reason, window_start, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (shift_id, reason, window_start) DO NOTHING`,
		uuid.NewString(), shiftID, siteID, reason, windowStart, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if n == 0 {
		return false, nil
	}

	if incrementMissedCount {
		if err := s.AdjustMissedCountTx(ctx, tx, shiftID, 1); err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s: commit: %w", op, err)
	}

	return true, nil
}

func scanAlert(scan func(dest ...any) error) (*models.Alert, error) {
	var alert models.Alert
	var resolution, resolvedBy, note sql.NullString
	var resolvedAt sql.NullTime

	err := scan(&alert.ID, &alert.ShiftID, &alert.SiteID, &alert.Reason, &alert.WindowStart,
		&alert.CreatedAt, &resolvedAt, &resolution, &resolvedBy, &note)
	if err != nil {
		return nil, err
	}

	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if resolution.Valid {
		r := models.AlertResolution(resolution.String)
		alert.Resolution = &r
	}
	if resolvedBy.Valid {
		alert.ResolvedBy = &resolvedBy.String
	}
	if note.Valid {
		alert.Note = &note.String
	}

	return &alert, nil
}

const alertColumns = `id, shift_id, site_id, reason, window_start, created_at, resolved_at, resolution, resolved_by, note`

func (s *Storage) GetAlertForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*models.Alert, error) {
	const op = "storage.postgres.GetAlertForUpdateTx"

	row := tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1 FOR UPDATE`, id)

	alert, err := scanAlert(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s: %w", op, response.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return alert, nil
}

func (s *Storage) ResolveAlertTx(ctx context.Context, tx *sql.Tx, id string, resolution models.AlertResolution, actorID, note *string) error {
	const op = "storage.postgres.ResolveAlertTx"

	_, err := tx.ExecContext(ctx, `
		UPDATE alerts SET resolved_at=$1, resolution=$2, resolved_by=$3, note=$4
		WHERE id=$5 AND resolved_at IS NULL`,
		time.Now().UTC(), resolution, actorID, note, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// AutoResolveAlertsTx resolves every open alert of the reason for the shift
// with resolution 'auto' and returns the resolved rows.
func (s *Storage) AutoResolveAlertsTx(ctx context.Context, tx *sql.Tx, shiftID string, reason models.AlertReason) ([]*models.Alert, error) {
	const op = "storage.postgres.AutoResolveAlertsTx"

	rows, err := tx.QueryContext(ctx, `
		UPDATE alerts SET resolved_at=$1, resolution=$2
		WHERE shift_id=$3 AND reason=$4 AND resolved_at IS NULL
		RETURNING `+alertColumns,
		time.Now().UTC(), models.ResolutionAuto, shiftID, reason)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	defer rows.Close()

	var alerts []*models.Alert

	for rows.Next() {
		alert, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return alerts, nil
}

func (s *Storage) ListOpenAlerts(ctx context.Context, siteID string) ([]*models.Alert, error) {
	const op = "storage.postgres.ListOpenAlerts"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE site_id=$1 AND resolved_at IS NULL
		ORDER BY window_start DESC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	defer rows.Close()

	var alerts []*models.Alert

	for rows.Next() {
		alert, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return alerts, nil
}
