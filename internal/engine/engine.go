package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"shiftwatch/api"
	"shiftwatch/internal/models"
	"shiftwatch/internal/window"
	"shiftwatch/pkg/sl"
)

type Store interface {
	ListActiveShifts(ctx context.Context, now time.Time, lookahead time.Duration) ([]*models.Shift, error)
	GetShiftDeltas(ctx context.Context, ids []string) ([]models.ShiftDelta, error)
	ListUpcomingShifts(ctx context.Context, now time.Time, horizon time.Duration) ([]*models.Shift, error)
	CreateAlertIfAbsent(ctx context.Context, shiftID, siteID string, reason models.AlertReason, windowStart time.Time, incrementMissedCount bool) (bool, error)
}

type Broadcaster interface {
	PublishActiveShifts(ctx context.Context, msg api.ActiveShiftsMessage)
	PublishUpcomingShifts(ctx context.Context, msg api.UpcomingShiftsMessage)
	AlertCreated(ctx context.Context, siteID, shiftID string, reason models.AlertReason, slotIndex int, deadline time.Time)
	Attention(ctx context.Context, siteID, shiftID string, reason models.AlertReason, slotIndex int, deadline time.Time)
	ClearAttention(ctx context.Context, siteID, shiftID string, slotIndex int)
}

type Config struct {
	TickInterval     time.Duration
	ResyncInterval   time.Duration
	StartLookahead   time.Duration
	AttentionWindow  time.Duration
	UpcomingInterval time.Duration
	UpcomingHorizon  time.Duration
}

const (
	// attention slot markers; real slots are indexed from 1, the attendance
	// deadline is warned as slot -1.
	attentionNone  = -2
	attendanceSlot = -1
)

// entry pairs a cached shift with its transient evaluation state. The
// transient state is disposable: the alert unique constraint is the durable
// backstop across restarts.
type entry struct {
	shift     *models.Shift
	attention int
	processed map[string]struct{}
}

// Engine re-evaluates every cached active shift on a fixed cadence, persists
// alerts when a deadline is missed, and broadcasts derived dashboard state.
// All mutable state is owned by the single Run goroutine; the only shared
// resource is the store.
type Engine struct {
	store Store
	bc    Broadcaster
	log   *slog.Logger
	cfg   Config
	now   func() time.Time

	cache        map[string]*entry
	lastFullSync time.Time
	lastUpcoming time.Time
	resync       atomic.Bool
}

func New(store Store, bc Broadcaster, log *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store: store,
		bc:    bc,
		log:   log,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		cache: make(map[string]*entry),
	}
}

// NotifyChange marks the cache dirty after an external shift mutation; the
// next tick performs a full resync instead of waiting out the timer.
func (e *Engine) NotifyChange() {
	e.resync.Store(true)
}

// Run executes ticks until the context is cancelled. Ticks never overlap:
// the next one starts only after the previous ran to completion.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info("Engine started", slog.String("tick_interval", e.cfg.TickInterval.String()))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass. Errors are logged, never returned: the next
// tick re-derives state from the store.
func (e *Engine) Tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("Tick panicked", slog.Any("panic", p))
		}
	}()

	now := e.now()

	fullSync, err := e.syncCache(ctx, now)
	if err != nil {
		e.log.Error("Cache sync failed", sl.Err(err))
	}

	for _, en := range e.cache {
		if err := e.evaluateShift(ctx, now, en); err != nil {
			e.log.Error("Shift evaluation failed",
				slog.String("shift_id", en.shift.ID),
				sl.Err(err),
			)
		}
	}

	if fullSync {
		e.publishActive(ctx, now)
	}

	if now.Sub(e.lastUpcoming) >= e.cfg.UpcomingInterval {
		e.publishUpcoming(ctx, now)
	}
}

// syncCache applies the dual-speed strategy: a wholesale reload when a full
// resync is due, a narrow delta patch of the mutable columns otherwise.
func (e *Engine) syncCache(ctx context.Context, now time.Time) (bool, error) {
	const op = "engine.syncCache"

	full := e.resync.Swap(false) ||
		len(e.cache) == 0 ||
		now.Sub(e.lastFullSync) >= e.cfg.ResyncInterval

	if full {
		shifts, err := e.store.ListActiveShifts(ctx, now, e.cfg.StartLookahead)
		if err != nil {
			// retry the full sync on the next tick
			e.resync.Store(true)
			return false, fmt.Errorf("%s: %w", op, err)
		}

		fresh := make(map[string]*entry, len(shifts))
		for _, shift := range shifts {
			en, ok := e.cache[shift.ID]
			if !ok {
				en = &entry{attention: attentionNone, processed: make(map[string]struct{})}
			}
			en.shift = shift
			fresh[shift.ID] = en
		}

		e.cache = fresh
		e.lastFullSync = now

		return true, nil
	}

	ids := make([]string, 0, len(e.cache))
	for id := range e.cache {
		ids = append(ids, id)
	}

	deltas, err := e.store.GetShiftDeltas(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	for _, d := range deltas {
		en, ok := e.cache[d.ShiftID]
		if !ok {
			continue
		}

		en.shift.LastHeartbeatAt = d.LastHeartbeatAt
		en.shift.MissedCount = d.MissedCount
		en.shift.Status = d.Status
		en.shift.Attendance = d.Attendance
	}

	return false, nil
}

func (e *Engine) evaluateShift(ctx context.Context, now time.Time, en *entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("evaluation panicked: %v", p)
		}
	}()

	shift := en.shift

	// Terminal or ended shifts are left alone; the next full resync drops
	// them from the cache.
	if shift.Status.Terminal() || !now.Before(shift.EndsAt) {
		return nil
	}

	if shift.Attendance != nil && en.attention == attendanceSlot {
		e.bc.ClearAttention(ctx, shift.SiteID, shift.ID, attendanceSlot)
		en.attention = attentionNone
	}

	if shift.Attendance == nil {
		return e.evaluateAttendance(ctx, now, en)
	}

	return e.evaluateCheckin(ctx, now, en)
}

func (e *Engine) evaluateAttendance(ctx context.Context, now time.Time, en *entry) error {
	shift := en.shift
	deadline := shift.StartsAt.Add(time.Duration(shift.GraceMins) * time.Minute)

	if now.Before(deadline) {
		if deadline.Sub(now) <= e.cfg.AttentionWindow && en.attention != attendanceSlot {
			e.bc.Attention(ctx, shift.SiteID, shift.ID, models.AlertMissedAttendance, attendanceSlot, deadline)
			en.attention = attendanceSlot
		}

		return nil
	}

	key := procKey(models.AlertMissedAttendance, shift.StartsAt)
	if _, done := en.processed[key]; done {
		return nil
	}

	created, err := e.store.CreateAlertIfAbsent(ctx, shift.ID, shift.SiteID, models.AlertMissedAttendance, shift.StartsAt, false)
	if err != nil {
		return err
	}

	en.processed[key] = struct{}{}

	if created {
		e.bc.AlertCreated(ctx, shift.SiteID, shift.ID, models.AlertMissedAttendance, attendanceSlot, deadline)
	}

	return nil
}

func (e *Engine) evaluateCheckin(ctx context.Context, now time.Time, en *entry) error {
	shift := en.shift
	res := window.Evaluate(shift.StartsAt, shift.EndsAt, shift.IntervalMins, shift.GraceMins, now, shift.LastHeartbeatAt)

	// the heartbeat has advanced past a warned slot
	if en.attention >= 0 && res.SlotIndex > en.attention {
		e.bc.ClearAttention(ctx, shift.SiteID, shift.ID, en.attention)
		en.attention = attentionNone
	}

	switch res.Status {
	case window.StatusLate:
		key := procKey(models.AlertMissedCheckin, res.SlotStart)
		if _, done := en.processed[key]; done {
			return nil
		}

		created, err := e.store.CreateAlertIfAbsent(ctx, shift.ID, shift.SiteID, models.AlertMissedCheckin, res.SlotStart, true)
		if err != nil {
			return err
		}

		en.processed[key] = struct{}{}

		if created {
			e.bc.AlertCreated(ctx, shift.SiteID, shift.ID, models.AlertMissedCheckin, res.SlotIndex, res.SlotEnd)
		}

	case window.StatusOpen:
		if res.Remaining <= e.cfg.AttentionWindow && en.attention != res.SlotIndex {
			e.bc.Attention(ctx, shift.SiteID, shift.ID, models.AlertMissedCheckin, res.SlotIndex, res.SlotEnd)
			en.attention = res.SlotIndex
		}
	}

	return nil
}

func (e *Engine) publishActive(ctx context.Context, now time.Time) {
	sites := make(map[string][]api.ShiftView)

	for _, en := range e.cache {
		shift := en.shift
		view := shiftView(shift)

		if shift.Attendance != nil && !shift.Status.Terminal() && now.Before(shift.EndsAt) {
			res := window.Evaluate(shift.StartsAt, shift.EndsAt, shift.IntervalMins, shift.GraceMins, now, shift.LastHeartbeatAt)
			view.WindowStatus = string(res.Status)
			view.RemainingMs = res.Remaining.Milliseconds()
		}

		sites[shift.SiteID] = append(sites[shift.SiteID], view)
	}

	e.bc.PublishActiveShifts(ctx, api.ActiveShiftsMessage{
		Version:   now.UnixMilli(),
		Timestamp: now,
		Sites:     sites,
	})
}

func (e *Engine) publishUpcoming(ctx context.Context, now time.Time) {
	shifts, err := e.store.ListUpcomingShifts(ctx, now, e.cfg.UpcomingHorizon)
	if err != nil {
		e.log.Error("Upcoming shifts query failed", sl.Err(err))
		return
	}

	views := make([]api.ShiftView, 0, len(shifts))
	for _, shift := range shifts {
		views = append(views, shiftView(shift))
	}

	e.bc.PublishUpcomingShifts(ctx, api.UpcomingShiftsMessage{
		Version:   now.UnixMilli(),
		Timestamp: now,
		Shifts:    views,
	})

	e.lastUpcoming = now
}

func procKey(reason models.AlertReason, windowStart time.Time) string {
	return fmt.Sprintf("%s:%d", reason, windowStart.Unix())
}

func shiftView(shift *models.Shift) api.ShiftView {
	return api.ShiftView{
		ID:              shift.ID,
		SiteID:          shift.SiteID,
		EmployeeID:      shift.EmployeeID,
		StartsAt:        shift.StartsAt,
		EndsAt:          shift.EndsAt,
		Status:          string(shift.Status),
		LastHeartbeatAt: shift.LastHeartbeatAt,
		MissedCount:     shift.MissedCount,
	}
}
