package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shiftwatch/api"
	"shiftwatch/internal/models"
	"shiftwatch/pkg/sl"

	"github.com/redis/go-redis/v9"
)

const (
	channelActiveShifts   = "shiftwatch:active_shifts"
	channelUpcomingShifts = "shiftwatch:upcoming_shifts"
	channelShiftChanges   = "shiftwatch:shift_changes"
)

func siteAlertChannel(siteID string) string {
	return fmt.Sprintf("shiftwatch:site:%s:alerts", siteID)
}

// Broadcaster publishes the engine's derived state over redis pub/sub.
// Every publish is best-effort: failures are logged and never surfaced to
// the caller. Attention warnings are additionally cached with a short TTL
// so a late-joining subscriber can still observe an in-flight warning.
type Broadcaster struct {
	client       *redis.Client
	log          *slog.Logger
	attentionTTL time.Duration
}

func New(client *redis.Client, log *slog.Logger, attentionTTL time.Duration) (*Broadcaster, error) {
	const op = "broadcast.New"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Broadcaster{client: client, log: log, attentionTTL: attentionTTL}, nil
}

func (b *Broadcaster) publish(ctx context.Context, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("Failed to marshal broadcast payload", slog.String("channel", channel), sl.Err(err))
		return
	}

	if err := b.client.Publish(ctx, channel, body).Err(); err != nil {
		b.log.Error("Failed to publish", slog.String("channel", channel), sl.Err(err))
	}
}

func (b *Broadcaster) PublishActiveShifts(ctx context.Context, msg api.ActiveShiftsMessage) {
	b.publish(ctx, channelActiveShifts, msg)
}

func (b *Broadcaster) PublishUpcomingShifts(ctx context.Context, msg api.UpcomingShiftsMessage) {
	b.publish(ctx, channelUpcomingShifts, msg)
}

func (b *Broadcaster) AlertCreated(ctx context.Context, siteID, shiftID string, reason models.AlertReason, slotIndex int, deadline time.Time) {
	now := time.Now().UTC()
	b.publish(ctx, siteAlertChannel(siteID), api.AlertEventMessage{
		Version:   now.UnixMilli(),
		Timestamp: now,
		Kind:      api.AlertEventCreated,
		SiteID:    siteID,
		ShiftID:   shiftID,
		Reason:    string(reason),
		SlotIndex: slotIndex,
		Deadline:  deadline,
	})
}

func (b *Broadcaster) AlertCleared(ctx context.Context, alert *models.Alert) {
	now := time.Now().UTC()
	b.publish(ctx, siteAlertChannel(alert.SiteID), api.AlertEventMessage{
		Version:   now.UnixMilli(),
		Timestamp: now,
		Kind:      api.AlertEventCleared,
		SiteID:    alert.SiteID,
		ShiftID:   alert.ShiftID,
		Reason:    string(alert.Reason),
		AlertID:   alert.ID,
	})
}

func attentionKey(shiftID string, slotIndex int) string {
	return fmt.Sprintf("shiftwatch:attention:%s:%d", shiftID, slotIndex)
}

// Attention publishes an ephemeral warning for an imminent deadline and
// caches it under a short TTL; it is never persisted as an alert row.
func (b *Broadcaster) Attention(ctx context.Context, siteID, shiftID string, reason models.AlertReason, slotIndex int, deadline time.Time) {
	now := time.Now().UTC()
	msg := api.AlertEventMessage{
		Version:   now.UnixMilli(),
		Timestamp: now,
		Kind:      api.AlertEventAttention,
		SiteID:    siteID,
		ShiftID:   shiftID,
		Reason:    string(reason),
		SlotIndex: slotIndex,
		Deadline:  deadline,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("Failed to marshal attention payload", sl.Err(err))
		return
	}

	if err := b.client.Set(ctx, attentionKey(shiftID, slotIndex), body, b.attentionTTL).Err(); err != nil {
		b.log.Error("Failed to cache attention warning", sl.Err(err))
	}

	b.publish(ctx, siteAlertChannel(siteID), msg)
}

func (b *Broadcaster) ClearAttention(ctx context.Context, siteID, shiftID string, slotIndex int) {
	if err := b.client.Del(ctx, attentionKey(shiftID, slotIndex)).Err(); err != nil {
		b.log.Error("Failed to drop attention warning", sl.Err(err))
	}

	now := time.Now().UTC()
	b.publish(ctx, siteAlertChannel(siteID), api.AlertEventMessage{
		Version:   now.UnixMilli(),
		Timestamp: now,
		Kind:      api.AlertEventCleared,
		SiteID:    siteID,
		ShiftID:   shiftID,
		SlotIndex: slotIndex,
	})
}

// SubscribeShiftChanges invokes fn for every external shift create/update/
// delete notification until the context is cancelled. Used only to force an
// early full cache resync; the payload itself is irrelevant.
func (b *Broadcaster) SubscribeShiftChanges(ctx context.Context, fn func()) {
	sub := b.client.Subscribe(ctx, channelShiftChanges)

	go func() {
		defer func() {
			_ = sub.Close()
		}()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()
}
