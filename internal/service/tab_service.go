package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AugusDogus/opentab/internal/domain"
	"github.com/AugusDogus/opentab/internal/observability/metrics"
	"github.com/AugusDogus/opentab/internal/push"
	"github.com/AugusDogus/opentab/internal/realtime"
	"github.com/AugusDogus/opentab/internal/store"

	"github.com/google/uuid"
)

// TabService is the delivery router: it classifies target devices by
// delivery channel and dispatches one sealed payload per target.
type TabService struct {
	store  *store.Store
	pusher push.Sender
	hub    *realtime.Hub // nil when no realtime backend is configured
	logger *slog.Logger
	now    func() time.Time
}

func NewTabService(st *store.Store, pusher push.Sender, hub *realtime.Hub, logger *slog.Logger) *TabService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TabService{
		store:  st,
		pusher: pusher,
		hub:    hub,
		logger: logger.With("component", "tabs"),
		now:    time.Now,
	}
}

type SendInput struct {
	SourceDeviceIdentifier string
	SenderPublicKey        string
	Payloads               []TargetPayload
}

type TargetPayload struct {
	TargetDeviceID domain.DeviceID
	EncryptedData  string
}

type SendResult struct {
	SentToMobile     int
	SentToExtensions int
}

// SendEncrypted routes one sealed payload to each target device. Mobile
// targets with a push token get a push notification; extension targets get a
// durable pending tab plus a best-effort realtime nudge. Targets that can
// receive neither are skipped. The call succeeds once durable writes are
// done; push and realtime failures are logged, never surfaced.
func (s *TabService) SendEncrypted(ctx context.Context, userID domain.UserID, in SendInput) (SendResult, error) {
	if in.SourceDeviceIdentifier == "" || in.SenderPublicKey == "" {
		return SendResult{}, fmt.Errorf("%w: missing source device or sender key", domain.ErrInvalidRequest)
	}

	source, err := s.store.Devices().GetByIdentifier(ctx, userID, in.SourceDeviceIdentifier)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return SendResult{}, domain.ErrDeviceNotFound
		}
		return SendResult{}, err
	}

	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return SendResult{}, err
	}
	byID := make(map[domain.DeviceID]domain.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	// Every target must belong to the caller's identity. One bad id
	// rejects the whole call before anything is dispatched.
	for _, p := range in.Payloads {
		if _, ok := byID[p.TargetDeviceID]; !ok {
			return SendResult{}, fmt.Errorf("%w: target device %s", domain.ErrNotOwned, p.TargetDeviceID)
		}
	}

	var (
		pushMessages []push.Message
		result       SendResult
	)
	for _, p := range in.Payloads {
		target := byID[p.TargetDeviceID]
		switch {
		case target.PushCapable():
			result.SentToMobile++
			pushMessages = append(pushMessages, push.Message{
				To:    target.PushToken,
				Title: "opentab",
				Body:  "New tab shared",
				Data: map[string]any{
					"encryptedData":   p.EncryptedData,
					"senderPublicKey": in.SenderPublicKey,
				},
				Sound:    "default",
				Priority: "high",
			})
		case target.DeviceType == domain.DeviceTypeExtension:
			result.SentToExtensions++
			tab := &domain.PendingTab{
				UserID:          userID,
				TargetDeviceID:  target.ID,
				SourceDeviceID:  source.ID,
				EncryptedData:   p.EncryptedData,
				SenderPublicKey: in.SenderPublicKey,
				CreatedAt:       s.now().UTC(),
			}
			if err := s.store.PendingTabs().Create(ctx, tab); err != nil {
				return SendResult{}, fmt.Errorf("queueing tab for %s: %w", target.ID, err)
			}
			s.emitTabEvent(target.ID, tab)
		default:
			// Mobile without a push token cannot receive anything.
			s.logger.Debug("skipping unreachable target", "device_id", target.ID)
		}
	}

	s.dispatchPush(ctx, pushMessages)

	metrics.TabsSentTotal.WithLabelValues("push").Add(float64(result.SentToMobile))
	metrics.TabsSentTotal.WithLabelValues("queue").Add(float64(result.SentToExtensions))
	return result, nil
}

// dispatchPush sends the batch through the push provider. Provider failures
// only get logged: a push miss for one device must not block delivery to the
// others, and the caller's send already succeeded.
func (s *TabService) dispatchPush(ctx context.Context, messages []push.Message) {
	if len(messages) == 0 || s.pusher == nil {
		return
	}
	if _, err := s.pusher.Send(ctx, messages); err != nil {
		metrics.PushDispatchTotal.WithLabelValues("error").Inc()
		s.logger.Warn("push dispatch failed", "error", err, "messages", len(messages))
		return
	}
	metrics.PushDispatchTotal.WithLabelValues("ok").Inc()
}

// emitTabEvent nudges any live subscriber of the target device's channel.
// Best effort: the tab is already durably queued, so a missing backend or a
// failed emit costs nothing but latency.
func (s *TabService) emitTabEvent(deviceID domain.DeviceID, tab *domain.PendingTab) {
	if !s.hub.Enabled() {
		return
	}
	_, err := s.hub.Emit(realtime.ChannelForDevice(deviceID.String()), realtime.EventTabNew, realtime.TabEvent{
		ID:              tab.ID.String(),
		EncryptedData:   tab.EncryptedData,
		SenderPublicKey: tab.SenderPublicKey,
	})
	if err != nil {
		metrics.RealtimeEmitTotal.WithLabelValues("error").Inc()
		s.logger.Warn("realtime emit failed", "device_id", deviceID, "error", err)
		return
	}
	metrics.RealtimeEmitTotal.WithLabelValues("ok").Inc()
}

// Pending lists the undelivered tabs for the device with the given
// identifier, oldest first. An unregistered identifier yields an empty list
// rather than an error so a fresh extension can poll before registering.
func (s *TabService) Pending(ctx context.Context, userID domain.UserID, deviceIdentifier string) ([]domain.PendingTab, error) {
	device, err := s.store.Devices().GetByIdentifier(ctx, userID, deviceIdentifier)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.store.PendingTabs().ListUndelivered(ctx, device.ID)
}

// MarkDelivered acknowledges a tab on behalf of the identity. Idempotent: a
// second acknowledgement is a no-op.
func (s *TabService) MarkDelivered(ctx context.Context, userID domain.UserID, tabID domain.TabID) error {
	if tabID == uuid.Nil {
		return fmt.Errorf("%w: missing tab id", domain.ErrInvalidRequest)
	}
	if err := s.store.PendingTabs().MarkDelivered(ctx, userID, tabID, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.ErrTabNotFound
		}
		return err
	}
	metrics.TabsDeliveredTotal.WithLabelValues().Inc()
	return nil
}

// PruneDelivered removes delivered tabs older than the retention window.
func (s *TabService) PruneDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.PendingTabs().PruneDelivered(ctx, s.now().UTC().Add(-retention))
}
