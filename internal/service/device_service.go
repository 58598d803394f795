package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/AugusDogus/opentab/internal/domain"
	"github.com/AugusDogus/opentab/internal/store"

	"github.com/google/uuid"
)

// DeviceService is the idempotent device bookkeeping layer.
type DeviceService struct {
	store *store.Store
}

func NewDeviceService(st *store.Store) *DeviceService {
	return &DeviceService{store: st}
}

type RegisterDeviceInput struct {
	DeviceType       domain.DeviceType
	DeviceName       string
	PushToken        string
	DeviceIdentifier string
	PublicKey        string
}

// Register upserts the device for (userID, DeviceIdentifier). Re-registering
// updates mutable fields in place; empty DeviceName/PushToken leave the
// stored value untouched so a client that only refreshes its key does not
// wipe its token.
func (s *DeviceService) Register(ctx context.Context, userID domain.UserID, in RegisterDeviceInput) (*domain.Device, error) {
	if userID == "" || in.DeviceIdentifier == "" {
		return nil, fmt.Errorf("%w: missing identity or device identifier", domain.ErrInvalidRequest)
	}
	if !in.DeviceType.Valid() {
		return nil, fmt.Errorf("%w: unknown device type %q", domain.ErrInvalidRequest, in.DeviceType)
	}

	device := &domain.Device{
		UserID:           userID,
		DeviceType:       in.DeviceType,
		DeviceName:       in.DeviceName,
		PushToken:        in.PushToken,
		PublicKey:        in.PublicKey,
		DeviceIdentifier: in.DeviceIdentifier,
	}

	existing, err := s.store.Devices().GetByIdentifier(ctx, userID, in.DeviceIdentifier)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil {
		if in.DeviceName == "" {
			device.DeviceName = existing.DeviceName
		}
		if in.PushToken == "" {
			device.PushToken = existing.PushToken
		}
		if in.PublicKey == "" {
			device.PublicKey = existing.PublicKey
		}
	}

	if err := s.store.Devices().Upsert(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// List returns all of the identity's devices, newest first.
func (s *DeviceService) List(ctx context.Context, userID domain.UserID) ([]domain.Device, error) {
	return s.store.Devices().ListByUser(ctx, userID)
}

// Remove deletes one of the identity's devices along with its pending tabs.
func (s *DeviceService) Remove(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) error {
	if err := s.store.Devices().Delete(ctx, userID, deviceID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.ErrDeviceNotFound
		}
		return err
	}
	return nil
}

// TargetDevices returns the identity's devices excluding the source device,
// keeping only those eligible for encrypted send (a published public key).
func (s *DeviceService) TargetDevices(ctx context.Context, userID domain.UserID, sourceDeviceIdentifier string) ([]domain.Device, error) {
	source, err := s.store.Devices().GetByIdentifier(ctx, userID, sourceDeviceIdentifier)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, domain.ErrDeviceNotFound
		}
		return nil, err
	}

	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	targets := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if d.ID == source.ID || d.PublicKey == "" {
			continue
		}
		targets = append(targets, d)
	}
	return targets, nil
}

// ResolveDeviceID maps a client-generated device identifier to the
// server-assigned device id.
func (s *DeviceService) ResolveDeviceID(ctx context.Context, userID domain.UserID, deviceIdentifier string) (domain.DeviceID, error) {
	device, err := s.store.Devices().GetByIdentifier(ctx, userID, deviceIdentifier)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return uuid.Nil, domain.ErrDeviceNotFound
		}
		return uuid.Nil, err
	}
	return device.ID, nil
}
