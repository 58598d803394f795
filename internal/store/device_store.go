package store

import (
	"context"
	"errors"
	"time"

	"github.com/AugusDogus/opentab/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// Upsert inserts the device, or updates mutable fields in place when a row
// with the same (user_id, device_identifier) already exists. The conflict
// target is the unique index, so racing registrations collapse into one row
// instead of relying on an application-level existence check.
func (d *DeviceStore) Upsert(ctx context.Context, device *domain.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	if err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "device_identifier"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"device_type", "device_name", "push_token", "public_key", "updated_at",
			}),
		}).
		Create(device).Error; err != nil {
		return err
	}

	// On the update path Create leaves the generated ID from the discarded
	// insert attempt in the struct. Reload into a fresh value: First on the
	// same struct would append that stale primary key to the WHERE clause
	// and match nothing.
	var current domain.Device
	if err := d.db.WithContext(ctx).
		First(&current, "user_id = ? AND device_identifier = ?", device.UserID, device.DeviceIdentifier).
		Error; err != nil {
		return err
	}
	*device = current
	return nil
}

func (d *DeviceStore) Get(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

// GetByIdentifier resolves a device by its client-generated identifier within
// one identity.
func (d *DeviceStore) GetByIdentifier(ctx context.Context, userID domain.UserID, deviceIdentifier string) (*domain.Device, error) {
	var device domain.Device
	err := d.db.WithContext(ctx).
		First(&device, "user_id = ? AND device_identifier = ?", userID, deviceIdentifier).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

// ListByUser returns every device for the identity, newest first.
func (d *DeviceStore) ListByUser(ctx context.Context, userID domain.UserID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Delete removes a device owned by userID. Pending tabs referencing it as
// source or target are removed in the same transaction. Returns
// ErrRecordNotFound if no such device belongs to the identity.
func (d *DeviceStore) Delete(ctx context.Context, userID domain.UserID, id domain.DeviceID) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&domain.Device{}, "id = ? AND user_id = ?", id, userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		return tx.
			Delete(&domain.PendingTab{}, "target_device_id = ? OR source_device_id = ?", id, id).
			Error
	})
}
