package store

import (
	"context"
	"errors"
	"time"

	"github.com/AugusDogus/opentab/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PendingTabStore struct{ db *gorm.DB }

func (s *Store) PendingTabs() *PendingTabStore { return &PendingTabStore{db: s.DB} }

func (p *PendingTabStore) Create(ctx context.Context, tab *domain.PendingTab) error {
	if tab.ID == uuid.Nil {
		tab.ID = uuid.New()
	}
	if tab.CreatedAt.IsZero() {
		tab.CreatedAt = time.Now().UTC()
	}
	return p.db.WithContext(ctx).Create(tab).Error
}

// ListUndelivered returns the not-yet-delivered tabs for one target device,
// oldest first, so a device replays tabs in the order they were sent.
func (p *PendingTabStore) ListUndelivered(ctx context.Context, targetDeviceID domain.DeviceID) ([]domain.PendingTab, error) {
	var tabs []domain.PendingTab
	err := p.db.WithContext(ctx).
		Where("target_device_id = ? AND delivered = ?", targetDeviceID, false).
		Order("created_at asc").
		Find(&tabs).Error
	if err != nil {
		return nil, err
	}
	return tabs, nil
}

func (p *PendingTabStore) Get(ctx context.Context, userID domain.UserID, id domain.TabID) (*domain.PendingTab, error) {
	var tab domain.PendingTab
	err := p.db.WithContext(ctx).
		First(&tab, "id = ? AND user_id = ?", id, userID).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &tab, nil
}

// MarkDelivered sets delivered=true for a tab owned by userID. Calling it on
// an already-delivered tab is a no-op, not an error; only a tab that does not
// exist (or belongs to someone else) returns ErrRecordNotFound. DeliveredAt
// keeps the timestamp of the first acknowledgement.
func (p *PendingTabStore) MarkDelivered(ctx context.Context, userID domain.UserID, id domain.TabID, at time.Time) error {
	res := p.db.WithContext(ctx).
		Model(&domain.PendingTab{}).
		Where("id = ? AND user_id = ? AND delivered = ?", id, userID, false).
		Updates(map[string]any{"delivered": true, "delivered_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either missing or already delivered; distinguish the two.
		var count int64
		if err := p.db.WithContext(ctx).
			Model(&domain.PendingTab{}).
			Where("id = ? AND user_id = ?", id, userID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrRecordNotFound
		}
	}
	return nil
}

// PruneDelivered removes delivered tabs older than the cutoff. Undelivered
// tabs are never pruned here; at-least-once delivery outranks queue depth.
func (p *PendingTabStore) PruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	res := p.db.WithContext(ctx).
		Delete(&domain.PendingTab{}, "delivered = ? AND delivered_at < ?", true, before)
	return res.RowsAffected, res.Error
}
