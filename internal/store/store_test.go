package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AugusDogus/opentab/internal/domain"
	"github.com/AugusDogus/opentab/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

func newDevice(userID domain.UserID, identifier string, devType domain.DeviceType) *domain.Device {
	return &domain.Device{
		UserID:           userID,
		DeviceIdentifier: identifier,
		DeviceType:       devType,
		DeviceName:       "test device",
		PublicKey:        "aa11",
	}
}

func TestUpsertCreatesThenUpdatesInPlace(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	userID := "user-1"

	dev := newDevice(userID, "phone-1", domain.DeviceTypeMobile)
	if err := st.Devices().Upsert(ctx, dev); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	firstID := dev.ID
	if firstID == uuid.Nil {
		t.Fatal("no id assigned")
	}

	again := newDevice(userID, "phone-1", domain.DeviceTypeMobile)
	again.DeviceName = "renamed"
	again.PushToken = "ExponentPushToken[abc]"
	if err := st.Devices().Upsert(ctx, again); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.ID != firstID {
		t.Fatalf("upsert created a new row: %s != %s", again.ID, firstID)
	}

	devices, err := st.Devices().ListByUser(ctx, userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].DeviceName != "renamed" || devices[0].PushToken != "ExponentPushToken[abc]" {
		t.Fatalf("update not applied: %+v", devices[0])
	}

	// The struct handed to Upsert reflects the surviving row, not the
	// discarded insert attempt.
	reloaded, err := st.Devices().Get(ctx, again.ID)
	if err != nil {
		t.Fatalf("get surviving row: %v", err)
	}
	if reloaded.DeviceName != "renamed" || !reloaded.CreatedAt.Equal(devices[0].CreatedAt) {
		t.Fatalf("reload returned stale data: %+v", reloaded)
	}
}

func TestSameIdentifierDifferentUsersAreDistinct(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	a := newDevice("user-a", "laptop", domain.DeviceTypeExtension)
	b := newDevice("user-b", "laptop", domain.DeviceTypeExtension)
	if err := st.Devices().Upsert(ctx, a); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := st.Devices().Upsert(ctx, b); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("devices collapsed across users")
	}

	got, err := st.Devices().GetByIdentifier(ctx, "user-b", "laptop")
	if err != nil {
		t.Fatalf("get by identifier: %v", err)
	}
	if got.ID != b.ID {
		t.Fatalf("wrong device resolved: %s", got.ID)
	}
}

func TestGetByIdentifierNotFound(t *testing.T) {
	st := setupStore(t)

	_, err := st.Devices().GetByIdentifier(context.Background(), "user-1", "ghost")
	if !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func queueTab(t *testing.T, st *store.Store, userID domain.UserID, target, source domain.DeviceID, createdAt time.Time) domain.TabID {
	t.Helper()
	tab := &domain.PendingTab{
		UserID:          userID,
		TargetDeviceID:  target,
		SourceDeviceID:  source,
		EncryptedData:   "blob",
		SenderPublicKey: "aa11",
		CreatedAt:       createdAt,
	}
	if err := st.PendingTabs().Create(context.Background(), tab); err != nil {
		t.Fatalf("create tab: %v", err)
	}
	return tab.ID
}

func TestUndeliveredOrderAndMarkDelivered(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	userID := "user-1"
	target := uuid.New()
	source := uuid.New()

	base := time.Now().UTC().Truncate(time.Second)
	t1 := queueTab(t, st, userID, target, source, base)
	t2 := queueTab(t, st, userID, target, source, base.Add(time.Second))
	t3 := queueTab(t, st, userID, target, source, base.Add(2*time.Second))

	tabs, err := st.PendingTabs().ListUndelivered(ctx, target)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tabs) != 3 {
		t.Fatalf("expected 3 tabs, got %d", len(tabs))
	}
	if tabs[0].ID != t1 || tabs[1].ID != t2 || tabs[2].ID != t3 {
		t.Fatalf("wrong order: %s %s %s", tabs[0].ID, tabs[1].ID, tabs[2].ID)
	}

	if err := st.PendingTabs().MarkDelivered(ctx, userID, t2, time.Now().UTC()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	tabs, err = st.PendingTabs().ListUndelivered(ctx, target)
	if err != nil {
		t.Fatalf("list after ack: %v", err)
	}
	if len(tabs) != 2 || tabs[0].ID != t1 || tabs[1].ID != t3 {
		t.Fatalf("expected t1,t3 remaining, got %d tabs", len(tabs))
	}
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	userID := "user-1"
	tabID := queueTab(t, st, userID, uuid.New(), uuid.New(), time.Now().UTC())

	first := time.Now().UTC().Truncate(time.Second)
	if err := st.PendingTabs().MarkDelivered(ctx, userID, tabID, first); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := st.PendingTabs().MarkDelivered(ctx, userID, tabID, first.Add(time.Hour)); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}

	tab, err := st.PendingTabs().Get(ctx, userID, tabID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tab.DeliveredAt == nil || !tab.DeliveredAt.Equal(first) {
		t.Fatalf("delivered_at overwritten: %v", tab.DeliveredAt)
	}
}

func TestMarkDeliveredScopedToOwner(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	tabID := queueTab(t, st, "user-a", uuid.New(), uuid.New(), time.Now().UTC())

	err := st.PendingTabs().MarkDelivered(ctx, "user-b", tabID, time.Now().UTC())
	if !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("cross-user ack should be not-found, got %v", err)
	}
}

func TestDeleteDeviceCascadesToPendingTabs(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	userID := "user-1"

	dev := newDevice(userID, "laptop", domain.DeviceTypeExtension)
	if err := st.Devices().Upsert(ctx, dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	other := uuid.New()
	asTarget := queueTab(t, st, userID, dev.ID, other, time.Now().UTC())
	asSource := queueTab(t, st, userID, other, dev.ID, time.Now().UTC())
	unrelated := queueTab(t, st, userID, other, uuid.New(), time.Now().UTC())

	if err := st.Devices().Delete(ctx, userID, dev.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, id := range []domain.TabID{asTarget, asSource} {
		if _, err := st.PendingTabs().Get(ctx, userID, id); !errors.Is(err, store.ErrRecordNotFound) {
			t.Fatalf("tab %s not cascaded, err %v", id, err)
		}
	}
	if _, err := st.PendingTabs().Get(ctx, userID, unrelated); err != nil {
		t.Fatalf("unrelated tab removed: %v", err)
	}
}

func TestDeleteDeviceOwnerMismatch(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	dev := newDevice("user-a", "laptop", domain.DeviceTypeExtension)
	if err := st.Devices().Upsert(ctx, dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := st.Devices().Delete(ctx, "user-b", dev.ID)
	if !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := st.Devices().Get(ctx, dev.ID); err != nil {
		t.Fatalf("device vanished: %v", err)
	}
}

func TestPruneDeliveredKeepsUndelivered(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	userID := "user-1"
	target := uuid.New()

	old := queueTab(t, st, userID, target, uuid.New(), time.Now().UTC().Add(-48*time.Hour))
	fresh := queueTab(t, st, userID, target, uuid.New(), time.Now().UTC())
	stale := queueTab(t, st, userID, target, uuid.New(), time.Now().UTC().Add(-48*time.Hour))

	// old gets delivered long ago, fresh gets delivered now, stale never.
	if err := st.PendingTabs().MarkDelivered(ctx, userID, old, time.Now().UTC().Add(-40*time.Hour)); err != nil {
		t.Fatalf("ack old: %v", err)
	}
	if err := st.PendingTabs().MarkDelivered(ctx, userID, fresh, time.Now().UTC()); err != nil {
		t.Fatalf("ack fresh: %v", err)
	}

	pruned, err := st.PendingTabs().PruneDelivered(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if _, err := st.PendingTabs().Get(ctx, userID, old); !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("old tab survived prune: %v", err)
	}
	if _, err := st.PendingTabs().Get(ctx, userID, fresh); err != nil {
		t.Fatalf("fresh tab pruned: %v", err)
	}
	if _, err := st.PendingTabs().Get(ctx, userID, stale); err != nil {
		t.Fatalf("undelivered tab pruned: %v", err)
	}
}
