package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("subscriber channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestEmitReachesSubscriber(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := hub.Subscribe(ctx, "device-abc", "")
	defer unsub()

	cursor, err := hub.Emit("device-abc", EventTabNew, TabEvent{ID: "tab-1", EncryptedData: "blob", SenderPublicKey: "pk"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if cursor == "" {
		t.Fatalf("expected a cursor")
	}

	ev := recvEvent(t, ch)
	if ev.Channel != "device-abc" || ev.Event != EventTabNew || ev.ID != cursor {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var payload TabEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != "tab-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEmitWithNoSubscribersIsNotAnError(t *testing.T) {
	hub := NewHub(nil)
	if _, err := hub.Emit("device-nobody", EventTabNew, TabEvent{ID: "t"}); err != nil {
		t.Fatalf("emit with zero consumers: %v", err)
	}
}

func TestNilHubIsNotConfigured(t *testing.T) {
	var hub *Hub
	if hub.Enabled() {
		t.Fatalf("nil hub reported enabled")
	}
	if _, err := hub.Emit("device-x", EventTabNew, TabEvent{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if hub.Cursor("device-x") != "" {
		t.Fatalf("nil hub returned a cursor")
	}
}

func TestCursorsAreMonotonic(t *testing.T) {
	hub := NewHub(nil)
	var prev string
	for i := 0; i < 5; i++ {
		cur, err := hub.Emit("device-abc", EventTabNew, TabEvent{ID: "t"})
		if err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		if cur <= prev {
			t.Fatalf("cursor %q not greater than %q", cur, prev)
		}
		prev = cur
	}
	if hub.Cursor("device-abc") != prev {
		t.Fatalf("Cursor() = %q, want %q", hub.Cursor("device-abc"), prev)
	}
}

func TestReplayFromCursor(t *testing.T) {
	hub := NewHub(nil)

	c1, _ := hub.Emit("device-abc", EventTabNew, TabEvent{ID: "t1"})
	hub.Emit("device-abc", EventTabNew, TabEvent{ID: "t2"})
	hub.Emit("device-abc", EventTabNew, TabEvent{ID: "t3"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribing with the first cursor replays only what came after it.
	ch, unsub := hub.Subscribe(ctx, "device-abc", c1)
	defer unsub()

	var payload TabEvent
	ev := recvEvent(t, ch)
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ID != "t2" {
		t.Fatalf("expected t2 first, got %+v (%v)", payload, err)
	}
	ev = recvEvent(t, ch)
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ID != "t3" {
		t.Fatalf("expected t3 second, got %+v (%v)", payload, err)
	}

	// And the subscription stays live for new events.
	hub.Emit("device-abc", EventTabNew, TabEvent{ID: "t4"})
	ev = recvEvent(t, ch)
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ID != "t4" {
		t.Fatalf("expected t4 live, got %+v (%v)", payload, err)
	}
}

func TestEmptyCursorSkipsReplay(t *testing.T) {
	hub := NewHub(nil)
	hub.Emit("device-abc", EventTabNew, TabEvent{ID: "old"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsub := hub.Subscribe(ctx, "device-abc", "")
	defer unsub()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	ch, unsub := hub.Subscribe(ctx, "device-abc", "")
	unsub()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after unsubscribe")
	}

	// Emitting after teardown must not panic or error.
	if _, err := hub.Emit("device-abc", EventTabNew, TabEvent{ID: "t"}); err != nil {
		t.Fatalf("emit after unsubscribe: %v", err)
	}
}

func TestContextCancelTearsDownSubscription(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := hub.Subscribe(ctx, "device-abc", "")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after context cancel")
	}
}
