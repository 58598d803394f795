package tabclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(v any) {
	data, _ := json.Marshal(v)
	f.msgs <- data
}

type fakeDialer struct {
	mu       sync.Mutex
	urls     []string
	conns    []*fakeConn
	failures int
}

func (d *fakeDialer) dial(_ context.Context, rawURL string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(d *fakeDialer, maxAttempts int) *RealtimeClient {
	return NewRealtimeClient(RealtimeOptions{
		URL:                  "ws://example.test/v1/realtime",
		Token:                "token",
		MaxReconnectAttempts: maxAttempts,
		BackoffStep:          5 * time.Millisecond,
		BackoffCap:           20 * time.Millisecond,
		PingTimeout:          time.Minute,
		DebounceDelay:        5 * time.Millisecond,
		Dialer:               d.dial,
	})
}

func TestSubscribeConnectsAndDelivers(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	var mu sync.Mutex
	var got []UserEvent
	client.Subscribe(SubscriptionOptions{
		Channels: []string{"device-abc"},
		OnData: func(ev UserEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		},
	})

	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })

	conn := dialer.conn(0)
	conn.push(UserEvent{ID: "00000000000000000007", Channel: "device-abc", Event: "tab.new", Data: json.RawMessage(`{"id":"t1"}`)})

	waitFor(t, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	ev := got[0]
	mu.Unlock()
	if ev.Event != "tab.new" || ev.Channel != "device-abc" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ack := client.LastAck("device-abc"); ack != "00000000000000000007" {
		t.Fatalf("last ack = %q", ack)
	}
}

func TestDialURLCarriesChannels(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	client.Subscribe(SubscriptionOptions{Channels: []string{"device-a", "device-b"}})
	waitFor(t, "dial", func() bool { return dialer.dialCount() == 1 })

	u, err := url.Parse(dialer.lastURL())
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	channels := u.Query()["channel"]
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels in dial url, got %v", channels)
	}
}

func TestDebounceCoalescesSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	client.Subscribe(SubscriptionOptions{Channels: []string{"device-a"}})
	client.Subscribe(SubscriptionOptions{Channels: []string{"device-b"}})

	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })
	// Give any second dial a chance to happen, then confirm it did not.
	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("expected one coalesced dial, got %d", n)
	}
	if !strings.Contains(dialer.lastURL(), "device-a") || !strings.Contains(dialer.lastURL(), "device-b") {
		t.Fatalf("dial url missing channels: %s", dialer.lastURL())
	}
}

func TestReconnectReplaysFromLastAck(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	client.Subscribe(SubscriptionOptions{Channels: []string{"device-abc"}})
	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })

	conn := dialer.conn(0)
	conn.push(UserEvent{ID: "00000000000000000042", Channel: "device-abc", Event: "tab.new"})
	waitFor(t, "ack recorded", func() bool { return client.LastAck("device-abc") == "00000000000000000042" })

	conn.Close()
	waitFor(t, "redial", func() bool { return dialer.dialCount() == 2 })
	waitFor(t, "reconnected", func() bool { return client.Status() == StatusConnected })

	u, err := url.Parse(dialer.lastURL())
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	if ack := u.Query().Get("last_ack_device-abc"); ack != "00000000000000000042" {
		t.Fatalf("redial cursor = %q", ack)
	}
}

func TestSeededCursorUsedOnFirstDial(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	client.SetLastAck("device-abc", "00000000000000000010")
	client.Subscribe(SubscriptionOptions{Channels: []string{"device-abc"}})
	waitFor(t, "dial", func() bool { return dialer.dialCount() == 1 })

	u, err := url.Parse(dialer.lastURL())
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	if ack := u.Query().Get("last_ack_device-abc"); ack != "00000000000000000010" {
		t.Fatalf("seeded cursor not on dial url: %q", ack)
	}

	// Seeding never moves a cursor backwards.
	client.SetLastAck("device-abc", "00000000000000000003")
	if got := client.LastAck("device-abc"); got != "00000000000000000010" {
		t.Fatalf("cursor regressed to %q", got)
	}
}

func TestMaxAttemptsReachesErrorAndManualReconnectRecovers(t *testing.T) {
	dialer := &fakeDialer{failures: 100}
	client := newTestClient(dialer, 3)
	defer client.Close()

	var mu sync.Mutex
	var statuses []Status
	client.onStatusChange = func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}

	client.Subscribe(SubscriptionOptions{Channels: []string{"device-abc"}})
	waitFor(t, "error status", func() bool { return client.Status() == StatusError })

	if n := dialer.dialCount(); n != 3 {
		t.Fatalf("expected 3 dial attempts before giving up, got %d", n)
	}
	// Terminal: no further dials without manual intervention.
	time.Sleep(30 * time.Millisecond)
	if n := dialer.dialCount(); n != 3 {
		t.Fatalf("dialed %d times after entering error state", n)
	}

	dialer.mu.Lock()
	dialer.failures = 0
	dialer.mu.Unlock()

	client.Reconnect()
	waitFor(t, "recovery", func() bool { return client.Status() == StatusConnected })

	mu.Lock()
	defer mu.Unlock()
	var sawConnecting bool
	for _, s := range statuses {
		if s == StatusConnecting {
			sawConnecting = true
		}
	}
	if !sawConnecting {
		t.Fatalf("never observed connecting status: %v", statuses)
	}
}

func TestUnsubscribeLastTearsDown(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	unsub := client.Subscribe(SubscriptionOptions{Channels: []string{"device-abc"}})
	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })

	unsub()
	waitFor(t, "disconnected", func() bool { return client.Status() == StatusDisconnected })

	conn := dialer.conn(0)
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("transport not closed after last unsubscribe")
	}
}

func TestEventFilterByName(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	var mu sync.Mutex
	var got []string
	client.Subscribe(SubscriptionOptions{
		Channels: []string{"device-abc"},
		Events:   []string{"tab.new"},
		OnData: func(ev UserEvent) {
			mu.Lock()
			got = append(got, ev.Event)
			mu.Unlock()
		},
	})
	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })

	conn := dialer.conn(0)
	conn.push(UserEvent{ID: "00000000000000000001", Channel: "device-abc", Event: "other"})
	conn.push(UserEvent{ID: "00000000000000000002", Channel: "device-abc", Event: "tab.new"})

	waitFor(t, "filtered delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "tab.new"
	})
	// The filtered-out event still advances the cursor.
	if ack := client.LastAck("device-abc"); ack != "00000000000000000002" {
		t.Fatalf("last ack = %q", ack)
	}
}

func TestSystemMessagesAreNotDispatched(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, 3)
	defer client.Close()

	delivered := make(chan UserEvent, 4)
	client.Subscribe(SubscriptionOptions{
		Channels: []string{"device-abc"},
		OnData:   func(ev UserEvent) { delivered <- ev },
	})
	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })

	conn := dialer.conn(0)
	conn.push(systemMessage{Type: "connected", Channel: "device-abc", Cursor: "00000000000000000009"})
	conn.push(systemMessage{Type: "ping", Timestamp: time.Now().UnixMilli()})

	select {
	case ev := <-delivered:
		t.Fatalf("system message reached subscriber: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	// The connected frame seeds the cursor when none is known yet.
	waitFor(t, "cursor seeded", func() bool { return client.LastAck("device-abc") == "00000000000000000009" })
}

func TestPingTimeoutForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	client := NewRealtimeClient(RealtimeOptions{
		URL:                  "ws://example.test/v1/realtime",
		MaxReconnectAttempts: 3,
		BackoffStep:          5 * time.Millisecond,
		PingTimeout:          30 * time.Millisecond,
		DebounceDelay:        5 * time.Millisecond,
		Dialer:               dialer.dial,
	})
	defer client.Close()

	client.Subscribe(SubscriptionOptions{Channels: []string{"device-abc"}})
	waitFor(t, "connected", func() bool { return client.Status() == StatusConnected })

	// Silence past the ping deadline triggers a fresh dial.
	waitFor(t, "watchdog redial", func() bool { return dialer.dialCount() >= 2 })
}

func TestBackoffDelayIsLinearWithCap(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 3 * time.Second,
	} {
		delay := time.Duration(attempt) * defaultBackoffStep
		if delay > defaultBackoffCap {
			delay = defaultBackoffCap
		}
		if delay != want {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, delay, want)
		}
	}
	capped := time.Duration(15) * defaultBackoffStep
	if capped < defaultBackoffCap {
		t.Fatalf("test premise broken: %v", capped)
	}
}

func TestRealtimeURLDerivation(t *testing.T) {
	for _, tc := range []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/realtime"},
		{"https://tabs.example.com", "wss://tabs.example.com/v1/realtime"},
	} {
		c := NewClient(tc.base, "", nil)
		got, err := c.RealtimeURL()
		if err != nil {
			t.Fatalf("%s: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.base, got, tc.want)
		}
	}
}
