package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// historyPerChannel bounds the replay log kept per channel. A consumer
	// disconnected long enough to miss more than this falls back to the
	// durable pending-tab list.
	historyPerChannel = 256
)

// Hub is the in-process fan-out backend. A nil *Hub is a valid "not
// configured" state: Enabled reports false and the delivery path degrades to
// queue-only.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // channel -> subID -> ch
	history     map[string][]Event
	seq         uint64
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for the default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Event),
		history:     make(map[string][]Event),
		logger:      logger.With("component", "realtime"),
	}
}

// Enabled reports whether a realtime backend is configured. All call sites
// must branch on this rather than assuming the hub exists.
func (h *Hub) Enabled() bool { return h != nil }

// Emit publishes a user event on the channel, assigns it the next cursor,
// records it in the replay log, and fans it out to live subscribers.
// Non-blocking: slow subscribers have events dropped (they recover via the
// durable queue or cursor replay). Returns the assigned cursor.
func (h *Hub) Emit(channel, event string, payload any) (string, error) {
	if !h.Enabled() {
		return "", ErrNotConfigured
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding event payload: %w", err)
	}

	h.mu.Lock()
	h.seq++
	ev := Event{
		// Zero-padded so lexicographic order equals numeric order.
		ID:      fmt.Sprintf("%020d", h.seq),
		Channel: channel,
		Event:   event,
		Data:    data,
	}
	log := append(h.history[channel], ev)
	if len(log) > historyPerChannel {
		log = log[len(log)-historyPerChannel:]
	}
	h.history[channel] = log

	// Sends happen under the lock so an unsubscribe cannot close a channel
	// mid-fan-out. They are non-blocking, so the lock is held briefly.
	for _, ch := range h.subscribers[channel] {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"channel", channel, "event_id", ev.ID)
		}
	}
	h.mu.Unlock()
	return ev.ID, nil
}

// Subscribe registers a listener on one channel. Events already in the replay
// log with cursor greater than sinceCursor are delivered first, in order,
// before any live event. The subscription is torn down when ctx is cancelled
// or the returned cancel func is called. An empty sinceCursor skips replay.
func (h *Hub) Subscribe(ctx context.Context, channel, sinceCursor string) (<-chan Event, func()) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	var replay []Event
	if sinceCursor != "" {
		for _, ev := range h.history[channel] {
			if ev.ID > sinceCursor {
				replay = append(replay, ev)
			}
		}
	}
	for _, ev := range replay {
		// Buffer is at least the history bound's working set; if the
		// replay overflows it, the rest is recoverable by polling.
		select {
		case ch <- ev:
		default:
		}
	}
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = make(map[string]chan Event)
	}
	h.subscribers[channel][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	cancel := func() { h.unsubscribe(channel, subID) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

// Cursor returns the most recent cursor assigned on the channel, or "" if
// nothing has been emitted yet. Sent to new subscribers in the connected
// system event so they can acknowledge from a known position.
func (h *Hub) Cursor(channel string) string {
	if !h.Enabled() {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	log := h.history[channel]
	if len(log) == 0 {
		return ""
	}
	return log[len(log)-1].ID
}

func (h *Hub) unsubscribe(channel, subID string) {
	h.mu.Lock()
	subs, ok := h.subscribers[channel]
	if ok {
		if ch, exists := subs[subID]; exists {
			delete(subs, subID)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.subscribers, channel)
		}
	}
	h.mu.Unlock()
}
