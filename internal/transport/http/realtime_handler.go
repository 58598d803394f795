package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/AugusDogus/opentab/internal/auth"
	"github.com/AugusDogus/opentab/internal/realtime"

	"github.com/coder/websocket"
)

// handleRealtime upgrades to a WebSocket and streams fan-out events for the
// requested device channels. Query shape:
//
//	/v1/realtime?channel=device-<id>&last_ack_device-<id>=<cursor>
//
// System events (connected/ping/error/disconnected) and user events share the
// wire; consumers tell them apart by shape.
func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if !h.hub.Enabled() {
		http.Error(w, "realtime not configured", http.StatusServiceUnavailable)
		return
	}

	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	owned, err := h.ownedChannels(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, ch := range channels {
		if !owned[ch] {
			http.Error(w, "channel not owned by caller", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: the client never sends application data, but
	// reading is what surfaces a dropped connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	events := make(chan realtime.Event, 64)
	for _, ch := range channels {
		sinceCursor := r.URL.Query().Get("last_ack_" + ch)
		sub, _ := h.hub.Subscribe(ctx, ch, sinceCursor)
		go func() {
			for ev := range sub {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()

		connected := realtime.SystemEvent{
			Type:    realtime.SystemConnected,
			Channel: ch,
			Cursor:  h.hub.Cursor(ch),
		}
		if err := writeWS(ctx, conn, connected); err != nil {
			return
		}
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			writeWS(context.Background(), conn,
				realtime.SystemEvent{Type: realtime.SystemDisconnected, Channels: channels})
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		case ev := <-events:
			if err := writeWS(ctx, conn, ev); err != nil {
				return
			}
		case <-ping.C:
			pingEv := realtime.SystemEvent{
				Type:      realtime.SystemPing,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := writeWS(ctx, conn, pingEv); err != nil {
				return
			}
		}
	}
}

// ownedChannels maps every channel name the identity may subscribe to.
func (h *Handler) ownedChannels(ctx context.Context, userID string) (map[string]bool, error) {
	devices, err := h.devices.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(devices))
	for _, d := range devices {
		owned[realtime.ChannelForDevice(d.ID.String())] = true
	}
	return owned, nil
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
