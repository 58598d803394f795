package tabclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/google/uuid"
)

// Status is the connection state of the realtime client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusError is reached only after the retry budget is exhausted.
	// Reconnect resets the budget and tries again.
	StatusError Status = "error"
)

const (
	defaultMaxReconnectAttempts = 3
	defaultBackoffStep          = time.Second
	defaultBackoffCap           = 10 * time.Second
	defaultPingTimeout          = 75 * time.Second
	defaultDebounceDelay        = 25 * time.Millisecond
)

// systemMessage is the connection-lifecycle shape sent by the server.
// Distinguished from user events by the presence of "type".
type systemMessage struct {
	Type      string   `json:"type"`
	Channel   string   `json:"channel,omitempty"`
	Cursor    string   `json:"cursor,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// UserEvent is an application event delivered on a subscribed channel.
type UserEvent struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Conn is the minimal transport the state machine drives. The production
// implementation wraps a WebSocket; tests substitute fakes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a transport connection to the given URL.
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

type wsConn struct{ conn *websocket.Conn }

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func dialWebSocket(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// RealtimeOptions configures a RealtimeClient.
type RealtimeOptions struct {
	// URL is the realtime endpoint, e.g. wss://host/v1/realtime.
	URL   string
	Token string

	MaxReconnectAttempts int
	BackoffStep          time.Duration
	BackoffCap           time.Duration
	PingTimeout          time.Duration
	DebounceDelay        time.Duration

	// OnStatusChange observes every status transition.
	OnStatusChange func(Status)

	// Dialer overrides the transport; nil uses WebSocket.
	Dialer Dialer
	Logger *slog.Logger
}

// SubscriptionOptions describes one subscription's channel interest.
type SubscriptionOptions struct {
	Channels []string
	// Events filters by event name; empty receives all.
	Events []string
	OnData func(UserEvent)
}

type subscription struct {
	channels map[string]bool
	events   []string
	onData   func(UserEvent)
}

// RealtimeClient keeps one shared transport connection alive for any number
// of channel subscriptions, replaying each channel from its last acknowledged
// cursor after a reconnect. Delivery is at-least-once: after a gap the same
// event id can arrive twice, so consumers have to treat repeats as no-ops.
type RealtimeClient struct {
	url            string
	token          string
	maxAttempts    int
	backoffStep    time.Duration
	backoffCap     time.Duration
	pingTimeout    time.Duration
	debounceDelay  time.Duration
	onStatusChange func(Status)
	dial           Dialer
	logger         *slog.Logger

	mu            sync.Mutex
	status        Status
	subscriptions map[string]*subscription
	lastAck       map[string]string
	attempts      int
	conn          Conn
	connCancel    context.CancelFunc
	// gen invalidates callbacks from connections that have already been
	// replaced; a stale reader or timer firing late must not disturb the
	// current connection.
	gen            int
	debounceTimer  *time.Timer
	reconnectTimer *time.Timer
	pingTimer      *time.Timer
	closed         bool
}

// NewRealtimeClient builds a client; no connection is made until the first
// subscription arrives.
func NewRealtimeClient(opts RealtimeOptions) *RealtimeClient {
	c := &RealtimeClient{
		url:            opts.URL,
		token:          opts.Token,
		maxAttempts:    opts.MaxReconnectAttempts,
		backoffStep:    opts.BackoffStep,
		backoffCap:     opts.BackoffCap,
		pingTimeout:    opts.PingTimeout,
		debounceDelay:  opts.DebounceDelay,
		onStatusChange: opts.OnStatusChange,
		dial:           opts.Dialer,
		logger:         opts.Logger,
		status:         StatusDisconnected,
		subscriptions:  make(map[string]*subscription),
		lastAck:        make(map[string]string),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxReconnectAttempts
	}
	if c.backoffStep <= 0 {
		c.backoffStep = defaultBackoffStep
	}
	if c.backoffCap <= 0 {
		c.backoffCap = defaultBackoffCap
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = defaultPingTimeout
	}
	if c.debounceDelay <= 0 {
		c.debounceDelay = defaultDebounceDelay
	}
	if c.dial == nil {
		c.dial = dialWebSocket
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "realtime-client")
	return c
}

// Subscribe registers channel interest and (re)establishes the shared
// connection. Bursts of subscriptions are debounced into a single connect.
// The returned func removes only this subscription; the connection stays up
// while others remain.
func (c *RealtimeClient) Subscribe(opts SubscriptionOptions) func() {
	id := uuid.New().String()

	c.mu.Lock()
	sub := &subscription{
		channels: make(map[string]bool, len(opts.Channels)),
		events:   opts.Events,
		onData:   opts.OnData,
	}
	for _, ch := range opts.Channels {
		sub.channels[ch] = true
	}
	c.subscriptions[id] = sub
	c.debouncedConnectLocked()
	c.mu.Unlock()

	return func() { c.unsubscribe(id) }
}

func (c *RealtimeClient) unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscriptions[id]; !ok {
		return
	}
	delete(c.subscriptions, id)

	// Drop cursors for channels no remaining subscription cares about.
	remaining := make(map[string]bool)
	for _, sub := range c.subscriptions {
		for ch := range sub.channels {
			remaining[ch] = true
		}
	}
	for ch := range c.lastAck {
		if !remaining[ch] {
			delete(c.lastAck, ch)
		}
	}

	if len(c.subscriptions) == 0 {
		c.teardownLocked()
		return
	}
	// Remaining subscribers recompute the channel union.
	c.debouncedConnectLocked()
}

// Status returns the current connection status.
func (c *RealtimeClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastAck returns the last acknowledged cursor for a channel, or "".
func (c *RealtimeClient) LastAck(channel string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck[channel]
}

// SetLastAck seeds a channel's replay cursor, typically one persisted by a
// previous run. The next connection replays from it; cursors already
// advanced past it are kept.
func (c *RealtimeClient) SetLastAck(channel, cursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAck[channel] < cursor {
		c.lastAck[channel] = cursor
	}
}

// Reconnect resets the retry budget and forces a fresh connection attempt.
// This is the only way out of StatusError.
func (c *RealtimeClient) Reconnect() {
	c.mu.Lock()
	c.attempts = 0
	c.connectLocked()
	c.mu.Unlock()
}

// Close drops every subscription and tears the connection down.
func (c *RealtimeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscriptions = make(map[string]*subscription)
	c.teardownLocked()
}

func (c *RealtimeClient) setStatusLocked(status Status) {
	if c.status == status {
		return
	}
	c.status = status
	if c.onStatusChange != nil {
		cb := c.onStatusChange
		// Status callbacks run outside the lock.
		go cb(status)
	}
}

func (c *RealtimeClient) channelUnionLocked() []string {
	set := make(map[string]bool)
	for _, sub := range c.subscriptions {
		for ch := range sub.channels {
			set[ch] = true
		}
	}
	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	return channels
}

func (c *RealtimeClient) debouncedConnectLocked() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.debounceDelay, func() {
		c.mu.Lock()
		c.debounceTimer = nil
		c.connectLocked()
		c.mu.Unlock()
	})
}

// teardownLocked cancels all timers and closes the transport. Terminal for
// the current subscription set; a later Subscribe starts from scratch.
func (c *RealtimeClient) teardownLocked() {
	c.stopTimersLocked()
	c.closeConnLocked()
	c.attempts = 0
	c.setStatusLocked(StatusDisconnected)
}

func (c *RealtimeClient) stopTimersLocked() {
	for _, t := range []*time.Timer{c.debounceTimer, c.reconnectTimer, c.pingTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.debounceTimer, c.reconnectTimer, c.pingTimer = nil, nil, nil
}

func (c *RealtimeClient) closeConnLocked() {
	c.gen++
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// connectLocked drives the disconnected/connecting transitions. Dialing
// happens off the lock; the result is applied only if the connection
// generation is still current.
func (c *RealtimeClient) connectLocked() {
	if c.closed {
		return
	}
	channels := c.channelUnionLocked()
	if len(channels) == 0 {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.logger.Warn("max reconnect attempts reached")
		c.setStatusLocked(StatusError)
		return
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	c.closeConnLocked()
	gen := c.gen
	c.setStatusLocked(StatusConnecting)

	target := c.buildURLLocked(channels)
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	go func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := c.dial(dialCtx, target, header)
		cancel()

		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.logger.Warn("dial failed", "error", err)
			c.handleDisconnectLocked()
			c.mu.Unlock()
			return
		}
		readCtx, readCancel := context.WithCancel(context.Background())
		c.conn = conn
		c.connCancel = readCancel
		c.attempts = 0
		c.setStatusLocked(StatusConnected)
		c.resetPingTimerLocked(gen)
		c.mu.Unlock()

		c.readLoop(readCtx, conn, gen)
	}()
}

// buildURLLocked appends the channel set and per-channel replay cursors.
func (c *RealtimeClient) buildURLLocked(channels []string) string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	for _, ch := range channels {
		q.Add("channel", ch)
		if ack := c.lastAck[ch]; ack != "" {
			q.Set("last_ack_"+ch, ack)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// handleDisconnectLocked is the shared failure path for dial errors, read
// errors, and ping timeouts. It increments the attempt counter and either
// schedules a backed-off retry or gives up into StatusError.
func (c *RealtimeClient) handleDisconnectLocked() {
	c.setStatusLocked(StatusDisconnected)
	c.attempts++
	if c.attempts >= c.maxAttempts {
		c.logger.Warn("retry budget exhausted", "attempts", c.attempts)
		c.setStatusLocked(StatusError)
		return
	}

	// Linear backoff with a ceiling.
	delay := time.Duration(c.attempts) * c.backoffStep
	if delay > c.backoffCap {
		delay = c.backoffCap
	}
	c.logger.Info("reconnecting", "attempt", c.attempts, "delay", delay)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.connectLocked()
		c.mu.Unlock()
	})
}

// resetPingTimerLocked arms the liveness watchdog. A connection that goes
// quiet past the ping timeout is forced through a reconnect even though the
// transport never reported an error.
func (c *RealtimeClient) resetPingTimerLocked(gen int) {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.pingTimer = time.AfterFunc(c.pingTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || c.closed {
			return
		}
		c.logger.Warn("ping timeout, forcing reconnect")
		c.connectLocked()
	})
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if gen == c.gen && !c.closed {
				c.logger.Info("connection lost", "error", err)
				c.closeConnLocked()
				c.handleDisconnectLocked()
			}
			c.mu.Unlock()
			return
		}
		c.handleMessage(data, gen)
	}
}

// handleMessage routes one wire message. System events feed the state
// machine; user events update cursors and reach subscribers. Unparseable
// messages are dropped, never fatal.
func (c *RealtimeClient) handleMessage(data []byte, gen int) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	// Any traffic proves liveness.
	c.resetPingTimerLocked(gen)

	var sys systemMessage
	if err := json.Unmarshal(data, &sys); err == nil && sys.Type != "" {
		if sys.Type == "connected" && sys.Channel != "" && sys.Cursor != "" {
			if c.lastAck[sys.Channel] == "" {
				c.lastAck[sys.Channel] = sys.Cursor
			}
		}
		c.mu.Unlock()
		return
	}

	var ev UserEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ID == "" || ev.Channel == "" {
		c.logger.Debug("dropping unparseable message", "bytes", len(data))
		c.mu.Unlock()
		return
	}
	c.lastAck[ev.Channel] = ev.ID

	// Collect matching callbacks under the lock, call them outside it.
	var callbacks []func(UserEvent)
	for _, sub := range c.subscriptions {
		if !sub.channels[ev.Channel] {
			continue
		}
		if len(sub.events) > 0 && !containsString(sub.events, ev.Event) {
			continue
		}
		if sub.onData != nil {
			callbacks = append(callbacks, sub.onData)
		}
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
