// Package push dispatches push notifications to mobile devices through the
// Expo push service. Failures are logged and ignored per message; a failed
// push never fails the send that produced it.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultExpoPushURL = "https://exp.host/--/api/v2/push/send"

// Message is one push notification addressed to one device token. Data
// carries only sealed material.
type Message struct {
	To       string         `json:"to"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data"`
	Sound    string         `json:"sound,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// Ticket is Expo's per-message delivery receipt.
type Ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Sender dispatches a batch of push messages. Implementations return tickets
// in message order where the provider supplies them.
type Sender interface {
	Send(ctx context.Context, messages []Message) ([]Ticket, error)
}

// ExpoSender talks to the Expo push HTTP API.
type ExpoSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewExpoSender(url string, logger *slog.Logger) *ExpoSender {
	if url == "" {
		url = defaultExpoPushURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpoSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "push"),
	}
}

func (s *ExpoSender) Send(ctx context.Context, messages []Message) ([]Ticket, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encoding push batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending push batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("push provider returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var result struct {
		Data []Ticket `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding push response: %w", err)
	}
	for _, ticket := range result.Data {
		if ticket.Status == "error" {
			s.logger.Warn("push ticket error",
				"message", ticket.Message, "details", ticket.Details)
		}
	}
	return result.Data, nil
}
