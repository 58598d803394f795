// Package tabclient is the Go client for the opentab service: an HTTP API
// client for device registration and tab delivery, a realtime subscriber
// with automatic reconnection, and a bbolt-backed keystore for local device
// credentials.
package tabclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to the opentab HTTP API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds an API client. httpClient may be nil for a default
// with a 10s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		http:    httpClient,
	}
}

// RegisterDeviceRequest registers or refreshes a device. Name, PushToken
// and PublicKey may be empty to keep the server's stored values.
type RegisterDeviceRequest struct {
	DeviceIdentifier string `json:"deviceIdentifier"`
	DeviceType       string `json:"deviceType"`
	DeviceName       string `json:"deviceName,omitempty"`
	PushToken        string `json:"pushToken,omitempty"`
	PublicKey        string `json:"publicKey,omitempty"`
}

type Device struct {
	ID               uuid.UUID `json:"id"`
	DeviceIdentifier string    `json:"deviceIdentifier"`
	DeviceType       string    `json:"deviceType"`
	DeviceName       string    `json:"deviceName,omitempty"`
	PushToken        string    `json:"pushToken,omitempty"`
	PublicKey        string    `json:"publicKey,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type TargetDevice struct {
	ID         uuid.UUID `json:"id"`
	DeviceType string    `json:"deviceType"`
	DeviceName string    `json:"deviceName"`
	PublicKey  string    `json:"publicKey"`
}

type TargetPayload struct {
	TargetDeviceID uuid.UUID `json:"targetDeviceId"`
	EncryptedData  string    `json:"encryptedData"`
}

type SendEncryptedRequest struct {
	SourceDeviceIdentifier string          `json:"sourceDeviceIdentifier"`
	SenderPublicKey        string          `json:"senderPublicKey"`
	Targets                []TargetPayload `json:"encryptedPayloads"`
}

type SendEncryptedResult struct {
	SentToMobile     int `json:"sentToMobile"`
	SentToExtensions int `json:"sentToExtensions"`
}

type PendingTab struct {
	ID              uuid.UUID `json:"id"`
	EncryptedData   string    `json:"encryptedData"`
	SenderPublicKey string    `json:"senderPublicKey"`
	CreatedAt       time.Time `json:"createdAt"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Register upserts a device and returns the server's view of it.
func (c *Client) Register(ctx context.Context, req RegisterDeviceRequest) (*Device, error) {
	var out Device
	if err := c.do(ctx, http.MethodPost, "/v1/devices/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Devices lists the caller's registered devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveDevice deletes a device and its queued tabs.
func (c *Client) RemoveDevice(ctx context.Context, deviceID uuid.UUID) error {
	body := struct {
		DeviceID uuid.UUID `json:"deviceId"`
	}{DeviceID: deviceID}
	return c.do(ctx, http.MethodPost, "/v1/devices/remove", body, nil)
}

// Targets lists encryptable destination devices for the given source,
// excluding the source itself and devices without a public key.
func (c *Client) Targets(ctx context.Context, sourceIdentifier string) ([]TargetDevice, error) {
	path := "/v1/devices/targets?source_device_identifier=" + url.QueryEscape(sourceIdentifier)
	var out []TargetDevice
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceID resolves a device identifier to its server-side id.
func (c *Client) DeviceID(ctx context.Context, identifier string) (uuid.UUID, error) {
	path := "/v1/devices/id?device_identifier=" + url.QueryEscape(identifier)
	var out struct {
		ID uuid.UUID `json:"deviceId"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

// SendEncrypted dispatches pre-encrypted payloads to their target devices.
func (c *Client) SendEncrypted(ctx context.Context, req SendEncryptedRequest) (*SendEncryptedResult, error) {
	var out SendEncryptedResult
	if err := c.do(ctx, http.MethodPost, "/v1/tabs/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending returns undelivered tabs for a device, oldest first.
func (c *Client) Pending(ctx context.Context, deviceIdentifier string) ([]PendingTab, error) {
	path := "/v1/tabs/pending?device_identifier=" + url.QueryEscape(deviceIdentifier)
	var out []PendingTab
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDelivered acknowledges a tab. Repeating the call is harmless.
func (c *Client) MarkDelivered(ctx context.Context, tabID uuid.UUID) error {
	body := struct {
		TabID uuid.UUID `json:"tabId"`
	}{TabID: tabID}
	return c.do(ctx, http.MethodPost, "/v1/tabs/delivered", body, nil)
}

// RealtimeURL derives the websocket endpoint from the API base URL.
func (c *Client) RealtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/realtime"
	return u.String(), nil
}

// Token returns the bearer token the client was built with.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Body: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
