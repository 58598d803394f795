package dto

import "time"

type RegisterDeviceRequest struct {
	DeviceType       string `json:"deviceType"`
	DeviceName       string `json:"deviceName,omitempty"`
	PushToken        string `json:"pushToken,omitempty"`
	DeviceIdentifier string `json:"deviceIdentifier"`
	PublicKey        string `json:"publicKey,omitempty"`
}

type DeviceResponse struct {
	ID               string    `json:"id"`
	DeviceType       string    `json:"deviceType"`
	DeviceName       string    `json:"deviceName,omitempty"`
	PushToken        string    `json:"pushToken,omitempty"`
	PublicKey        string    `json:"publicKey,omitempty"`
	DeviceIdentifier string    `json:"deviceIdentifier"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TargetDeviceResponse lists a device another device may encrypt for. Only
// devices that have published a public key appear.
type TargetDeviceResponse struct {
	ID         string `json:"id"`
	PublicKey  string `json:"publicKey"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName,omitempty"`
}

type DeviceIDResponse struct {
	DeviceID string `json:"deviceId"`
}

type RemoveDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}
