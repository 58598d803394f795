package domain

import "time"

// Device is one registered client endpoint belonging to one user. The
// (user_id, device_identifier) pair is unique: registration is an upsert
// keyed on it, so a client re-registering never creates a duplicate row.
type Device struct {
	ID         DeviceID   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     UserID     `gorm:"type:text;not null;index;uniqueIndex:idx_devices_user_identifier,priority:1" json:"userId"`
	DeviceType DeviceType `gorm:"type:text;not null" json:"deviceType"`
	DeviceName string     `gorm:"type:text" json:"deviceName,omitempty"`
	// PushToken is the Expo push token for mobile devices. Extensions and
	// mobile devices that have not granted notification permission leave
	// it empty.
	PushToken string `gorm:"type:text" json:"pushToken,omitempty"`
	// PublicKey is the device's hex-encoded X25519 public key. Empty until
	// the device finishes key generation; devices without one are not
	// eligible encryption targets.
	PublicKey        string    `gorm:"type:text" json:"publicKey,omitempty"`
	DeviceIdentifier string    `gorm:"type:text;not null;uniqueIndex:idx_devices_user_identifier,priority:2" json:"deviceIdentifier"`
	CreatedAt        time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"not null" json:"updatedAt"`
}

func (Device) TableName() string { return "devices" }

// PushCapable reports whether the device can receive push notifications.
func (d Device) PushCapable() bool {
	return d.DeviceType == DeviceTypeMobile && d.PushToken != ""
}
