package domain

import "github.com/google/uuid"

// UserID is the authenticated identity that scopes devices and pending tabs.
// It is issued by the external auth layer, so it stays an opaque string
// rather than a UUID.
type UserID = string

type DeviceID = uuid.UUID
type TabID = uuid.UUID

// DeviceType distinguishes the two delivery channels a device can use.
type DeviceType string

const (
	DeviceTypeMobile    DeviceType = "mobile"
	DeviceTypeExtension DeviceType = "browser_extension"
)

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	return t == DeviceTypeMobile || t == DeviceTypeExtension
}
