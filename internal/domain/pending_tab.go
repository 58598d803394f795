package domain

import "time"

// PendingTab is one durably queued, encrypted tab share awaiting delivery to
// one target device. Only the owning identity may mark it delivered; nothing
// else mutates it after insert.
type PendingTab struct {
	ID             TabID    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         UserID   `gorm:"type:text;not null;index" json:"userId"`
	TargetDeviceID DeviceID `gorm:"type:uuid;not null;index:idx_pending_tabs_target_created,priority:1" json:"targetDeviceId"`
	SourceDeviceID DeviceID `gorm:"type:uuid;not null;index" json:"sourceDeviceId"`
	// EncryptedData is the serialized EncryptedPayload blob. The server
	// stores and forwards it without ever being able to open it.
	EncryptedData   string     `gorm:"type:text;not null" json:"encryptedData"`
	SenderPublicKey string     `gorm:"type:text;not null" json:"senderPublicKey"`
	Delivered       bool       `gorm:"not null;default:false;index" json:"delivered"`
	CreatedAt       time.Time  `gorm:"not null;index:idx_pending_tabs_target_created,priority:2" json:"createdAt"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
}

func (PendingTab) TableName() string { return "pending_tabs" }
