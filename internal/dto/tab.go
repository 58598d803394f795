package dto

import "time"

type TargetPayload struct {
	TargetDeviceID string `json:"targetDeviceId"`
	// EncryptedData is the serialized EncryptedPayload for that target.
	EncryptedData string `json:"encryptedData"`
}

type SendEncryptedRequest struct {
	SourceDeviceIdentifier string          `json:"sourceDeviceIdentifier"`
	SenderPublicKey        string          `json:"senderPublicKey"`
	EncryptedPayloads      []TargetPayload `json:"encryptedPayloads"`
}

type SendEncryptedResponse struct {
	SentToMobile     int `json:"sentToMobile"`
	SentToExtensions int `json:"sentToExtensions"`
}

type PendingTabResponse struct {
	ID              string    `json:"id"`
	EncryptedData   string    `json:"encryptedData"`
	SenderPublicKey string    `json:"senderPublicKey"`
	CreatedAt       time.Time `json:"createdAt"`
}

type MarkDeliveredRequest struct {
	TabID string `json:"tabId"`
}
