package http

import (
	"encoding/json"
	"net/http"

	"github.com/AugusDogus/opentab/internal/auth"
	"github.com/AugusDogus/opentab/internal/dto"
	"github.com/AugusDogus/opentab/internal/service"

	"github.com/google/uuid"
)

func (h *Handler) handleSendEncrypted(w http.ResponseWriter, r *http.Request) {
	var req dto.SendEncryptedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	payloads := make([]service.TargetPayload, 0, len(req.EncryptedPayloads))
	for _, p := range req.EncryptedPayloads {
		targetID, err := uuid.Parse(p.TargetDeviceID)
		if err != nil {
			http.Error(w, "invalid targetDeviceId", http.StatusBadRequest)
			return
		}
		payloads = append(payloads, service.TargetPayload{
			TargetDeviceID: targetID,
			EncryptedData:  p.EncryptedData,
		})
	}

	userID := auth.UserIDFromContext(r.Context())
	result, err := h.tabs.SendEncrypted(r.Context(), userID, service.SendInput{
		SourceDeviceIdentifier: req.SourceDeviceIdentifier,
		SenderPublicKey:        req.SenderPublicKey,
		Payloads:               payloads,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.SendEncryptedResponse{
		SentToMobile:     result.SentToMobile,
		SentToExtensions: result.SentToExtensions,
	})
}

func (h *Handler) handlePendingTabs(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("device_identifier")
	if identifier == "" {
		http.Error(w, "missing device_identifier", http.StatusBadRequest)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	tabs, err := h.tabs.Pending(r.Context(), userID, identifier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]dto.PendingTabResponse, 0, len(tabs))
	for _, tab := range tabs {
		resp = append(resp, dto.PendingTabResponse{
			ID:              tab.ID.String(),
			EncryptedData:   tab.EncryptedData,
			SenderPublicKey: tab.SenderPublicKey,
			CreatedAt:       tab.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	var req dto.MarkDeliveredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	tabID, err := uuid.Parse(req.TabID)
	if err != nil {
		http.Error(w, "invalid tabId", http.StatusBadRequest)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if err := h.tabs.MarkDelivered(r.Context(), userID, tabID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
