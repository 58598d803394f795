package http

import (
	"encoding/json"
	"net/http"

	"github.com/AugusDogus/opentab/internal/auth"
	"github.com/AugusDogus/opentab/internal/domain"
	"github.com/AugusDogus/opentab/internal/dto"
	"github.com/AugusDogus/opentab/internal/service"

	"github.com/google/uuid"
)

func deviceResponse(d domain.Device) dto.DeviceResponse {
	return dto.DeviceResponse{
		ID:               d.ID.String(),
		DeviceType:       string(d.DeviceType),
		DeviceName:       d.DeviceName,
		PushToken:        d.PushToken,
		PublicKey:        d.PublicKey,
		DeviceIdentifier: d.DeviceIdentifier,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	device, err := h.devices.Register(r.Context(), userID, service.RegisterDeviceInput{
		DeviceType:       domain.DeviceType(req.DeviceType),
		DeviceName:       req.DeviceName,
		PushToken:        req.PushToken,
		DeviceIdentifier: req.DeviceIdentifier,
		PublicKey:        req.PublicKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse(*device))
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	devices, err := h.devices.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]dto.DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	var req dto.RemoveDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		http.Error(w, "invalid deviceId", http.StatusBadRequest)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if err := h.devices.Remove(r.Context(), userID, deviceID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTargetDevices(w http.ResponseWriter, r *http.Request) {
	sourceIdentifier := r.URL.Query().Get("source_device_identifier")
	if sourceIdentifier == "" {
		http.Error(w, "missing source_device_identifier", http.StatusBadRequest)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	targets, err := h.devices.TargetDevices(r.Context(), userID, sourceIdentifier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]dto.TargetDeviceResponse, 0, len(targets))
	for _, d := range targets {
		resp = append(resp, dto.TargetDeviceResponse{
			ID:         d.ID.String(),
			PublicKey:  d.PublicKey,
			DeviceType: string(d.DeviceType),
			DeviceName: d.DeviceName,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResolveDeviceID(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("device_identifier")
	if identifier == "" {
		http.Error(w, "missing device_identifier", http.StatusBadRequest)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	deviceID, err := h.devices.ResolveDeviceID(r.Context(), userID, identifier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.DeviceIDResponse{DeviceID: deviceID.String()})
}
