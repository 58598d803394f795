package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AugusDogus/opentab/internal/auth"
	"github.com/AugusDogus/opentab/internal/domain"
	obsmw "github.com/AugusDogus/opentab/internal/observability/middleware"
	"github.com/AugusDogus/opentab/internal/realtime"
	"github.com/AugusDogus/opentab/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	devices      *service.DeviceService
	tabs         *service.TabService
	hub          *realtime.Hub // nil when realtime is not configured
	pingInterval time.Duration
	logger       *slog.Logger
}

type Options struct {
	Devices      *service.DeviceService
	Tabs         *service.TabService
	Hub          *realtime.Hub
	Validator    *auth.Validator
	PingInterval time.Duration
	Logger       *slog.Logger
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		devices:      opts.Devices,
		tabs:         opts.Tabs,
		hub:          opts.Hub,
		pingInterval: opts.PingInterval,
		logger:       logger.With("component", "http"),
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 25 * time.Second
	}

	r := chi.NewRouter()
	r.Use(obsmw.WithRequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(opts.Validator.Middleware)

		// The realtime endpoint holds a long-lived connection; it skips
		// the per-request metrics wrapper, which would break the
		// websocket hijack, and the rate limiter, which would count a
		// reconnect storm against the API budget it is meant to protect.
		r.Get("/realtime", h.handleRealtime)

		r.Group(func(r chi.Router) {
			r.Use(obsmw.Metrics)
			r.Use(httprate.LimitByIP(120, time.Minute))

			r.Post("/devices/register", h.handleRegisterDevice)
			r.Get("/devices", h.handleListDevices)
			r.Post("/devices/remove", h.handleRemoveDevice)
			r.Get("/devices/targets", h.handleTargetDevices)
			r.Get("/devices/id", h.handleResolveDeviceID)

			r.Post("/tabs/send", h.handleSendEncrypted)
			r.Get("/tabs/pending", h.handlePendingTabs)
			r.Post("/tabs/delivered", h.handleMarkDelivered)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeDomainError maps service errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound), errors.Is(err, domain.ErrTabNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotOwned), errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
