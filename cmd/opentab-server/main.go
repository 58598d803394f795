package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AugusDogus/opentab/internal/auth"
	"github.com/AugusDogus/opentab/internal/config"
	"github.com/AugusDogus/opentab/internal/observability/logging"
	"github.com/AugusDogus/opentab/internal/observability/metrics"
	"github.com/AugusDogus/opentab/internal/push"
	"github.com/AugusDogus/opentab/internal/realtime"
	"github.com/AugusDogus/opentab/internal/service"
	"github.com/AugusDogus/opentab/internal/store"
	httptransport "github.com/AugusDogus/opentab/internal/transport/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "opentab",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	metrics.MustRegister("opentab")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("gorm open: %v", err)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	var hub *realtime.Hub
	if cfg.RealtimeEnabled {
		hub = realtime.NewHub(logger)
	} else {
		logger.Info("realtime backend disabled, queue-only delivery")
	}

	pusher := push.NewExpoSender(cfg.ExpoPushURL, logger)
	devices := service.NewDeviceService(st)
	tabs := service.NewTabService(st, pusher, hub, logger)
	validator := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)

	router := httptransport.NewRouter(httptransport.Options{
		Devices:      devices,
		Tabs:         tabs,
		Hub:          hub,
		Validator:    validator,
		PingInterval: cfg.PingInterval,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneLoop(ctx, tabs, cfg, logger)

	go func() {
		logger.Info("opentab server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// pruneLoop periodically removes delivered tabs past the retention window.
func pruneLoop(ctx context.Context, tabs *service.TabService, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := tabs.PruneDelivered(ctx, cfg.DeliveredRetention)
			if err != nil {
				logger.Warn("prune delivered tabs", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("pruned delivered tabs", "removed", removed)
			}
		}
	}
}
