package main

import (
	"context"
	"log/slog"
	"chai/services/relay/internal/config"
	"chai/services/relay/internal/observability/logging"
	"chai/services/relay/internal/observability/metrics"
	"chai/services/relay/internal/observability/middleware"
	"chai/services/relay/internal/service"
	"chai/services/relay/internal/store"
	transport "chai/services/relay/internal/transport/http"
	"net/http"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister("relay")

	logger.Info("starting service")

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	svc := service.New(st)
	mux, err := transport.NewRouter(svc, cfg.WSPollInterval, cfg.DeliveryBatchMax, cfg.OutboundQueueMax, cfg.PrekeysBaseURL, cfg.RedisURL)
	if err != nil {
		logger.Error("build router", "error", err)
		os.Exit(1)
	}

	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(mux))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("relay service listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
