package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"chai/services/prekeys/internal/config"
	"chai/services/prekeys/internal/observability/logging"
	"chai/services/prekeys/internal/observability/metrics"
	"chai/services/prekeys/internal/observability/middleware"
	"chai/services/prekeys/internal/service"
	"chai/services/prekeys/internal/store"
	httptransport "chai/services/prekeys/internal/transport/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "prekeys",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("prekeys")

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
	router, err := httptransport.NewRouter(svc, cfg.RedisURL)
	if err != nil {
		logger.Error("build router", "error", err)
		os.Exit(1)
	}

	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(router))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("prekeys service listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
