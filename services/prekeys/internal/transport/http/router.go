// Package http exposes the prekey directory's device-facing HTTP API:
// registration, signed-prekey rotation, bundle fetch, and one-time-prekey
// replenishment.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"chai/services/prekeys/internal/dto"
	"chai/services/prekeys/internal/observability/metrics"
	"chai/services/prekeys/internal/observability/middleware"
	"chai/services/prekeys/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// LowWatermarkChannel mirrors the relay's subscription channel name; kept
// here too so the two services agree on the wire format without importing
// one another.
const LowWatermarkChannel = "chai:prekeys:low-watermark"

type lowWatermarkEvent struct {
	DeviceID  string `json:"device_id"`
	Remaining int    `json:"remaining"`
}

func NewRouter(svc *service.Service, redisURL string) (http.Handler, error) {
	var rdb *redis.Client
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opt)
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/keys/device/register", func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		var req dto.RegisterDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
			slog.Warn("device registration decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.RegisterDevice(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
			slog.Warn("device registration failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.DeviceRegistrationsTotal.WithLabelValues("success").Inc()
		slog.Info("device registered", "device_id", res.DeviceID, "user_id", res.UserID, "one_time_prekeys", res.OneTimePreKeys, "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusCreated, res)
	})

	r.Get("/keys/bundle", func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		deviceIDParam := r.URL.Query().Get("device_id")
		if deviceIDParam == "" {
			http.Error(w, "missing device_id", http.StatusBadRequest)
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			slog.Warn("prekey bundle missing device id", "request_id", reqID, "trace_id", traceID)
			return
		}
		deviceID, err := uuid.Parse(deviceIDParam)
		if err != nil {
			http.Error(w, "invalid device_id", http.StatusBadRequest)
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			slog.Warn("prekey bundle invalid device id", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.GetPreKeyBundle(r.Context(), deviceID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrDeviceNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			slog.Warn("prekey bundle fetch failed", "error", err, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("success").Inc()
		slog.Info("prekey bundle fetched", "device_id", res.DeviceID, "has_one_time", res.OneTimePreKey != nil, "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)

		if rdb != nil {
			remaining, err := svc.RemainingOneTimePrekeys(r.Context(), deviceID)
			if err == nil && remaining <= service.LowWatermark {
				publishLowWatermark(r.Context(), rdb, deviceID, remaining)
			}
		}
	})

	r.Post("/keys/rotate-signed-prekey", func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		var req dto.RotateSignedPreKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
			slog.Warn("rotate signed prekey decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.RotateSignedPreKey(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, service.ErrInvalidRequest):
				status = http.StatusBadRequest
			case errors.Is(err, service.ErrDeviceNotFound):
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
			slog.Warn("rotate signed prekey failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("success").Inc()
		slog.Info("rotated signed prekey", "device_id", res.DeviceID, "added_one_time_keys", res.AddedOneTimeKeys, "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/keys/devices/{deviceID}/one-time-prekeys", func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		deviceID := chi.URLParam(r, "deviceID")
		var req []dto.OneTimePreKey
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			slog.Warn("upload one-time prekeys decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		remaining, err := svc.UploadOneTimePrekeys(r.Context(), deviceID, req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, service.ErrInvalidRequest):
				status = http.StatusBadRequest
			case errors.Is(err, service.ErrDeviceNotFound):
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			slog.Warn("upload one-time prekeys failed", "error", err, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
			return
		}
		slog.Info("uploaded one-time prekeys", "device_id", deviceID, "remaining", remaining, "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, map[string]int64{"remaining": remaining})
	})

	return r, nil
}

func publishLowWatermark(ctx context.Context, rdb *redis.Client, deviceID uuid.UUID, remaining int64) {
	payload, err := json.Marshal(lowWatermarkEvent{DeviceID: deviceID.String(), Remaining: int(remaining)})
	if err != nil {
		return
	}
	if err := rdb.Publish(ctx, LowWatermarkChannel, payload).Err(); err != nil {
		slog.Warn("publish low watermark failed", "error", err, "device_id", deviceID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
