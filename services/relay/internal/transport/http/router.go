// Package http implements the relay's device-facing transport: a
// websocket attach point per device plus the store-and-forward HTTP send
// endpoint used by services that are not themselves attached.
package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chai/internal/httpx"
	"chai/services/relay/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	pongWait   = 35 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	svc      *service.Service
	poll     time.Duration
	batch    int
	queueMax int
	prekeys  *prekeysClient
	rdb      *redis.Client
	reg      *registry
}

type sendRequest struct {
	ConvID       string          `json:"conv_id"`
	FromDeviceID string          `json:"from_device_id"`
	ToDeviceID   string          `json:"to_device_id"`
	Ciphertext   string          `json:"ciphertext"`
	Header       json.RawMessage `json:"header"`
}

type sendResponse struct {
	ID         string    `json:"id"`
	ConvID     string    `json:"conv_id"`
	ToDeviceID string    `json:"to_device_id"`
	SentAt     time.Time `json:"sent_at"`
}

// LowWatermarkChannel is the redis pub/sub channel the prekey directory
// publishes to when a fetch leaves a device's one-time prekey count at or
// below its replenishment threshold.
const LowWatermarkChannel = "chai:prekeys:low-watermark"

func NewRouter(svc *service.Service, poll time.Duration, batch, queueMax int, prekeysBaseURL, redisURL string) (http.Handler, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 50
	}
	if queueMax <= 0 {
		queueMax = 256
	}
	var rdb *redis.Client
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opt)
	}
	h := &Handler{
		svc:      svc,
		poll:     poll,
		batch:    batch,
		queueMax: queueMax,
		prekeys:  newPrekeysClient(prekeysBaseURL),
		rdb:      rdb,
		reg:      newRegistry(),
	}
	if rdb != nil {
		go h.watchLowWatermark(context.Background())
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/messages/send", h.handleSend)
	mux.HandleFunc("/ws", h.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	return httpx.LogRequests(mux), nil
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg, err := h.enqueue(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{
		ID:         msg.ID.String(),
		ConvID:     msg.ConvID.String(),
		ToDeviceID: msg.ToDeviceID.String(),
		SentAt:     msg.SentAt,
	})
	h.deliverOrQueue(r.Context(), msg.ToDeviceID)
}

func (h *Handler) enqueue(ctx context.Context, req sendRequest) (storeMessage, error) {
	convID, err := uuid.Parse(req.ConvID)
	if err != nil {
		return storeMessage{}, service.ErrInvalidRequest
	}
	fromID, err := uuid.Parse(req.FromDeviceID)
	if err != nil {
		return storeMessage{}, service.ErrInvalidRequest
	}
	toID, err := uuid.Parse(req.ToDeviceID)
	if err != nil {
		return storeMessage{}, service.ErrInvalidRequest
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		return storeMessage{}, service.ErrInvalidRequest
	}
	msg, err := h.svc.Enqueue(ctx, service.SendInput{
		ConvID:       convID,
		FromDeviceID: fromID,
		ToDeviceID:   toID,
		Ciphertext:   ciphertext,
		Header:       req.Header,
	})
	if err != nil {
		return storeMessage{}, err
	}
	return storeMessage(msg), nil
}

// handleWS attaches one device's connection: it drains everything pending
// for the device in sent_at order, then dispatches frames both ways until
// the socket closes.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceParam := r.URL.Query().Get("device_id")
	if deviceParam == "" {
		http.Error(w, "missing device_id", http.StatusBadRequest)
		return
	}
	deviceID, err := uuid.Parse(deviceParam)
	if err != nil {
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("relay: websocket upgrade failed", "error", err)
		return
	}
	c := newConn(deviceID, ws, h.queueMax)
	h.reg.attach(c)
	defer h.reg.detach(c)

	go h.writePump(c)
	h.drain(r.Context(), c)
	h.readPump(r.Context(), c)
}

func (h *Handler) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteJSON(frame{Type: frameTypePing}); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Handler) readPump(ctx context.Context, c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.close()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(ctx, c, f)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, f frame) {
	switch f.Type {
	case frameTypePing:
		c.enqueue(frame{Type: frameTypePong})
	case frameTypeSendMessage:
		msg, err := h.enqueue(ctx, sendRequest{
			ConvID:       f.ConvID,
			FromDeviceID: f.FromDeviceID,
			ToDeviceID:   f.ToDeviceID,
			Ciphertext:   f.Ciphertext,
			Header:       f.Header,
		})
		if err != nil {
			c.enqueue(errorFrame("invalid_request", err.Error()))
			return
		}
		sentAt := msg.SentAt
		c.enqueue(frame{Type: frameTypeMessageSent, MessageID: msg.ID.String(), SentAt: &sentAt})
		h.deliverOrQueue(ctx, msg.ToDeviceID)
	case frameTypeAckMessages:
		ids := make([]uuid.UUID, 0, len(f.MessageIDs))
		for _, raw := range f.MessageIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		if err := h.svc.MarkDelivered(ctx, ids); err != nil {
			slog.Warn("relay: ack messages failed", "error", err)
		}
	case frameTypeGetPrekeyBundle:
		bundle, err := h.prekeys.fetchBundle(ctx, f.DeviceID)
		if err != nil {
			c.enqueue(errorFrame("prekeys_unavailable", err.Error()))
			return
		}
		c.enqueue(frame{Type: frameTypePrekeyBundle, DeviceID: f.DeviceID, Bundle: bundle})
	case frameTypeUploadPrekeys:
		if err := h.prekeys.uploadOneTimePrekeys(ctx, c.deviceID.String(), f.OneTimePrekeys); err != nil {
			c.enqueue(errorFrame("prekeys_unavailable", err.Error()))
		}
	default:
		c.enqueue(errorFrame("unknown_frame", "unrecognized frame type: "+f.Type))
	}
}

// drain pushes every message already stored for the device, in sent_at
// order, so a reconnecting device always sees its full backlog before any
// newly dispatched message.
func (h *Handler) drain(ctx context.Context, c *conn) {
	for {
		msgs, err := h.svc.Pending(ctx, c.deviceID, h.batch)
		if err != nil {
			slog.Warn("relay: drain failed", "device_id", c.deviceID, "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		ids := make([]uuid.UUID, 0, len(msgs))
		for _, m := range msgs {
			f := messageSentFrame(storeMessage(m))
			if !c.enqueue(f) {
				c.close()
				return
			}
			ids = append(ids, m.ID)
		}
		if err := h.svc.MarkDelivered(ctx, ids); err != nil {
			slog.Warn("relay: mark delivered after drain failed", "error", err)
			return
		}
		if len(msgs) < h.batch {
			return
		}
	}
}

// deliverOrQueue pushes a freshly stored message straight to an attached
// device; if the device isn't attached it simply stays pending in storage
// until the device's next drain-on-reconnect.
func (h *Handler) deliverOrQueue(ctx context.Context, toDevice uuid.UUID) {
	c, ok := h.reg.lookup(toDevice)
	if !ok {
		return
	}
	msgs, err := h.svc.Pending(ctx, toDevice, h.batch)
	if err != nil {
		slog.Warn("relay: pending lookup failed", "error", err)
		return
	}
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		if !c.enqueue(messageSentFrame(storeMessage(m))) {
			c.close()
			return
		}
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		if err := h.svc.MarkDelivered(ctx, ids); err != nil {
			slog.Warn("relay: mark delivered failed", "error", err)
		}
	}
}

func (h *Handler) watchLowWatermark(ctx context.Context) {
	sub := h.rdb.Subscribe(ctx, LowWatermarkChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for msg := range ch {
		var payload struct {
			DeviceID  string `json:"device_id"`
			Remaining int    `json:"remaining"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			slog.Warn("relay: bad low-watermark payload", "error", err)
			continue
		}
		deviceID, err := uuid.Parse(payload.DeviceID)
		if err != nil {
			continue
		}
		if c, ok := h.reg.lookup(deviceID); ok {
			c.enqueue(frame{Type: frameTypeLowPrekeys, Remaining: payload.Remaining})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
