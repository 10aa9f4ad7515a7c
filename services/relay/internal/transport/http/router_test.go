package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chai/services/relay/internal/service"
	"chai/services/relay/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var emptyTestHeader = json.RawMessage(`{}`)

func setupRouter(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	svc := service.New(st)
	handler, err := NewRouter(svc, 10*time.Millisecond, 50, 256, "", "")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return httptest.NewServer(handler)
}

func dial(t *testing.T, srv *httptest.Server, deviceID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?device_id=" + deviceID.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", deviceID, err)
	}
	return ws
}

// TestImmediateDeliveryWhenRecipientAttached covers the happy path: both
// devices are attached, so a send_message frame results in an immediate
// message_sent delivery frame on the recipient's socket, not just a queued
// row waiting for the next drain.
func TestImmediateDeliveryWhenRecipientAttached(t *testing.T) {
	srv := setupRouter(t)
	defer srv.Close()

	alice := uuid.New()
	bob := uuid.New()
	aliceWS := dial(t, srv, alice)
	defer aliceWS.Close()
	bobWS := dial(t, srv, bob)
	defer bobWS.Close()

	convID := uuid.New()
	if err := aliceWS.WriteJSON(frame{
		Type:         frameTypeSendMessage,
		ConvID:       convID.String(),
		FromDeviceID: alice.String(),
		ToDeviceID:   bob.String(),
		Ciphertext:   "Y2lwaGVydGV4dA==",
		Header:       emptyTestHeader,
	}); err != nil {
		t.Fatalf("write send_message failed: %v", err)
	}

	// Alice should get a thin send-ack first.
	var ack frame
	if err := aliceWS.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != frameTypeMessageSent || ack.Ciphertext != "" {
		t.Fatalf("expected thin send-ack, got %+v", ack)
	}

	var delivery frame
	if err := bobWS.ReadJSON(&delivery); err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	if delivery.Type != frameTypeMessageSent || delivery.Ciphertext == "" {
		t.Fatalf("expected full delivery frame, got %+v", delivery)
	}
	if delivery.FromDeviceID != alice.String() || delivery.ToDeviceID != bob.String() {
		t.Fatalf("delivery frame addressed wrong devices: %+v", delivery)
	}
}

// TestDrainOnReconnectDeliversBacklogInOrder covers §8's drain-on-reconnect
// guarantee: messages sent while bob is offline must all arrive, in sent_at
// order, as soon as bob attaches — before any newly dispatched message.
func TestDrainOnReconnectDeliversBacklogInOrder(t *testing.T) {
	srv := setupRouter(t)
	defer srv.Close()

	alice := uuid.New()
	bob := uuid.New()
	aliceWS := dial(t, srv, alice)
	defer aliceWS.Close()

	convID := uuid.New()
	const n = 4
	for i := 0; i < n; i++ {
		if err := aliceWS.WriteJSON(frame{
			Type:         frameTypeSendMessage,
			ConvID:       convID.String(),
			FromDeviceID: alice.String(),
			ToDeviceID:   bob.String(),
			Ciphertext:   "Y2lwaGVydGV4dA==",
			Header:       emptyTestHeader,
		}); err != nil {
			t.Fatalf("write send_message %d: %v", i, err)
		}
		var ack frame
		if err := aliceWS.ReadJSON(&ack); err != nil {
			t.Fatalf("read ack %d: %v", i, err)
		}
	}

	bobWS := dial(t, srv, bob)
	defer bobWS.Close()

	var lastSentAt time.Time
	for i := 0; i < n; i++ {
		var delivery frame
		if err := bobWS.ReadJSON(&delivery); err != nil {
			t.Fatalf("read drained message %d: %v", i, err)
		}
		if delivery.Type != frameTypeMessageSent || delivery.Ciphertext == "" {
			t.Fatalf("drained frame %d not a full delivery: %+v", i, delivery)
		}
		if delivery.SentAt == nil {
			t.Fatalf("drained frame %d missing sent_at", i)
		}
		if delivery.SentAt.Before(lastSentAt) {
			t.Fatalf("drained frame %d out of order", i)
		}
		lastSentAt = *delivery.SentAt
	}
}

// TestAckedMessagesAreNotRedrained checks that acking a drained message
// actually removes it from the backlog, so a second reconnect doesn't
// redeliver it.
func TestAckedMessagesAreNotRedrained(t *testing.T) {
	srv := setupRouter(t)
	defer srv.Close()

	alice := uuid.New()
	bob := uuid.New()
	aliceWS := dial(t, srv, alice)

	if err := aliceWS.WriteJSON(frame{
		Type:         frameTypeSendMessage,
		ConvID:       uuid.New().String(),
		FromDeviceID: alice.String(),
		ToDeviceID:   bob.String(),
		Ciphertext:   "Y2lwaGVydGV4dA==",
		Header:       emptyTestHeader,
	}); err != nil {
		t.Fatalf("write send_message: %v", err)
	}
	var ack frame
	if err := aliceWS.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	aliceWS.Close()

	bobWS := dial(t, srv, bob)
	var delivery frame
	if err := bobWS.ReadJSON(&delivery); err != nil {
		t.Fatalf("read drained message: %v", err)
	}
	if err := bobWS.WriteJSON(frame{Type: frameTypeAckMessages, MessageIDs: []string{delivery.MessageID}}); err != nil {
		t.Fatalf("write ack_messages: %v", err)
	}
	bobWS.Close()

	// give the ack a moment to land before reconnecting.
	time.Sleep(50 * time.Millisecond)

	bobWS2 := dial(t, srv, bob)
	defer bobWS2.Close()
	_ = bobWS2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var f frame
	err := bobWS2.ReadJSON(&f)
	if err == nil {
		t.Fatalf("expected no redelivery, got %+v", f)
	}
}
