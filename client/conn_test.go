package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	cryptocore "chai/services/crypto-core"
	"chai/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	dev, err := cryptocore.GenerateIdentityKeypair()
	require.NoError(t, err)
	return session.NewManager(dev)
}

func bundleDTOFrom(t *testing.T, bundle *cryptocore.PrekeyBundle) json.RawMessage {
	t.Helper()
	dto := prekeyBundleDTO{
		DeviceID:             "bob",
		IdentityKey:          base64.StdEncoding.EncodeToString(bundle.IdentityKey[:]),
		IdentitySignatureKey: base64.StdEncoding.EncodeToString(bundle.IdentitySignatureKey),
		SignedPreKey: signedPreKeyDTO{
			KeyID:     strconv.FormatUint(uint64(bundle.SignedPrekeyID), 10),
			PublicKey: base64.StdEncoding.EncodeToString(bundle.SignedPrekey[:]),
			Signature: base64.StdEncoding.EncodeToString(bundle.SignedPrekeySig),
		},
	}
	if len(bundle.OneTimePrekeys) > 0 {
		otk := bundle.OneTimePrekeys[0]
		dto.OneTimePreKey = &oneTimePreKeyDTO{
			ID:        strconv.FormatUint(uint64(otk.ID), 10),
			PublicKey: base64.StdEncoding.EncodeToString(otk.Public[:]),
		}
	}
	raw, err := json.Marshal(dto)
	require.NoError(t, err)
	return raw
}

// TestConnReachesConnectedState exercises the Disconnected -> Connecting ->
// Connected transitions against a relay that just accepts the socket.
func TestConnReachesConnectedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New("alice", wsURLFromHTTP(srv.URL), "", newTestManager(t), NewFileStore(t.TempDir()), nil)
	require.Equal(t, Disconnected, c.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)
}

// TestSendEstablishesSessionAndDelivers drives a full first-contact exchange:
// the client has no session with "bob" yet, so Send must fetch a bundle over
// GetPrekeyBundle, run InitSession, then deliver the real plaintext. The fake
// relay plays both the prekey directory and bob's decrypting peer.
func TestSendEstablishesSessionAndDelivers(t *testing.T) {
	bob := newTestManager(t)
	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)

	decrypted := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case frameTypeGetPrekeyBundle:
				_ = ws.WriteJSON(frame{Type: frameTypePrekeyBundle, DeviceID: f.DeviceID, Bundle: bundleDTOFrom(t, bundle)})
			case frameTypeSendMessage:
				envelope, err := base64.StdEncoding.DecodeString(f.Ciphertext)
				require.NoError(t, err)
				plaintext, err := bob.Decrypt("alice", envelope)
				require.NoError(t, err)
				if len(plaintext) > 0 {
					decrypted <- string(plaintext)
				}
				sentAt := time.Now().UTC()
				_ = ws.WriteJSON(frame{Type: frameTypeMessageSent, MessageID: "m-1", SentAt: &sentAt})
			}
		}
	}))
	defer srv.Close()

	alice := New("alice", wsURLFromHTTP(srv.URL), "", newTestManager(t), NewFileStore(t.TempDir()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = alice.Run(ctx) }()
	require.Eventually(t, func() bool { return alice.State() == Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Send(ctx, "bob", "conv-1", []byte("hello bob")))

	select {
	case got := <-decrypted:
		require.Equal(t, "hello bob", got)
	case <-time.After(time.Second):
		t.Fatal("bob never received the plaintext")
	}
}

// TestInboundDeliveryDecryptsAndAcks simulates a drained message_sent frame
// arriving right after attach: the client must decrypt it, publish it on
// Inbound, and ack it back.
func TestInboundDeliveryDecryptsAndAcks(t *testing.T) {
	alice := newTestManager(t)
	bundle, err := alice.GeneratePrekeyBundle(1)
	require.NoError(t, err)

	bob := newTestManager(t)
	initEnvelope, err := bob.InitSession("alice", bundle)
	require.NoError(t, err)
	_, err = alice.Decrypt("bob", initEnvelope)
	require.NoError(t, err)
	contentEnvelope, err := bob.Encrypt("alice", []byte("hi alice"))
	require.NoError(t, err)

	acked := make(chan []string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		sentAt := time.Now().UTC()
		require.NoError(t, ws.WriteJSON(frame{
			Type:         frameTypeMessageSent,
			MessageID:    "m-42",
			ConvID:       "conv-1",
			FromDeviceID: "bob",
			ToDeviceID:   "alice",
			Ciphertext:   base64.StdEncoding.EncodeToString(contentEnvelope),
			Header:       emptyHeader,
			SentAt:       &sentAt,
		}))

		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == frameTypeAckMessages {
				acked <- f.MessageIDs
				return
			}
		}
	}))
	defer srv.Close()

	c := New("alice", wsURLFromHTTP(srv.URL), "", alice, NewFileStore(t.TempDir()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case msg := <-c.Inbound():
		require.Equal(t, "hi alice", string(msg.Plaintext))
		require.Equal(t, "bob", msg.FromDeviceID)
		require.Equal(t, "m-42", msg.MessageID)
	case <-time.After(time.Second):
		t.Fatal("never received inbound message")
	}

	select {
	case ids := <-acked:
		require.Equal(t, []string{"m-42"}, ids)
	case <-time.After(time.Second):
		t.Fatal("never saw ack_messages frame")
	}
}

// TestLowPrekeysNotificationTriggersReplenish verifies that a low_prekeys
// frame from the relay makes the client mint and upload fresh one-time
// prekeys on its own, without any caller action.
func TestLowPrekeysNotificationTriggersReplenish(t *testing.T) {
	uploaded := make(chan []oneTimePreKeyDTO, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		require.NoError(t, ws.WriteJSON(frame{Type: frameTypeLowPrekeys, Remaining: 2}))

		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == frameTypeUploadPrekeys {
				var dtos []oneTimePreKeyDTO
				require.NoError(t, json.Unmarshal(f.OneTimePrekeys, &dtos))
				uploaded <- dtos
				return
			}
		}
	}))
	defer srv.Close()

	c := New("alice", wsURLFromHTTP(srv.URL), "", newTestManager(t), NewFileStore(t.TempDir()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case dtos := <-uploaded:
		require.Len(t, dtos, replenishOneTimePrekeys)
		for _, d := range dtos {
			require.NotEmpty(t, d.ID)
			require.NotEmpty(t, d.PublicKey)
		}
	case <-time.After(time.Second):
		t.Fatal("client never uploaded replenished one-time prekeys")
	}
}

func TestUploadOneTimePrekeysRejectedWhenDisconnected(t *testing.T) {
	c := New("alice", "ws://127.0.0.1:0/ws", "", newTestManager(t), NewFileStore(t.TempDir()), nil)
	err := c.UploadOneTimePrekeys(5)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRejectedWhenDisconnected(t *testing.T) {
	c := New("alice", "ws://127.0.0.1:0/ws", "", newTestManager(t), NewFileStore(t.TempDir()), nil)
	err := c.Send(context.Background(), "bob", "conv-1", []byte("hi"))
	require.ErrorIs(t, err, ErrNotConnected)
}

// TestWaitForIncomingSessionReturnsOnceSessionAppears exercises the
// simultaneous-mutual-initiation tie-break grace window: the losing side
// waits for the peer's handshake to bootstrap a session via Decrypt rather
// than immediately calling InitSession itself.
func TestWaitForIncomingSessionReturnsOnceSessionAppears(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)

	c := &Conn{mgr: alice}
	go func() {
		time.Sleep(20 * time.Millisecond)
		initEnvelope, err := alice.InitSession("bob", bundle)
		require.NoError(t, err)
		_, err = bob.Decrypt("alice", initEnvelope)
		require.NoError(t, err)
	}()

	require.True(t, c.waitForIncomingSession(context.Background(), "bob", time.Second))
}

func TestWaitForIncomingSessionTimesOut(t *testing.T) {
	c := &Conn{mgr: newTestManager(t)}
	require.False(t, c.waitForIncomingSession(context.Background(), "nobody", 30*time.Millisecond))
}

func TestBackoffScheduleThenSteady(t *testing.T) {
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}, backoffSchedule)
}

func wsURLFromHTTP(u string) string {
	return "ws" + strings.TrimPrefix(u, "http")
}
