// Package client implements the device-facing connection state machine:
// dial the relay, restore sessions, drain and decrypt backlog, and send new
// messages, reconnecting with backoff whenever the socket drops.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	cryptocore "chai/services/crypto-core"
	"chai/session"

	"github.com/gorilla/websocket"
)

// State is one of Disconnected, Connecting, or Connected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// backoffSchedule is spec's {1s, 2s, 5s, 10s, 30s} table; once exhausted the
// client retries every 30s until it reconnects.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const bundleFetchTimeout = 10 * time.Second

// replenishOneTimePrekeys is how many fresh one-time prekeys a low-watermark
// notification triggers the client to generate and upload.
const replenishOneTimePrekeys = 20

// simultaneousInitiationGrace bounds how long Send waits for the peer's
// handshake to arrive before initiating itself, when session.ShouldInitiate
// says the peer is supposed to go first.
const simultaneousInitiationGrace = 300 * time.Millisecond

// InboundMessage is a decrypted message delivered to the caller.
type InboundMessage struct {
	MessageID    string
	ConvID       string
	FromDeviceID string
	Plaintext    []byte
}

// PeerWarning reports a best-effort session restore failure for one peer;
// it never aborts the overall attach.
type PeerWarning struct {
	PeerID string
	Err    error
}

// Conn owns one device's relay connection and session manager.
type Conn struct {
	deviceID   string
	relayURL   string
	prekeysURL string
	mgr        *session.Manager
	store      Store
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	ws    *websocket.Conn

	writeMu sync.Mutex

	inbound  chan InboundMessage
	warnings chan PeerWarning

	pendingBundles   map[string]chan json.RawMessage
	pendingBundlesMu sync.Mutex
}

// New creates a Conn for deviceID against relayURL (the relay's
// "ws://host/ws" base, device_id is appended as a query parameter) and
// prekeysURL (the prekey directory's base HTTP URL). The Conn stores
// prekeysURL but none of its methods read it; RegisterDevice takes the
// directory URL as its own argument.
func New(deviceID, relayURL, prekeysURL string, mgr *session.Manager, store Store, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		deviceID:       deviceID,
		relayURL:       relayURL,
		prekeysURL:     prekeysURL,
		mgr:            mgr,
		store:          store,
		logger:         logger,
		inbound:        make(chan InboundMessage, 64),
		warnings:       make(chan PeerWarning, 16),
		pendingBundles: make(map[string]chan json.RawMessage),
	}
}

// Inbound delivers decrypted messages as they arrive and are acked.
func (c *Conn) Inbound() <-chan InboundMessage { return c.inbound }

// Warnings delivers best-effort per-peer session-restore failures raised on
// each transition to Connected.
func (c *Conn) Warnings() <-chan PeerWarning { return c.warnings }

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run dials the relay and services frames until ctx is canceled, reconnecting
// with the backoff table on every drop. It always returns ctx.Err().
func (c *Conn) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setState(Connecting)
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
		if err != nil {
			c.setState(Disconnected)
			c.logger.Warn("client: dial failed", "error", err, "attempt", attempt)
			if !sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		c.restoreSessions()
		c.setState(Connected)
		attempt = 0
		c.logger.Info("client: attached", "device_id", c.deviceID)

		runErr := c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
		c.setState(Disconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("client: connection lost", "error", runErr)
		if !sleepBackoff(ctx, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

func (c *Conn) wsURL() string {
	sep := "?"
	if containsQuery(c.relayURL) {
		sep = "&"
	}
	return c.relayURL + sep + "device_id=" + c.deviceID
}

func containsQuery(url string) bool {
	for _, r := range url {
		if r == '?' {
			return true
		}
	}
	return false
}

// sleepBackoff waits the attempt'th backoff duration (clamped to the last
// entry) or returns false early if ctx is canceled first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffSchedule[len(backoffSchedule)-1]
	if attempt < len(backoffSchedule) {
		d = backoffSchedule[attempt]
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// restoreSessions best-effort loads every known peer session from the
// store. A corrupt or unreadable entry is reported on Warnings and skipped;
// it never blocks the attach.
func (c *Conn) restoreSessions() {
	peers, err := c.store.ListSessions()
	if err != nil {
		c.logger.Warn("client: list sessions failed", "error", err)
		return
	}
	for _, peer := range peers {
		data, err := c.store.LoadSession(peer)
		if err != nil {
			c.emitWarning(peer, err)
			continue
		}
		if err := c.mgr.ImportSession(peer, data); err != nil {
			c.emitWarning(peer, err)
		}
	}
}

func (c *Conn) emitWarning(peer string, err error) {
	select {
	case c.warnings <- PeerWarning{PeerID: peer, Err: err}:
	default:
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		c.handleFrame(ctx, f)
	}
}

func (c *Conn) handleFrame(ctx context.Context, f frame) {
	switch f.Type {
	case frameTypePing:
		c.writeFrame(frame{Type: frameTypePong})
	case frameTypePong:
	case frameTypeMessageSent:
		if f.Ciphertext != "" {
			c.handleDelivery(f)
		}
		// Ciphertext empty: this is the thin send-ack for a message this
		// device just enqueued. No action needed.
	case frameTypePrekeyBundle:
		c.deliverBundle(f.DeviceID, f.Bundle)
	case frameTypeLowPrekeys:
		c.logger.Info("client: low one-time prekeys, replenishing", "remaining", f.Remaining)
		if err := c.UploadOneTimePrekeys(replenishOneTimePrekeys); err != nil {
			c.logger.Warn("client: replenish one-time prekeys failed", "error", err)
		}
	case frameTypeError:
		c.logger.Warn("client: relay error", "code", f.Code, "message", f.Message)
	default:
		c.logger.Warn("client: unknown frame type", "type", f.Type)
	}
}

// handleDelivery decrypts an inbound message_sent frame and acks it. A
// decrypt failure drops the message without acking: the relay redelivers it
// on the next drain.
func (c *Conn) handleDelivery(f frame) {
	envelope, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		c.logger.Warn("client: bad envelope encoding", "error", err)
		return
	}
	plaintext, err := c.mgr.Decrypt(f.FromDeviceID, envelope)
	if err != nil {
		c.logger.Warn("client: decrypt failed", "from", f.FromDeviceID, "error", err)
		return
	}
	c.persistSession(f.FromDeviceID)

	msg := InboundMessage{
		MessageID:    f.MessageID,
		ConvID:       f.ConvID,
		FromDeviceID: f.FromDeviceID,
		Plaintext:    plaintext,
	}
	select {
	case c.inbound <- msg:
	default:
		c.logger.Warn("client: inbound channel full, dropping message", "message_id", f.MessageID)
	}
	c.writeFrame(frame{Type: frameTypeAckMessages, MessageIDs: []string{f.MessageID}})
}

func (c *Conn) deliverBundle(deviceID string, bundle json.RawMessage) {
	c.pendingBundlesMu.Lock()
	ch, ok := c.pendingBundles[deviceID]
	c.pendingBundlesMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- bundle:
	default:
	}
}

func (c *Conn) persistSession(peerID string) {
	data, err := c.mgr.ExportSession(peerID)
	if err != nil {
		c.logger.Warn("client: export session failed", "peer_id", peerID, "error", err)
		return
	}
	if err := c.store.SaveSession(peerID, data); err != nil {
		c.logger.Warn("client: save session failed", "peer_id", peerID, "error", err)
	}
}

func (c *Conn) writeFrame(f frame) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(f); err != nil {
		c.logger.Warn("client: write frame failed", "type", f.Type, "error", err)
	}
}

// Send establishes a session with toDeviceID if one doesn't exist yet (a
// prekey bundle fetch plus an X3DH initial envelope), then encrypts and
// sends plaintext under convID. It fails immediately, without queueing, if
// the connection isn't Connected.
func (c *Conn) Send(ctx context.Context, toDeviceID, convID string, plaintext []byte) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	if !c.mgr.HasSession(toDeviceID) {
		if err := c.establishSession(ctx, toDeviceID, convID); err != nil {
			return err
		}
	}

	envelope, err := c.mgr.Encrypt(toDeviceID, plaintext)
	if err != nil {
		return fmt.Errorf("client: encrypt for %s: %w", toDeviceID, err)
	}
	if c.State() != Connected {
		return ErrNotConnected
	}
	c.sendEnvelope(convID, toDeviceID, envelope)
	c.persistSession(toDeviceID)
	return nil
}

// establishSession fetches toDeviceID's bundle and runs the X3DH initiator
// handshake, unless session.ShouldInitiate says the peer should go first: in
// that case it waits briefly for the peer's handshake to bootstrap a
// session via Decrypt instead, falling back to initiating itself if nothing
// arrives, so a one-sided Send never deadlocks against a peer that wasn't
// actually also reaching out.
func (c *Conn) establishSession(ctx context.Context, toDeviceID, convID string) error {
	bundle, err := c.fetchBundle(ctx, toDeviceID)
	if err != nil {
		return fmt.Errorf("client: fetch bundle for %s: %w", toDeviceID, err)
	}

	if !c.mgr.ShouldInitiate(bundle.IdentityKey) && c.waitForIncomingSession(ctx, toDeviceID, simultaneousInitiationGrace) {
		return nil
	}

	initEnvelope, err := c.mgr.InitSession(toDeviceID, bundle)
	if err != nil {
		return fmt.Errorf("client: init session with %s: %w", toDeviceID, err)
	}
	if c.State() != Connected {
		return ErrNotConnected
	}
	c.sendEnvelope(convID, toDeviceID, initEnvelope)
	c.persistSession(toDeviceID)
	return nil
}

// waitForIncomingSession polls for a session with peerID to appear (created
// by Decrypt's auto-bootstrap when the peer's own handshake arrives first)
// within timeout. Returns false if none arrives in time.
func (c *Conn) waitForIncomingSession(ctx context.Context, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.mgr.HasSession(peerID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return c.mgr.HasSession(peerID)
		case <-ticker.C:
		}
	}
}

func (c *Conn) sendEnvelope(convID, toDeviceID string, envelope []byte) {
	c.writeFrame(frame{
		Type:         frameTypeSendMessage,
		ConvID:       convID,
		FromDeviceID: c.deviceID,
		ToDeviceID:   toDeviceID,
		Ciphertext:   base64.StdEncoding.EncodeToString(envelope),
		Header:       emptyHeader,
	})
}

// fetchBundle requests toDeviceID's prekey bundle over the relay's
// GetPrekeyBundle/PrekeyBundle frame pair, per spec.md §6 ("Addressed via
// the GetPrekeyBundle frame, not HTTP").
func (c *Conn) fetchBundle(ctx context.Context, toDeviceID string) (*cryptocore.PrekeyBundle, error) {
	ch := make(chan json.RawMessage, 1)
	c.pendingBundlesMu.Lock()
	c.pendingBundles[toDeviceID] = ch
	c.pendingBundlesMu.Unlock()
	defer func() {
		c.pendingBundlesMu.Lock()
		delete(c.pendingBundles, toDeviceID)
		c.pendingBundlesMu.Unlock()
	}()

	c.writeFrame(frame{Type: frameTypeGetPrekeyBundle, DeviceID: toDeviceID})

	timer := time.NewTimer(bundleFetchTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for prekey bundle")
	case raw := <-ch:
		return convertBundle(raw)
	}
}

// UploadOneTimePrekeys mints n fresh one-time prekeys locally and uploads
// their public material to the prekey directory via the relay's
// UploadPrekeys frame, without rotating the signed prekey. Called
// automatically on a low-prekey notification, but also exposed for callers
// that want to top up proactively.
func (c *Conn) UploadOneTimePrekeys(n int) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	otks, err := c.mgr.GenerateOneTimePrekeys(n)
	if err != nil {
		return fmt.Errorf("client: generate one-time prekeys: %w", err)
	}
	dtos := make([]oneTimePreKeyDTO, 0, len(otks))
	for _, otk := range otks {
		dtos = append(dtos, oneTimePreKeyDTO{
			ID:        strconv.FormatUint(uint64(otk.ID), 10),
			PublicKey: base64.StdEncoding.EncodeToString(otk.Public[:]),
		})
	}
	raw, err := json.Marshal(dtos)
	if err != nil {
		return fmt.Errorf("client: encode one-time prekeys: %w", err)
	}
	c.writeFrame(frame{Type: frameTypeUploadPrekeys, OneTimePrekeys: raw})
	return nil
}

// Close disconnects the current socket, if any. Run will observe the drop
// and either exit (ctx already canceled) or reconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}
