// Package session owns the mapping from peer id to Double Ratchet session
// state, the bit-exact envelope wire format, and session/identity
// persistence. It has no network or storage dependencies of its own: callers
// hand it bytes and get bytes back.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	cryptocore "chai/services/crypto-core"
)

// peerSession serializes all crypto operations for one peer; a session is
// never shared across concurrent senders or receivers on one device.
type peerSession struct {
	mu    sync.Mutex
	state *cryptocore.SessionState
}

// Manager owns one device identity and its peer sessions.
type Manager struct {
	mu       sync.RWMutex
	device   *cryptocore.Device
	sessions map[string]*peerSession
}

// NewManager wraps a freshly generated or imported device identity.
func NewManager(device *cryptocore.Device) *Manager {
	return &Manager{
		device:   device,
		sessions: make(map[string]*peerSession),
	}
}

// HasSession reports whether a session already exists for peerID.
func (m *Manager) HasSession(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[peerID]
	return ok
}

// InitSession runs the X3DH initiator handshake against bundle and returns
// the initial envelope bytes the caller must send to peerID first.
func (m *Manager) InitSession(peerID string, bundle *cryptocore.PrekeyBundle) ([]byte, error) {
	state, handshake, err := m.device.InitSession(bundle)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[peerID] = &peerSession{state: state}
	m.mu.Unlock()

	ciphertext, header, err := cryptocore.Encrypt(state, nil)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(header, handshake, ciphertext), nil
}

// ReceiveSession runs the X3DH responder handshake from an initial envelope
// and creates the session; the envelope's own ratchet payload is consumed as
// the first Decrypt call on the new session.
func (m *Manager) ReceiveSession(peerID string, envelope []byte) error {
	decoded, err := decodeEnvelope(envelope)
	if err != nil {
		return err
	}
	if decoded.handshake == nil {
		return fmt.Errorf("%w: envelope carries no initial block", ErrInvalidEnvelope)
	}
	state, err := m.device.AcceptSession(decoded.handshake)
	if err != nil {
		return err
	}
	if _, err := cryptocore.Decrypt(state, decoded.ciphertext, &decoded.header); err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[peerID] = &peerSession{state: state}
	m.mu.Unlock()
	return nil
}

// Encrypt seals plaintext for an already-established session with peerID.
func (m *Manager) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	sess, err := m.lookup(peerID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	ciphertext, header, err := cryptocore.Encrypt(sess.state, plaintext)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(header, nil, ciphertext), nil
}

// Decrypt opens an envelope for peerID, transparently accepting a new
// session if the envelope carries an initial block and none exists yet.
func (m *Manager) Decrypt(peerID string, envelope []byte) ([]byte, error) {
	decoded, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	if decoded.handshake != nil && !m.HasSession(peerID) {
		state, err := m.device.AcceptSession(decoded.handshake)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[peerID] = &peerSession{state: state}
		m.mu.Unlock()
	}

	sess, err := m.lookup(peerID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return cryptocore.Decrypt(sess.state, decoded.ciphertext, &decoded.header)
}

func (m *Manager) lookup(peerID string) (*peerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[peerID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// sessionEnvelope versions the exported session blob so a future format
// change can be detected before attempting to unmarshal the body.
type sessionEnvelope struct {
	Version byte                              `json:"version"`
	State   *cryptocore.SessionStateSnapshot `json:"state"`
}

const sessionSnapshotVersion byte = 0x01

// ExportSession serializes the full state for peerID: root key, chain keys,
// skipped cache, counters, and DH keys. The blob is versioned with a
// one-byte tag.
func (m *Manager) ExportSession(peerID string) ([]byte, error) {
	sess, err := m.lookup(peerID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	snap, err := cryptocore.ExportSession(sess.state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionEnvelope{Version: sessionSnapshotVersion, State: snap})
}

// ImportSession restores a session for peerID from bytes produced by
// ExportSession.
func (m *Manager) ImportSession(peerID string, data []byte) error {
	var env sessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != sessionSnapshotVersion {
		return ErrUnsupportedVersion
	}
	state, err := cryptocore.ImportSession(env.State)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[peerID] = &peerSession{state: state}
	m.mu.Unlock()
	return nil
}

// identityEnvelope versions the exported identity blob the same way
// ExportSession versions a session blob.
type identityEnvelope struct {
	Version byte                     `json:"version"`
	Device  *cryptocore.DeviceState `json:"device"`
}

const identitySnapshotVersion byte = 0x01

// ExportIdentity serializes the device's private identity. The result is
// never transmitted off-device unless wrapped by the vault package.
func (m *Manager) ExportIdentity() ([]byte, error) {
	state, err := m.device.Export()
	if err != nil {
		return nil, err
	}
	return json.Marshal(identityEnvelope{Version: identitySnapshotVersion, Device: state})
}

// FromBytes reconstructs a Manager from a blob produced by ExportIdentity.
// The returned manager has no peer sessions; callers restore those
// separately via ImportSession.
func FromBytes(data []byte) (*Manager, error) {
	var env identityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != identitySnapshotVersion {
		return nil, ErrUnsupportedVersion
	}
	device, err := cryptocore.ImportDevice(env.Device)
	if err != nil {
		return nil, err
	}
	return NewManager(device), nil
}

// GeneratePrekeyBundle publishes a fresh signed prekey bundle carrying
// oneTimeCount one-time prekeys.
func (m *Manager) GeneratePrekeyBundle(oneTimeCount int) (*cryptocore.PrekeyBundle, error) {
	return m.device.PublishPrekeyBundle(oneTimeCount)
}

// RotateSignedPrekey replaces the device's signed prekey. Any handshake
// already built against the previous bundle will be rejected once it
// arrives, since its spk_id no longer matches.
func (m *Manager) RotateSignedPrekey() error {
	return m.device.RotateSignedPrekey()
}

// GenerateOneTimePrekeys mints n fresh one-time prekeys and returns their
// public material without rotating the signed prekey.
func (m *Manager) GenerateOneTimePrekeys(n int) ([]cryptocore.OneTimePrekey, error) {
	bundle, err := m.device.PublishPrekeyBundle(n)
	if err != nil {
		return nil, err
	}
	return bundle.OneTimePrekeys, nil
}

// PublicIdentity returns the device's static public DH key.
func (m *Manager) PublicIdentity() [32]byte {
	dh, _ := m.device.IdentityPublic()
	return dh
}

// ShouldInitiate resolves which side runs InitSession when two devices reach
// out to each other before either has heard from the other: the side whose
// identity_pub sorts lexically higher initiates, the other side waits for
// the incoming handshake instead. Ties (impossible for two distinct keys)
// are not defined.
func (m *Manager) ShouldInitiate(peerIdentityPub [32]byte) bool {
	own := m.PublicIdentity()
	return bytes.Compare(own[:], peerIdentityPub[:]) > 0
}
