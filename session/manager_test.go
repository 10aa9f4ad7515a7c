package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	cryptocore "chai/services/crypto-core"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	device, err := cryptocore.GenerateIdentityKeypair()
	require.NoError(t, err)
	return NewManager(device)
}

// TestShouldInitiateIsConsistentAndAsymmetric checks the tie-break rule two
// peers use to decide who runs InitSession on simultaneous first contact:
// exactly one side says yes, and both sides agree on which one.
func TestShouldInitiateIsConsistentAndAsymmetric(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	aliceID := alice.PublicIdentity()
	bobID := bob.PublicIdentity()

	aliceInitiates := alice.ShouldInitiate(bobID)
	bobInitiates := bob.ShouldInitiate(aliceID)

	require.NotEqual(t, aliceInitiates, bobInitiates, "exactly one side should initiate")

	// Re-deriving from the same two identities must be deterministic.
	require.Equal(t, aliceInitiates, alice.ShouldInitiate(bobID))
	require.Equal(t, bobInitiates, bob.ShouldInitiate(aliceID))
}

// S1: Alice initiates against Bob's bundle, Bob accepts from the initial
// envelope, and the first message round-trips.
func TestInitAndReceiveSessionRoundTrip(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)

	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)
	require.True(t, alice.HasSession("bob"))

	require.False(t, bob.HasSession("alice"))
	plaintext, err := bob.Decrypt("alice", envelope)
	require.NoError(t, err)
	require.Empty(t, plaintext)
	require.True(t, bob.HasSession("alice"))
}

// S2: after the handshake, plaintext flows in both directions using regular
// (non-initial) envelopes.
func TestEncryptDecryptBothDirections(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)
	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envelope)
	require.NoError(t, err)

	msg1, err := alice.Encrypt("bob", []byte("hello bob"))
	require.NoError(t, err)
	got, err := bob.Decrypt("alice", msg1)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(got))

	msg2, err := bob.Encrypt("alice", []byte("hi alice"))
	require.NoError(t, err)
	got2, err := alice.Decrypt("bob", msg2)
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(got2))
}

// S3: out-of-order delivery within a chain is tolerated via the skipped-key
// cache.
func TestOutOfOrderDelivery(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)
	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envelope)
	require.NoError(t, err)

	var envs [][]byte
	for i := 0; i < 3; i++ {
		e, err := alice.Encrypt("bob", []byte("msg"))
		require.NoError(t, err)
		envs = append(envs, e)
	}

	_, err = bob.Decrypt("alice", envs[2])
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envs[0])
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envs[1])
	require.NoError(t, err)
}

// S4: encrypting to a peer with no established session fails with
// ErrNoSession.
func TestNoSessionErrors(t *testing.T) {
	alice := newTestManager(t)
	_, err := alice.Encrypt("ghost", []byte("hi"))
	require.ErrorIs(t, err, ErrNoSession)
}

// S5: a tampered ciphertext fails authentication without corrupting session
// state for subsequent messages.
func TestDecryptionFailureDoesNotPoisonSession(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)
	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envelope)
	require.NoError(t, err)

	good, err := alice.Encrypt("bob", []byte("first"))
	require.NoError(t, err)
	tampered := append([]byte(nil), good...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = bob.Decrypt("alice", tampered)
	require.Error(t, err)

	next, err := alice.Encrypt("bob", []byte("second"))
	require.NoError(t, err)
	got, err := bob.Decrypt("alice", next)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

// S5b: a tampered message that would have forced a DH ratchet turn on the
// receiving side must not leave that turn half-applied. Bob's first reply
// carries a brand new ratchet key, so Alice's Decrypt has to run the chain
// turn before it can even attempt the AEAD open; tampering with that very
// message must roll the turn back so a legitimate retransmit on the same
// chain still verifies.
func TestTamperedChainTurningMessageDoesNotPoisonSession(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)
	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envelope)
	require.NoError(t, err)

	reply, err := bob.Encrypt("alice", []byte("hi alice"))
	require.NoError(t, err)
	tampered := append([]byte(nil), reply...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = alice.Decrypt("bob", tampered)
	require.Error(t, err)

	got, err := alice.Decrypt("bob", reply)
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(got))
}

// S6: session export/import round-trips and the restored session continues
// encrypting/decrypting.
func TestSessionExportImportRoundTrip(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)
	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", envelope)
	require.NoError(t, err)

	exported, err := alice.ExportSession("bob")
	require.NoError(t, err)

	restored := newTestManager(t)
	err = restored.ImportSession("bob", exported)
	require.NoError(t, err)

	msg, err := restored.Encrypt("bob", []byte("restored"))
	require.NoError(t, err)
	got, err := bob.Decrypt("alice", msg)
	require.NoError(t, err)
	require.Equal(t, "restored", string(got))
}

func TestIdentityExportFromBytesRoundTrip(t *testing.T) {
	alice := newTestManager(t)
	blob, err := alice.ExportIdentity()
	require.NoError(t, err)

	restored, err := FromBytes(blob)
	require.NoError(t, err)
	require.Equal(t, alice.PublicIdentity(), restored.PublicIdentity())
}

func TestUnknownSignedPrekeyRejected(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	bundle, err := bob.GeneratePrekeyBundle(1)
	require.NoError(t, err)
	envelope, err := alice.InitSession("bob", bundle)
	require.NoError(t, err)

	// Rotate Bob's signed prekey after the bundle was issued; the stale
	// spk_id embedded in the envelope should now be rejected.
	require.NoError(t, bob.RotateSignedPrekey())

	_, err = bob.Decrypt("alice", envelope)
	require.Error(t, err)
}
