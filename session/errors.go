package session

import "errors"

var (
	// ErrNoSession is returned by Encrypt/Decrypt when no session exists yet
	// for the given peer and the payload is not an initial envelope.
	ErrNoSession = errors.New("session: no session for peer")
	// ErrInvalidEnvelope is returned when envelope bytes fail to parse
	// against the wire format (truncated, length mismatch) or a snapshot
	// fails to decode; an unknown version byte is ErrUnsupportedVersion.
	ErrInvalidEnvelope = errors.New("session: invalid envelope")
	// ErrUnsupportedVersion is returned when an envelope names a version
	// byte this build does not understand.
	ErrUnsupportedVersion = errors.New("session: unsupported envelope version")
	// ErrUnknownPeer is not returned by any Manager method: ExportSession,
	// Encrypt and Decrypt report a missing session entry as ErrNoSession.
	ErrUnknownPeer = errors.New("session: unknown peer")
)
