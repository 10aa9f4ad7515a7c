package client

import "errors"

var (
	// ErrNotConnected is returned by Send when the connection is not in the
	// Connected state. Pending sends are never queued; callers retry.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClosed is not returned by any Conn method: Close only closes the
	// current socket, and Run keeps reconnecting until its context ends.
	ErrClosed = errors.New("client: connection closed")
	// ErrNotFound is returned by a Store when the requested key has never
	// been written.
	ErrNotFound = errors.New("client: key not found in store")
)
