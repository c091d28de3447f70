package dispatch

import "errors"

var (
	// ErrResponseTimeout fails a request whose response did not arrive within
	// the configured response timeout.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrPeerEvicted fails requests to a peer removed by the liveness sweep.
	ErrPeerEvicted = errors.New("destination evicted")
	// ErrNoPending is returned by Await for an unknown correlation id.
	ErrNoPending = errors.New("no pending request")
	// ErrNoHandler reports an inbound type without a registered handler.
	ErrNoHandler = errors.New("no handler registered")
	// ErrClosed fails requests still pending when the dispatcher closes.
	ErrClosed = errors.New("dispatcher closed")
	// ErrDiscarded lets a handler drop a message without it being acknowledged.
	ErrDiscarded = errors.New("message discarded")

	ErrMalformed    = errors.New("malformed message")
	ErrDuplicate    = errors.New("duplicate message")
	ErrLateResponse = errors.New("response for resolved request")
	ErrPanic        = errors.New("handler panicked")
)
