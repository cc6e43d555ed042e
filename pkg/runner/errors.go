// Package runner implements the runner side of the engine control protocol:
// a single reconnecting WebSocket to the engine, actor lifecycle commands,
// tunneled HTTP and WebSocket traffic, and hibernating-WebSocket restore.
package runner

import "errors"

var (
	// ErrRunnerShutdown is returned by tunnel and KV operations once the
	// runner is shutting down. Callers at request boundaries discard it.
	ErrRunnerShutdown = errors.New("runner is shutting down")

	// ErrRunnerLost is used to reject pending work when the runner-lost
	// deadline fires after an extended disconnect.
	ErrRunnerLost = errors.New("runner lost connection to engine")

	// ErrNotConnected is returned when a send requires a ready control
	// socket.
	ErrNotConnected = errors.New("control socket is not connected")

	// ErrActorNotFound is returned when a tunnel frame references an actor
	// this runner does not host.
	ErrActorNotFound = errors.New("actor not found")

	// ErrAckTimeout rejects a request whose outbound tunnel frames were
	// never acknowledged.
	ErrAckTimeout = errors.New("message acknowledgment timeout")

	// ErrActorStopped rejects requests torn down because their actor
	// stopped.
	ErrActorStopped = errors.New("actor stopped")

	// ErrRequestAborted errors a streamed request body after the engine
	// aborts the request.
	ErrRequestAborted = errors.New("request aborted")

	// ErrKVTimeout rejects KV requests that outlived their enforced
	// lifetime.
	ErrKVTimeout = errors.New("kv request timed out")

	// ErrInvalidState is returned by WebSocketAdapter.Send before the
	// connection is open.
	ErrInvalidState = errors.New("InvalidStateError: WebSocket is not open")

	// ErrBodyTooLarge is returned when a payload exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("body exceeds maximum size")

	// ErrAlreadyRestored rejects a second hibernation restore for the same
	// actor.
	ErrAlreadyRestored = errors.New("hibernating requests already restored")
)
