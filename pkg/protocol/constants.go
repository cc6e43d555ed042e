package protocol

import "time"

// ProtocolVersion is the control-channel protocol version this runner speaks.
const ProtocolVersion = 5

// WebSocketSubprotocol is the base subprotocol offered when dialing the
// engine. A configured token is offered as an additional
// "rivet_token.<token>" subprotocol.
const (
	WebSocketSubprotocol      = "rivet"
	TokenSubprotocolPrefix    = "rivet_token."
	ActorNotFoundErrorHeader  = "x-rivet-error"
	ActorNotFoundErrorValue   = "runner.actor_not_found"
)

// Protocol-wide limits and intervals.
const (
	// MaxBodySize bounds HTTP response bodies and WebSocket payloads.
	MaxBodySize = 20 * 1024 * 1024

	// MessageAckTimeout is how long an outbound tunnel frame may stay
	// unacknowledged before its request is failed.
	MessageAckTimeout = 5 * time.Second

	// GCInterval is the sweep period for unacknowledged tunnel frames.
	GCInterval = 60 * time.Second

	// KVExpire is the enforced lifetime of a pending KV request.
	KVExpire = 30 * time.Second

	// KVSweepInterval is the sweep period for expired KV requests.
	KVSweepInterval = 15 * time.Second

	// EventBacklogWarnThreshold is the pending-event count above which a
	// latched warning is emitted.
	EventBacklogWarnThreshold = 10_000

	// CommandAckInterval is how often processed-command checkpoints are
	// reported to the engine.
	CommandAckInterval = 5 * time.Minute

	// ShutdownTimeout caps the graceful drain of the actor map.
	ShutdownTimeout = 120 * time.Second
)

// Well-known close reasons.
const (
	CloseReasonRunnerShutdown      = "pegboard.runner_shutdown"
	CloseReasonDuplicateWebSocket  = "duplicate_websocket"
	CloseReasonEviction            = "ws.eviction"
	CloseReasonTunnelShutdown      = "ws.tunnel_shutdown"
	CloseReasonDuplicateOpen       = "ws.duplicate_open"
	CloseReasonAckTimeout          = "ws.ack_timeout"
	CloseReasonMessageIndexSkip    = "ws.message_index_skip"
	CloseReasonMetaNotFoundRestore = "ws.meta_not_found_during_restore"
	CloseReasonStaleMetadata       = "ws.stale_metadata"
	CloseReasonRestoreError        = "ws.restore_error"
	CloseReasonActorStopped        = "actor.stopped"
)
