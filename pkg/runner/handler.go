package runner

import (
	"context"
	"net/http"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// WebSocketMeta describes a tunneled WebSocket handed to the host.
type WebSocketMeta struct {
	GatewayID protocol.GatewayID
	RequestID protocol.RequestID
	Path      string
	Headers   map[string]string

	// IsHibernatable reports whether the connection may survive actor
	// hibernation.
	IsHibernatable bool

	// IsRestoring is set when the connection is being rebound after an
	// actor restart; no open event fires in that case.
	IsRestoring bool
}

// Handler is the host callback surface. The runner invokes it for tunneled
// traffic and lifecycle transitions; implementations run user actor code.
type Handler interface {
	// Fetch serves a tunneled HTTP request for an actor and returns the
	// response, RoundTripper style. The response body is read fully and is
	// bounded by protocol.MaxBodySize.
	Fetch(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) (*http.Response, error)

	// WebSocket is invoked once per tunneled WebSocket, fresh or restoring,
	// before any message is delivered. Implementations register their
	// event callbacks on ws here.
	WebSocket(ctx context.Context, actorID string, ws *WebSocketAdapter, req *http.Request, meta WebSocketMeta) error

	// CanHibernate decides whether a new WebSocket may survive actor
	// hibernation.
	CanHibernate(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) bool

	// OnActorStart boots user actor code. It must call
	// Runner.RestoreHibernatingRequests for the actor before returning.
	OnActorStart(ctx context.Context, actorID string, generation uint32, config protocol.ActorConfig) error

	// OnActorStop tears down user actor code.
	OnActorStop(ctx context.Context, actorID string, generation uint32) error

	// OnConnected fires after the control channel completes init.
	OnConnected(ctx context.Context)

	// OnDisconnected fires when the control channel drops outside of
	// shutdown.
	OnDisconnected(ctx context.Context, code int, reason string)

	// OnShutdown fires once at the end of runner shutdown.
	OnShutdown(ctx context.Context)
}

// HandlerFuncs adapts optional funcs to the Handler interface. Nil funcs
// fall back to inert defaults; nil Fetch answers 404.
type HandlerFuncs struct {
	FetchFunc          func(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) (*http.Response, error)
	WebSocketFunc      func(ctx context.Context, actorID string, ws *WebSocketAdapter, req *http.Request, meta WebSocketMeta) error
	CanHibernateFunc   func(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) bool
	OnActorStartFunc   func(ctx context.Context, actorID string, generation uint32, config protocol.ActorConfig) error
	OnActorStopFunc    func(ctx context.Context, actorID string, generation uint32) error
	OnConnectedFunc    func(ctx context.Context)
	OnDisconnectedFunc func(ctx context.Context, code int, reason string)
	OnShutdownFunc     func(ctx context.Context)
}

var _ Handler = (*HandlerFuncs)(nil)

func (h *HandlerFuncs) Fetch(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) (*http.Response, error) {
	if h.FetchFunc == nil {
		return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return h.FetchFunc(ctx, actorID, gatewayID, requestID, req)
}

func (h *HandlerFuncs) WebSocket(ctx context.Context, actorID string, ws *WebSocketAdapter, req *http.Request, meta WebSocketMeta) error {
	if h.WebSocketFunc == nil {
		return nil
	}
	return h.WebSocketFunc(ctx, actorID, ws, req, meta)
}

func (h *HandlerFuncs) CanHibernate(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) bool {
	if h.CanHibernateFunc == nil {
		return false
	}
	return h.CanHibernateFunc(ctx, actorID, gatewayID, requestID, req)
}

func (h *HandlerFuncs) OnActorStart(ctx context.Context, actorID string, generation uint32, config protocol.ActorConfig) error {
	if h.OnActorStartFunc == nil {
		return nil
	}
	return h.OnActorStartFunc(ctx, actorID, generation, config)
}

func (h *HandlerFuncs) OnActorStop(ctx context.Context, actorID string, generation uint32) error {
	if h.OnActorStopFunc == nil {
		return nil
	}
	return h.OnActorStopFunc(ctx, actorID, generation)
}

func (h *HandlerFuncs) OnConnected(ctx context.Context) {
	if h.OnConnectedFunc != nil {
		h.OnConnectedFunc(ctx)
	}
}

func (h *HandlerFuncs) OnDisconnected(ctx context.Context, code int, reason string) {
	if h.OnDisconnectedFunc != nil {
		h.OnDisconnectedFunc(ctx, code, reason)
	}
}

func (h *HandlerFuncs) OnShutdown(ctx context.Context) {
	if h.OnShutdownFunc != nil {
		h.OnShutdownFunc(ctx)
	}
}
