package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// ReadyState mirrors the standard WebSocket ready states.
type ReadyState int

const (
	StateConnecting ReadyState = 0
	StateOpen       ReadyState = 1
	StateClosing    ReadyState = 2
	StateClosed     ReadyState = 3
)

// CloseNormal and friends are the close codes this package emits.
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseInternalError = 1011
)

// WebSocketAdapter is the virtual WebSocket presented to actor code. It
// bridges user callbacks (open/message/close/error) and outbound sends to
// the tunnel, and validates the wrapping u16 message index of every inbound
// message, hibernatable connection or not.
type WebSocketAdapter struct {
	gatewayID protocol.GatewayID
	requestID protocol.RequestID

	hibernatable        bool
	restoring           bool
	engineAlreadyClosed bool

	// sendFn emits an outbound message frame; closeFn emits a close frame.
	// Nil closeFn (engineAlreadyClosed) skips the tunnel entirely.
	sendFn  func(data []byte, binary bool) error
	closeFn func(code int, reason string, hibernate bool) error

	mu    sync.Mutex
	state ReadyState

	// serverMessageIndex is the index of the last delivered inbound
	// message; meaningful only once received is set.
	serverMessageIndex uint16
	received           bool

	onOpen    func()
	onMessage func(data []byte, binary bool)
	onClose   func(code int, reason string)
	onError   func(err error)
}

type webSocketConfig struct {
	gatewayID           protocol.GatewayID
	requestID           protocol.RequestID
	hibernatable        bool
	restoring           bool
	engineAlreadyClosed bool
	serverMessageIndex  uint16
	sendFn              func(data []byte, binary bool) error
	closeFn             func(code int, reason string, hibernate bool) error
}

func newWebSocketAdapter(cfg webSocketConfig) *WebSocketAdapter {
	ws := &WebSocketAdapter{
		gatewayID:           cfg.gatewayID,
		requestID:           cfg.requestID,
		hibernatable:        cfg.hibernatable,
		restoring:           cfg.restoring,
		engineAlreadyClosed: cfg.engineAlreadyClosed,
		sendFn:              cfg.sendFn,
		closeFn:             cfg.closeFn,
		state:               StateConnecting,
	}
	if cfg.restoring || cfg.engineAlreadyClosed {
		// Restored connections resume OPEN without firing an open event.
		ws.state = StateOpen
		ws.serverMessageIndex = cfg.serverMessageIndex
		ws.received = true
	}
	return ws
}

// GatewayID returns the gateway half of the routing key.
func (ws *WebSocketAdapter) GatewayID() protocol.GatewayID { return ws.gatewayID }

// RequestID returns the request half of the routing key.
func (ws *WebSocketAdapter) RequestID() protocol.RequestID { return ws.requestID }

// IsHibernatable reports whether this connection survives actor hibernation.
func (ws *WebSocketAdapter) IsHibernatable() bool { return ws.hibernatable }

// ReadyState returns the current connection state.
func (ws *WebSocketAdapter) ReadyState() ReadyState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// ServerMessageIndex returns the index of the last delivered inbound
// message, for host-side persistence.
func (ws *WebSocketAdapter) ServerMessageIndex() uint16 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.serverMessageIndex
}

// OnOpen registers the open callback.
func (ws *WebSocketAdapter) OnOpen(fn func()) {
	ws.mu.Lock()
	ws.onOpen = fn
	ws.mu.Unlock()
}

// OnMessage registers the message callback.
func (ws *WebSocketAdapter) OnMessage(fn func(data []byte, binary bool)) {
	ws.mu.Lock()
	ws.onMessage = fn
	ws.mu.Unlock()
}

// OnClose registers the close callback.
func (ws *WebSocketAdapter) OnClose(fn func(code int, reason string)) {
	ws.mu.Lock()
	ws.onClose = fn
	ws.mu.Unlock()
}

// OnError registers the error callback.
func (ws *WebSocketAdapter) OnError(fn func(err error)) {
	ws.mu.Lock()
	ws.onError = fn
	ws.mu.Unlock()
}

// Send transmits a binary message to the engine.
func (ws *WebSocketAdapter) Send(data []byte) error {
	return ws.send(data, true)
}

// SendText transmits a text message to the engine.
func (ws *WebSocketAdapter) SendText(data string) error {
	return ws.send([]byte(data), false)
}

func (ws *WebSocketAdapter) send(data []byte, binary bool) error {
	ws.mu.Lock()
	state := ws.state
	sendFn := ws.sendFn
	ws.mu.Unlock()

	switch {
	case state == StateConnecting:
		return ErrInvalidState
	case state >= StateClosing:
		// Matches browser semantics: sends after close are dropped.
		slog.Debug("dropping send on closed websocket",
			"gateway_id", ws.gatewayID, "request_id", ws.requestID)
		return nil
	}

	if len(data) > protocol.MaxBodySize {
		return ErrBodyTooLarge
	}
	if sendFn == nil {
		return nil
	}
	return sendFn(data, binary)
}

// Close closes the connection from the actor side, emitting a close frame
// to the engine and dispatching the close event to user code.
func (ws *WebSocketAdapter) Close(code int, reason string) error {
	return ws.closeInternal(code, reason, false, true)
}

// closeWithoutCallback tears down without emitting a tunnel frame, used when
// the engine is known to have closed the connection already.
func (ws *WebSocketAdapter) closeWithoutCallback(code int, reason string) {
	_ = ws.closeInternal(code, reason, false, false)
}

func (ws *WebSocketAdapter) closeInternal(code int, reason string, hibernate, emitFrame bool) error {
	ws.mu.Lock()
	if ws.state >= StateClosing {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateClosing
	closeFn := ws.closeFn
	ws.mu.Unlock()

	var err error
	if emitFrame && closeFn != nil && !ws.engineAlreadyClosed {
		err = closeFn(code, reason, hibernate)
	}

	ws.mu.Lock()
	ws.state = StateClosed
	onClose := ws.onClose
	ws.mu.Unlock()

	if onClose != nil {
		onClose(code, reason)
	}
	return err
}

// handleOpen transitions CONNECTING to OPEN and dispatches the open event.
func (ws *WebSocketAdapter) handleOpen() {
	ws.mu.Lock()
	if ws.state != StateConnecting {
		ws.mu.Unlock()
		return
	}
	ws.state = StateOpen
	onOpen := ws.onOpen
	ws.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
}

// handleMessage validates the inbound message index and dispatches the
// message event. Must be called in engine-emission order.
func (ws *WebSocketAdapter) handleMessage(ctx context.Context, data []byte, index uint16, binary bool) {
	ws.mu.Lock()
	if ws.state != StateOpen {
		ws.mu.Unlock()
		slog.WarnContext(ctx, "dropping message for websocket that is not open",
			"gateway_id", ws.gatewayID, "request_id", ws.requestID, "state", ws.state)
		return
	}

	expected := uint16(0)
	if ws.received {
		if protocol.WrappingLE(index, ws.serverMessageIndex) {
			ws.mu.Unlock()
			slog.InfoContext(ctx, "dropping duplicate websocket message",
				"gateway_id", ws.gatewayID, "request_id", ws.requestID,
				"index", index, "last_delivered", ws.serverMessageIndex)
			return
		}
		expected = protocol.WrappingAdd(ws.serverMessageIndex, 1)
	}

	if index != expected {
		gap := protocol.WrappingDistance(expected, index)
		ws.mu.Unlock()
		slog.ErrorContext(ctx, "websocket message index skip",
			"gateway_id", ws.gatewayID, "request_id", ws.requestID,
			"expected", expected, "received", index, "gap", gap)
		_ = ws.Close(ClosePolicy, protocol.CloseReasonMessageIndexSkip)
		return
	}

	ws.serverMessageIndex = index
	ws.received = true
	onMessage := ws.onMessage
	ws.mu.Unlock()

	if onMessage != nil {
		onMessage(data, binary)
	}
}

// handleClose processes an engine-initiated close: no frame is echoed back.
func (ws *WebSocketAdapter) handleClose(code int, reason string) {
	_ = ws.closeInternal(code, reason, false, false)
}

// dispatchError forwards an internal error to the user error callback.
func (ws *WebSocketAdapter) dispatchError(err error) {
	ws.mu.Lock()
	onError := ws.onError
	ws.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}
