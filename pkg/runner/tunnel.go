package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// bufferedMessage is an outbound tunnel frame queued while the control
// socket is not ready. Flushed in insertion order on reconnect.
type bufferedMessage struct {
	key  protocol.RequestKey
	kind protocol.ToServerTunnelKind
}

// Tunnel multiplexes HTTP and WebSocket traffic over the control channel.
type Tunnel struct {
	r *Runner

	mu       sync.Mutex
	buffered []bufferedMessage
}

func newTunnel(r *Runner) *Tunnel {
	return &Tunnel{r: r}
}

// sendMessage routes an outbound frame through the request routing table.
// While disconnected the frame is buffered; unknown requests are dropped
// with a warning.
func (t *Tunnel) sendMessage(ctx context.Context, key protocol.RequestKey, kind protocol.ToServerTunnelKind) error {
	if !t.r.isReady() {
		t.mu.Lock()
		t.buffered = append(t.buffered, bufferedMessage{key: key, kind: kind})
		t.mu.Unlock()
		return nil
	}

	actorID, ok := t.r.lookupRequest(key)
	if !ok {
		slog.WarnContext(ctx, "dropping tunnel message for unknown request", "key", key.String(), "kind", kind.Type)
		return nil
	}
	actor := t.r.getActor(actorID)
	if actor == nil {
		slog.WarnContext(ctx, "dropping tunnel message for unloaded actor", "actor_id", actorID, "key", key.String())
		return nil
	}
	return t.sendMessageFor(ctx, actor, key, kind)
}

// sendMessageFor sends an outbound frame for a known actor, allocating the
// message index from the request's client counter.
func (t *Tunnel) sendMessageFor(ctx context.Context, actor *Actor, key protocol.RequestKey, kind protocol.ToServerTunnelKind) error {
	if !t.r.isReady() {
		t.mu.Lock()
		t.buffered = append(t.buffered, bufferedMessage{key: key, kind: kind})
		t.mu.Unlock()
		return nil
	}

	var index uint16
	if pending, ok := actor.pendingRequest(key); ok {
		index = pending.nextMessageIndex()
	} else {
		slog.WarnContext(ctx, "no pending request for outbound tunnel message, using index 0",
			"actor_id", actor.ID(), "key", key.String(), "kind", kind.Type)
	}

	id := protocol.MessageID{Key: key, Index: index}
	actor.recordTunnelMessage(id, time.Now())

	return t.r.sendControl(&protocol.ToServer{
		Type:          protocol.ToServerTypeTunnelMessage,
		TunnelMessage: &protocol.ToServerTunnelMessage{MessageID: id, Kind: kind},
	})
}

// sendRaw emits a frame for a request with no runner-side state (synthetic
// error responses, closes for unknown actors). Always index 0.
func (t *Tunnel) sendRaw(key protocol.RequestKey, kind protocol.ToServerTunnelKind) error {
	return t.r.sendControl(&protocol.ToServer{
		Type: protocol.ToServerTypeTunnelMessage,
		TunnelMessage: &protocol.ToServerTunnelMessage{
			MessageID: protocol.MessageID{Key: key},
			Kind:      kind,
		},
	})
}

// flushBuffered drains frames queued during disconnect, in insertion order.
func (t *Tunnel) flushBuffered(ctx context.Context) {
	t.mu.Lock()
	queued := t.buffered
	t.buffered = nil
	t.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	slog.InfoContext(ctx, "flushing buffered tunnel messages", "count", len(queued))
	for _, m := range queued {
		if err := t.sendMessage(ctx, m.key, m.kind); err != nil {
			slog.WarnContext(ctx, "failed to flush buffered tunnel message", "key", m.key.String(), "error", err)
		}
	}
}

// handleTunnelMessage dispatches one inbound tunnel frame. WebSocket
// messages are processed synchronously to preserve per-connection ordering;
// request starts install their routing state and then run on their own
// goroutines; WebSocket opens register and install their routing state on
// their own goroutines.
func (t *Tunnel) handleTunnelMessage(ctx context.Context, tm *protocol.ToClientTunnelMessage) {
	key := tm.MessageID.Key

	// Inbound traffic for a request acknowledges all frames sent for it
	// before this point.
	if actorID, ok := t.r.lookupRequest(key); ok {
		if actor := t.r.getActor(actorID); actor != nil {
			actor.ackTunnelMessages(key)
		}
	}

	switch tm.Kind.Type {
	case protocol.TunnelKindRequestStart:
		if tm.Kind.RequestStart != nil {
			t.handleRequestStart(ctx, key, tm.Kind.RequestStart)
		}
	case protocol.TunnelKindRequestChunk:
		if tm.Kind.RequestChunk != nil {
			t.handleRequestChunk(ctx, key, tm.Kind.RequestChunk)
		}
	case protocol.TunnelKindRequestAbort:
		t.handleRequestAbort(ctx, key)
	case protocol.TunnelKindWebSocketOpen:
		if tm.Kind.WebSocketOpen != nil {
			t.handleWebSocketOpen(ctx, key, tm.Kind.WebSocketOpen)
		}
	case protocol.TunnelKindWebSocketMsg:
		if tm.Kind.WebSocketMessage != nil {
			t.handleWebSocketMessage(ctx, key, tm.Kind.WebSocketMessage)
		}
	case protocol.TunnelKindWebSocketClose:
		t.handleWebSocketClose(ctx, key, tm.Kind.WebSocketClose)
	default:
		slog.ErrorContext(ctx, "unknown tunnel message kind", "kind", tm.Kind.Type)
	}
}

func (t *Tunnel) handleRequestStart(ctx context.Context, key protocol.RequestKey, rs *protocol.RequestStart) {
	actor := t.r.getActor(rs.ActorID)
	if actor == nil {
		slog.WarnContext(ctx, "request for unknown actor", "actor_id", rs.ActorID, "key", key.String())
		_ = t.sendRaw(key, protocol.ToServerTunnelKind{
			Type: protocol.TunnelKindResponseStart,
			ResponseStart: &protocol.ResponseStart{
				Status: http.StatusServiceUnavailable,
				Headers: map[string]string{
					protocol.ActorNotFoundErrorHeader: protocol.ActorNotFoundErrorValue,
				},
			},
		})
		return
	}

	// Routing state is installed before any suspension so chunk and abort
	// frames for this request cannot race past it.
	fetchCtx, cancel := context.WithCancel(ctx)
	pending := &pendingRequest{cancel: cancel}

	var body io.Reader
	if rs.Stream {
		pending.stream = newStreamBuffer()
		body = pending.stream
	} else if len(rs.Body) > 0 {
		body = bytes.NewReader(rs.Body)
	}

	t.r.mapRequest(key, actor.ID())
	actor.addPendingRequest(key, pending)

	go t.runFetch(fetchCtx, actor, key, pending, rs, body)
}

// runFetch waits for actor startup, runs the host fetch handler, and sends
// the response.
func (t *Tunnel) runFetch(ctx context.Context, actor *Actor, key protocol.RequestKey, pending *pendingRequest, rs *protocol.RequestStart, body io.Reader) {
	defer t.completeRequest(actor, key)

	if err := actor.waitStarted(ctx); err != nil {
		slog.WarnContext(ctx, "actor failed to start before request", "actor_id", actor.ID(), "error", err)
		t.sendResponseError(ctx, actor, key, http.StatusInternalServerError, "Actor failed to start")
		return
	}

	req, err := http.NewRequestWithContext(ctx, rs.Method, "http://localhost"+rs.Path, body)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build tunneled request", "actor_id", actor.ID(), "error", err)
		t.sendResponseError(ctx, actor, key, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	for k, v := range rs.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.r.handler.Fetch(ctx, actor.ID(), key.Gateway, key.Request, req)
	if err != nil {
		slog.ErrorContext(ctx, "fetch handler error", "actor_id", actor.ID(), "path", rs.Path, "error", err)
		t.sendResponseError(ctx, actor, key, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	respBody, err := readBounded(resp.Body)
	if err != nil {
		slog.ErrorContext(ctx, "response body rejected", "actor_id", actor.ID(), "path", rs.Path, "error", err)
		t.sendResponseError(ctx, actor, key, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	headers := make(map[string]string, len(resp.Header)+1)
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	if _, ok := headers["Content-Length"]; !ok {
		headers["Content-Length"] = strconv.Itoa(len(respBody))
	}

	if pending.hasFailed() {
		return
	}
	t.sendResponse(ctx, actor, key, &protocol.ResponseStart{
		Status:  uint16(resp.StatusCode),
		Headers: headers,
		Body:    respBody,
	})
}

// readBounded reads a response body enforcing the protocol body limit.
func readBounded(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, protocol.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > protocol.MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(data))
	}
	return data, nil
}

// sendResponse emits a ResponseStart, skipping it if the actor has been
// unloaded in the meantime.
func (t *Tunnel) sendResponse(ctx context.Context, actor *Actor, key protocol.RequestKey, rs *protocol.ResponseStart) {
	if !t.r.hasActor(actor.ID()) {
		slog.DebugContext(ctx, "skipping response for unloaded actor", "actor_id", actor.ID(), "key", key.String())
		return
	}
	err := t.sendMessageFor(ctx, actor, key, protocol.ToServerTunnelKind{
		Type:          protocol.TunnelKindResponseStart,
		ResponseStart: rs,
	})
	if err != nil {
		slog.DebugContext(ctx, "failed to send tunneled response", "actor_id", actor.ID(), "key", key.String(), "error", err)
	}
}

func (t *Tunnel) sendResponseError(ctx context.Context, actor *Actor, key protocol.RequestKey, status uint16, message string) {
	t.sendResponse(ctx, actor, key, &protocol.ResponseStart{
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain"},
		Body:    []byte(message),
	})
}

// completeRequest clears all runner-side state for a finished HTTP request.
func (t *Tunnel) completeRequest(actor *Actor, key protocol.RequestKey) {
	actor.removePendingRequest(key)
	actor.ackTunnelMessages(key)
	t.r.unmapRequest(key)
}

func (t *Tunnel) handleRequestChunk(ctx context.Context, key protocol.RequestKey, chunk *protocol.RequestChunk) {
	actor, pending := t.lookupPending(ctx, key)
	if pending == nil {
		return
	}

	pending.mu.Lock()
	stream := pending.stream
	pending.mu.Unlock()
	if stream == nil {
		slog.WarnContext(ctx, "request chunk for non-streaming request", "key", key.String())
		return
	}

	if len(chunk.Body) > 0 {
		if _, err := stream.Write(chunk.Body); err != nil {
			slog.DebugContext(ctx, "dropping request chunk", "key", key.String(), "error", err)
		}
	}
	if chunk.Finish {
		_ = stream.Close()
		actor.removePendingRequest(key)
		t.r.unmapRequest(key)
	}
}

func (t *Tunnel) handleRequestAbort(ctx context.Context, key protocol.RequestKey) {
	actor, pending := t.lookupPending(ctx, key)
	if pending == nil {
		return
	}

	pending.mu.Lock()
	stream := pending.stream
	pending.mu.Unlock()
	if stream != nil {
		_ = stream.CloseWithError(ErrRequestAborted)
	}
	actor.removePendingRequest(key)
	t.r.unmapRequest(key)
}

func (t *Tunnel) lookupPending(ctx context.Context, key protocol.RequestKey) (*Actor, *pendingRequest) {
	actorID, ok := t.r.lookupRequest(key)
	if !ok {
		slog.WarnContext(ctx, "tunnel frame for unknown request", "key", key.String())
		return nil, nil
	}
	actor := t.r.getActor(actorID)
	if actor == nil {
		slog.WarnContext(ctx, "tunnel frame for unloaded actor", "actor_id", actorID, "key", key.String())
		return nil, nil
	}
	pending, ok := actor.pendingRequest(key)
	if !ok {
		slog.WarnContext(ctx, "tunnel frame for request with no pending entry", "key", key.String())
		return actor, nil
	}
	return actor, pending
}

func (t *Tunnel) handleWebSocketOpen(ctx context.Context, key protocol.RequestKey, open *protocol.WebSocketOpen) {
	actor := t.r.getActor(open.ActorID)
	if actor == nil {
		slog.WarnContext(ctx, "websocket open for unknown actor", "actor_id", open.ActorID, "key", key.String())
		code := CloseInternalError
		_ = t.sendRaw(key, protocol.ToServerTunnelKind{
			Type:           protocol.TunnelKindServerWsClose,
			WebSocketClose: &protocol.ToServerWebSocketClose{Code: &code, Reason: "Actor not found"},
		})
		return
	}

	// The engine forwards no messages until our open ack, so finishing
	// registration on a goroutine cannot reorder deliveries.
	go t.openWebSocket(ctx, actor, key, open)
}

func (t *Tunnel) openWebSocket(ctx context.Context, actor *Actor, key protocol.RequestKey, open *protocol.WebSocketOpen) {
	if err := actor.waitStarted(ctx); err != nil {
		slog.WarnContext(ctx, "actor failed to start before websocket open", "actor_id", actor.ID(), "error", err)
		code := CloseInternalError
		_ = t.sendRaw(key, protocol.ToServerTunnelKind{
			Type:           protocol.TunnelKindServerWsClose,
			WebSocketClose: &protocol.ToServerWebSocketClose{Code: &code, Reason: "Actor not found"},
		})
		return
	}

	req, err := syntheticWebSocketRequest(ctx, open.Path, open.Headers)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build websocket request", "actor_id", actor.ID(), "error", err)
		return
	}

	canHibernate := t.r.handler.CanHibernate(ctx, actor.ID(), key.Gateway, key.Request, req)

	ws := newWebSocketAdapter(webSocketConfig{
		gatewayID:    key.Gateway,
		requestID:    key.Request,
		hibernatable: canHibernate,
		sendFn:       t.webSocketSendFn(key),
		closeFn:      t.webSocketCloseFn(actor, key),
	})

	if prev := actor.addWebSocket(key, ws); prev != nil {
		slog.WarnContext(ctx, "duplicate websocket open, closing previous", "actor_id", actor.ID(), "key", key.String())
		prev.closeWithoutCallback(CloseNormal, protocol.CloseReasonDuplicateOpen)
	}
	t.r.mapRequest(key, actor.ID())
	actor.addPendingRequest(key, &pendingRequest{isWebSocket: true})

	meta := WebSocketMeta{
		GatewayID:      key.Gateway,
		RequestID:      key.Request,
		Path:           open.Path,
		Headers:        open.Headers,
		IsHibernatable: canHibernate,
	}
	if err := t.r.handler.WebSocket(ctx, actor.ID(), ws, req, meta); err != nil {
		slog.ErrorContext(ctx, "websocket handler error", "actor_id", actor.ID(), "key", key.String(), "error", err)
		t.dropWebSocket(actor, key)
		code := CloseInternalError
		_ = t.sendRaw(key, protocol.ToServerTunnelKind{
			Type:           protocol.TunnelKindServerWsClose,
			WebSocketClose: &protocol.ToServerWebSocketClose{Code: &code, Reason: "Server Error"},
		})
		return
	}

	err = t.sendMessageFor(ctx, actor, key, protocol.ToServerTunnelKind{
		Type:          protocol.TunnelKindServerWsOpen,
		WebSocketOpen: &protocol.ToServerWebSocketOpen{CanHibernate: canHibernate},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to ack websocket open", "actor_id", actor.ID(), "key", key.String(), "error", err)
	}

	ws.handleOpen()
}

// webSocketSendFn builds the adapter's outbound message callback.
func (t *Tunnel) webSocketSendFn(key protocol.RequestKey) func(data []byte, binary bool) error {
	return func(data []byte, binary bool) error {
		return t.sendMessage(context.Background(), key, protocol.ToServerTunnelKind{
			Type:             protocol.TunnelKindServerWsMsg,
			WebSocketMessage: &protocol.ToServerWebSocketMessage{Data: data, Binary: binary},
		})
	}
}

// webSocketCloseFn builds the adapter's close callback: emits the close
// frame and clears the connection's runner-side state.
func (t *Tunnel) webSocketCloseFn(actor *Actor, key protocol.RequestKey) func(code int, reason string, hibernate bool) error {
	return func(code int, reason string, hibernate bool) error {
		err := t.sendMessageFor(context.Background(), actor, key, protocol.ToServerTunnelKind{
			Type:           protocol.TunnelKindServerWsClose,
			WebSocketClose: &protocol.ToServerWebSocketClose{Code: &code, Reason: reason, Hibernate: hibernate},
		})
		t.dropWebSocket(actor, key)
		return err
	}
}

// dropWebSocket clears registry state for a WebSocket without touching the
// adapter itself.
func (t *Tunnel) dropWebSocket(actor *Actor, key protocol.RequestKey) {
	actor.removeWebSocket(key)
	actor.removePendingRequest(key)
	actor.ackTunnelMessages(key)
	t.r.unmapRequest(key)
}

// handleWebSocketMessage delivers an inbound payload synchronously; any
// suspension here would reorder messages.
func (t *Tunnel) handleWebSocketMessage(ctx context.Context, key protocol.RequestKey, msg *protocol.WebSocketMessage) {
	actorID, ok := t.r.lookupRequest(key)
	if !ok {
		slog.WarnContext(ctx, "websocket message for unknown request", "key", key.String(), "index", msg.Index)
		return
	}
	actor := t.r.getActor(actorID)
	if actor == nil {
		slog.WarnContext(ctx, "websocket message for unloaded actor", "actor_id", actorID, "key", key.String())
		return
	}
	ws, ok := actor.webSocket(key)
	if !ok {
		slog.WarnContext(ctx, "websocket message with no adapter", "actor_id", actorID, "key", key.String(), "index", msg.Index)
		return
	}
	ws.handleMessage(ctx, msg.Data, msg.Index, msg.Binary)
}

func (t *Tunnel) handleWebSocketClose(ctx context.Context, key protocol.RequestKey, wc *protocol.WebSocketClose) {
	actorID, ok := t.r.lookupRequest(key)
	if !ok {
		slog.DebugContext(ctx, "websocket close for unknown request", "key", key.String())
		return
	}
	actor := t.r.getActor(actorID)
	if actor == nil {
		return
	}
	ws, ok := actor.webSocket(key)
	if !ok {
		return
	}

	code := CloseNormal
	if wc != nil && wc.Code != nil {
		code = *wc.Code
	}
	reason := ""
	if wc != nil {
		reason = wc.Reason
	}
	ws.handleClose(code, reason)
	t.dropWebSocket(actor, key)
}

// gc purges outbound frames unacknowledged past the ack timeout and fails
// their requests.
func (t *Tunnel) gc(ctx context.Context, now time.Time) {
	purged := 0
	for _, actor := range t.r.actorList() {
		for _, key := range actor.staleTunnelKeys(now, protocol.MessageAckTimeout) {
			purged++
			if pending, ok := actor.pendingRequest(key); ok && !pending.isWebSocket {
				pending.fail(ErrAckTimeout)
				actor.removePendingRequest(key)
				t.r.unmapRequest(key)
				continue
			}
			if ws, ok := actor.webSocket(key); ok {
				_ = ws.Close(CloseNormal, protocol.CloseReasonAckTimeout)
				continue
			}
			t.r.unmapRequest(key)
		}
	}
	if purged > 0 {
		slog.WarnContext(ctx, "purged unacknowledged tunnel messages", "requests", purged)
	}
}

// closeActiveRequests tears down an actor's live traffic on stop.
// Hibernatable WebSockets are left for the engine to retain.
func (t *Tunnel) closeActiveRequests(ctx context.Context, actor *Actor) {
	reqs, sockets := actor.snapshotRequests()

	for key, pending := range reqs {
		pending.fail(ErrActorStopped)
		actor.removePendingRequest(key)
		t.r.unmapRequest(key)
	}
	for _, ws := range sockets {
		if ws.IsHibernatable() {
			continue
		}
		_ = ws.Close(CloseNormal, protocol.CloseReasonActorStopped)
	}
}

// shutdown rejects all pending traffic across actors. Hibernatable
// WebSockets are left alone; the engine closes them with retry.
func (t *Tunnel) shutdown(ctx context.Context) {
	for _, actor := range t.r.actorList() {
		reqs, sockets := actor.snapshotRequests()
		for key, pending := range reqs {
			pending.fail(ErrRunnerShutdown)
			actor.removePendingRequest(key)
		}
		for _, ws := range sockets {
			if ws.IsHibernatable() {
				continue
			}
			_ = ws.Close(CloseNormal, protocol.CloseReasonTunnelShutdown)
		}
	}
	t.r.clearRequestMap()
}

// syntheticWebSocketRequest reconstructs the upgrade request handed to the
// host websocket handler.
func syntheticWebSocketRequest(ctx context.Context, path string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost"+path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	return req, nil
}
