package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// HibernatingWebSocketMetadata is the host-persisted record of one
// hibernating WebSocket, written from the host's message handler and read
// back during actor start.
type HibernatingWebSocketMetadata struct {
	GatewayID          protocol.GatewayID `json:"gateway_id"`
	RequestID          protocol.RequestID `json:"request_id"`
	ClientMessageIndex uint16             `json:"client_message_index"`
	ServerMessageIndex uint16             `json:"server_message_index"`
	Path               string             `json:"path"`
	Headers            map[string]string  `json:"headers,omitempty"`
}

// Key returns the routing key for the persisted connection.
func (m HibernatingWebSocketMetadata) Key() protocol.RequestKey {
	return protocol.RequestKey{Gateway: m.GatewayID, Request: m.RequestID}
}

// RestoreHibernatingRequests reconciles the engine's view of an actor's
// hibernating WebSockets (from CommandStartActor) with the host's persisted
// metadata and rebinds event listeners without firing a second open event.
// Must be called exactly once per actor start, from OnActorStart.
func (r *Runner) RestoreHibernatingRequests(ctx context.Context, actorID string, metas []HibernatingWebSocketMetadata) error {
	actor := r.getActor(actorID)
	if actor == nil {
		return fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	if err := actor.markHibernationRestored(); err != nil {
		return fmt.Errorf("actor %s: %w", actorID, err)
	}

	engineKeys := actor.engineHibernatingKeys()
	engineSet := make(map[protocol.RequestKey]struct{}, len(engineKeys))
	for _, key := range engineKeys {
		engineSet[key] = struct{}{}
	}
	persisted := make(map[protocol.RequestKey]HibernatingWebSocketMetadata, len(metas))
	for _, meta := range metas {
		persisted[meta.Key()] = meta
	}

	var (
		wg   sync.WaitGroup
		errMu sync.Mutex
		errs []error
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, key := range engineKeys {
		key := key
		meta, havePersisted := persisted[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if havePersisted {
				if err := r.restoreWebSocket(ctx, actor, key, meta); err != nil {
					fail(err)
				}
			} else {
				// Engine holds a connection we have no metadata for;
				// tell it to drop the connection.
				slog.WarnContext(ctx, "no persisted metadata for hibernating websocket",
					"actor_id", actor.ID(), "key", key.String())
				code := CloseNormal
				_ = r.tunnel.sendRaw(key, protocol.ToServerTunnelKind{
					Type: protocol.TunnelKindServerWsClose,
					WebSocketClose: &protocol.ToServerWebSocketClose{
						Code:   &code,
						Reason: protocol.CloseReasonMetaNotFoundRestore,
					},
				})
				r.unmapRequest(key)
			}
		}()
	}

	for _, meta := range metas {
		if _, ok := engineSet[meta.Key()]; ok {
			continue
		}
		meta := meta
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.closeStaleWebSocket(ctx, actor, meta); err != nil {
				fail(err)
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}

// restoreWebSocket rebinds a connection present in both the engine list and
// persisted metadata: the adapter resumes OPEN at the persisted indices and
// the host websocket handler reattaches its listeners.
func (r *Runner) restoreWebSocket(ctx context.Context, actor *Actor, key protocol.RequestKey, meta HibernatingWebSocketMetadata) error {
	req, err := syntheticWebSocketRequest(ctx, meta.Path, meta.Headers)
	if err != nil {
		return fmt.Errorf("restore %s: %w", key.String(), err)
	}

	ws := newWebSocketAdapter(webSocketConfig{
		gatewayID:          key.Gateway,
		requestID:          key.Request,
		hibernatable:       true,
		restoring:          true,
		serverMessageIndex: meta.ServerMessageIndex,
		sendFn:             r.tunnel.webSocketSendFn(key),
		closeFn:            r.tunnel.webSocketCloseFn(actor, key),
	})

	if prev := actor.addWebSocket(key, ws); prev != nil {
		prev.closeWithoutCallback(CloseNormal, protocol.CloseReasonDuplicateOpen)
	}
	pending := &pendingRequest{isWebSocket: true}
	pending.setMessageIndex(meta.ClientMessageIndex)
	actor.addPendingRequest(key, pending)

	wsMeta := WebSocketMeta{
		GatewayID:      key.Gateway,
		RequestID:      key.Request,
		Path:           meta.Path,
		Headers:        meta.Headers,
		IsHibernatable: true,
		IsRestoring:    true,
	}
	if err := r.handler.WebSocket(ctx, actor.ID(), ws, req, wsMeta); err != nil {
		slog.ErrorContext(ctx, "websocket restore handler error",
			"actor_id", actor.ID(), "key", key.String(), "error", err)
		_ = ws.Close(CloseInternalError, protocol.CloseReasonRestoreError)
		return fmt.Errorf("restore %s: %w", key.String(), err)
	}
	return nil
}

// closeStaleWebSocket handles metadata for a connection the engine no
// longer holds: user listeners are attached, then the close event fires so
// the host can delete its persisted record. No tunnel frame is sent.
func (r *Runner) closeStaleWebSocket(ctx context.Context, actor *Actor, meta HibernatingWebSocketMetadata) error {
	key := meta.Key()
	req, err := syntheticWebSocketRequest(ctx, meta.Path, meta.Headers)
	if err != nil {
		return fmt.Errorf("stale %s: %w", key.String(), err)
	}

	ws := newWebSocketAdapter(webSocketConfig{
		gatewayID:           key.Gateway,
		requestID:           key.Request,
		hibernatable:        true,
		engineAlreadyClosed: true,
		serverMessageIndex:  meta.ServerMessageIndex,
	})

	wsMeta := WebSocketMeta{
		GatewayID:      key.Gateway,
		RequestID:      key.Request,
		Path:           meta.Path,
		Headers:        meta.Headers,
		IsHibernatable: true,
		IsRestoring:    true,
	}
	if err := r.handler.WebSocket(ctx, actor.ID(), ws, req, wsMeta); err != nil {
		slog.WarnContext(ctx, "websocket handler error for stale metadata",
			"actor_id", actor.ID(), "key", key.String(), "error", err)
	}
	return ws.Close(CloseNormal, protocol.CloseReasonStaleMetadata)
}

// WebSocketMessageIndices reports the current outbound (client) and last
// delivered inbound (server) message indices for a tunneled WebSocket, for
// hosts persisting hibernation metadata.
func (r *Runner) WebSocketMessageIndices(gatewayID protocol.GatewayID, requestID protocol.RequestID) (clientIdx, serverIdx uint16, err error) {
	key := protocol.RequestKey{Gateway: gatewayID, Request: requestID}
	actorID, ok := r.lookupRequest(key)
	if !ok {
		return 0, 0, fmt.Errorf("%w: no actor for request %s", ErrActorNotFound, key.String())
	}
	actor := r.getActor(actorID)
	if actor == nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	ws, ok := actor.webSocket(key)
	if !ok {
		return 0, 0, fmt.Errorf("no websocket for request %s", key.String())
	}
	if pending, ok := actor.pendingRequest(key); ok {
		pending.mu.Lock()
		clientIdx = pending.clientMessageIndex
		pending.mu.Unlock()
	}
	return clientIdx, ws.ServerMessageIndex(), nil
}

// SendHibernatableWebSocketMessageAck reports the highest persisted inbound
// message index for a hibernating WebSocket so the engine can drop its
// buffer up to and including index.
func (r *Runner) SendHibernatableWebSocketMessageAck(ctx context.Context, gatewayID protocol.GatewayID, requestID protocol.RequestID, index int) error {
	if index < 0 || index > 65535 {
		return fmt.Errorf("message index out of range: %d", index)
	}
	key := protocol.RequestKey{Gateway: gatewayID, Request: requestID}
	return r.tunnel.sendMessage(ctx, key, protocol.ToServerTunnelKind{
		Type:                protocol.TunnelKindServerWsMessageAck,
		WebSocketMessageAck: &protocol.WebSocketMessageAck{Index: uint16(index)},
	})
}
