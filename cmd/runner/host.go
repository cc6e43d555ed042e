package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rivet-dev/runner-go/pkg/hwsstore"
	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/runner"
)

// echoHost is a reference Handler: HTTP requests are echoed back, WebSocket
// messages are echoed and treated as hibernatable with metadata persisted
// through an hwsstore.Store.
type echoHost struct {
	store hwsstore.Store

	mu sync.Mutex
	r  *runner.Runner
}

var _ runner.Handler = (*echoHost)(nil)

func newEchoHost(store hwsstore.Store) *echoHost {
	return &echoHost{store: store}
}

func (h *echoHost) setRunner(r *runner.Runner) {
	h.mu.Lock()
	h.r = r
	h.mu.Unlock()
}

func (h *echoHost) runner() *runner.Runner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.r
}

func (h *echoHost) Fetch(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = data
	}

	payload := fmt.Sprintf("%s %s", req.Method, req.URL.Path)
	if len(body) > 0 {
		payload += "\n" + string(body)
	}

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(payload))),
	}
	return resp, nil
}

func (h *echoHost) WebSocket(ctx context.Context, actorID string, ws *runner.WebSocketAdapter, req *http.Request, meta runner.WebSocketMeta) error {
	if meta.IsRestoring {
		slog.InfoContext(ctx, "restored websocket", "actor_id", actorID, "path", meta.Path)
	}

	ws.OnMessage(func(data []byte, binary bool) {
		if binary {
			if err := ws.Send(data); err != nil {
				slog.WarnContext(ctx, "echo send failed", "actor_id", actorID, "error", err)
			}
		} else {
			if err := ws.SendText(string(data)); err != nil {
				slog.WarnContext(ctx, "echo send failed", "actor_id", actorID, "error", err)
			}
		}
		if meta.IsHibernatable {
			h.persistAndAck(ctx, actorID, ws, meta)
		}
	})

	ws.OnClose(func(code int, reason string) {
		slog.InfoContext(ctx, "websocket closed", "actor_id", actorID, "code", code, "reason", reason)
		key := protocol.RequestKey{Gateway: meta.GatewayID, Request: meta.RequestID}
		if err := h.store.Delete(context.WithoutCancel(ctx), actorID, key); err != nil {
			slog.WarnContext(ctx, "failed to delete websocket metadata", "actor_id", actorID, "error", err)
		}
	})

	return nil
}

// persistAndAck saves the connection's indices and acknowledges the last
// delivered message so the engine can trim its buffer.
func (h *echoHost) persistAndAck(ctx context.Context, actorID string, ws *runner.WebSocketAdapter, meta runner.WebSocketMeta) {
	r := h.runner()
	if r == nil {
		return
	}

	clientIdx, serverIdx, err := r.WebSocketMessageIndices(meta.GatewayID, meta.RequestID)
	if err != nil {
		slog.WarnContext(ctx, "failed to read websocket indices", "actor_id", actorID, "error", err)
		return
	}

	err = h.store.Put(ctx, actorID, runner.HibernatingWebSocketMetadata{
		GatewayID:          meta.GatewayID,
		RequestID:          meta.RequestID,
		ClientMessageIndex: clientIdx,
		ServerMessageIndex: serverIdx,
		Path:               meta.Path,
		Headers:            meta.Headers,
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to persist websocket metadata", "actor_id", actorID, "error", err)
		return
	}

	if err := r.SendHibernatableWebSocketMessageAck(ctx, meta.GatewayID, meta.RequestID, int(serverIdx)); err != nil {
		slog.WarnContext(ctx, "failed to ack websocket message", "actor_id", actorID, "error", err)
	}
}

func (h *echoHost) CanHibernate(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) bool {
	return true
}

func (h *echoHost) OnActorStart(ctx context.Context, actorID string, generation uint32, config protocol.ActorConfig) error {
	slog.InfoContext(ctx, "starting actor", "actor_id", actorID, "generation", generation, "name", config.Name)

	r := h.runner()
	if r == nil {
		return fmt.Errorf("runner not attached")
	}

	metas, err := h.store.List(ctx, actorID)
	if err != nil {
		return fmt.Errorf("load hibernation metadata: %w", err)
	}
	return r.RestoreHibernatingRequests(ctx, actorID, metas)
}

func (h *echoHost) OnActorStop(ctx context.Context, actorID string, generation uint32) error {
	slog.InfoContext(ctx, "stopping actor", "actor_id", actorID, "generation", generation)
	return nil
}

func (h *echoHost) OnConnected(ctx context.Context) {
	slog.InfoContext(ctx, "connected to engine")
}

func (h *echoHost) OnDisconnected(ctx context.Context, code int, reason string) {
	slog.WarnContext(ctx, "disconnected from engine", "code", code, "reason", reason)
}

func (h *echoHost) OnShutdown(ctx context.Context) {
	slog.InfoContext(ctx, "runner shut down")
}
