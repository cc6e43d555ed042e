package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// kvResult settles one KV request.
type kvResult struct {
	payload []byte
	err     error
}

type kvPending struct {
	actorID string
	payload []byte
	ch      chan kvResult
	sent    bool
	ts      time.Time
}

// kvGateway forwards opaque KV requests to the engine and correlates
// responses by request id. Requests issued while disconnected are buffered
// unsent and flushed on the next init.
type kvGateway struct {
	r *Runner

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*kvPending
}

func newKVGateway(r *Runner) *kvGateway {
	return &kvGateway{r: r, pending: make(map[uint32]*kvPending)}
}

// request forwards a KV payload for an actor and blocks for the response.
func (kv *kvGateway) request(ctx context.Context, actorID string, payload []byte) ([]byte, error) {
	kv.mu.Lock()
	id := kv.nextID
	kv.nextID++
	p := &kvPending{
		actorID: actorID,
		payload: payload,
		ch:      make(chan kvResult, 1),
		ts:      time.Now(),
	}
	kv.pending[id] = p
	ready := kv.r.isReady()
	if ready {
		p.sent = true
	}
	kv.mu.Unlock()

	if ready {
		if err := kv.send(id, p); err != nil {
			slog.WarnContext(ctx, "failed to send kv request, leaving buffered", "request_id", id, "error", err)
			kv.mu.Lock()
			p.sent = false
			kv.mu.Unlock()
		}
	}

	select {
	case res := <-p.ch:
		return res.payload, res.err
	case <-ctx.Done():
		kv.mu.Lock()
		delete(kv.pending, id)
		kv.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (kv *kvGateway) send(id uint32, p *kvPending) error {
	return kv.r.sendControl(&protocol.ToServer{
		Type: protocol.ToServerTypeKvRequest,
		KvRequest: &protocol.ToServerKvRequest{
			RequestID: id,
			ActorID:   p.actorID,
			Payload:   p.payload,
		},
	})
}

// resendUnsent flushes requests buffered during disconnect. Called on init.
func (kv *kvGateway) resendUnsent(ctx context.Context) {
	kv.mu.Lock()
	type entry struct {
		id uint32
		p  *kvPending
	}
	var unsent []entry
	for id, p := range kv.pending {
		if !p.sent {
			p.sent = true
			unsent = append(unsent, entry{id: id, p: p})
		}
	}
	kv.mu.Unlock()

	for _, e := range unsent {
		if err := kv.send(e.id, e.p); err != nil {
			slog.WarnContext(ctx, "failed to resend kv request", "request_id", e.id, "error", err)
			kv.mu.Lock()
			e.p.sent = false
			kv.mu.Unlock()
		}
	}
}

// handleResponse settles the matching pending request; unknown ids are
// dropped.
func (kv *kvGateway) handleResponse(ctx context.Context, resp *protocol.ToClientKvResponse) {
	kv.mu.Lock()
	p, ok := kv.pending[resp.RequestID]
	if ok {
		delete(kv.pending, resp.RequestID)
	}
	kv.mu.Unlock()

	if !ok {
		slog.DebugContext(ctx, "dropping kv response for unknown request", "request_id", resp.RequestID)
		return
	}

	if resp.Error != nil {
		p.ch <- kvResult{err: fmt.Errorf("kv request failed: %s", resp.Error.Message)}
		return
	}
	p.ch <- kvResult{payload: resp.Payload}
}

// sweep rejects requests older than the enforced lifetime; this covers
// requests stuck during extended disconnection.
func (kv *kvGateway) sweep(ctx context.Context, now time.Time) {
	kv.mu.Lock()
	var expired []*kvPending
	for id, p := range kv.pending {
		if now.Sub(p.ts) > protocol.KVExpire {
			delete(kv.pending, id)
			expired = append(expired, p)
		}
	}
	kv.mu.Unlock()

	if len(expired) > 0 {
		slog.WarnContext(ctx, "expiring kv requests", "count", len(expired))
	}
	for _, p := range expired {
		p.ch <- kvResult{err: ErrKVTimeout}
	}
}

// rejectAll fails every pending request, used on shutdown and runner-lost.
func (kv *kvGateway) rejectAll(err error) {
	kv.mu.Lock()
	pending := kv.pending
	kv.pending = make(map[uint32]*kvPending)
	kv.mu.Unlock()

	for _, p := range pending {
		p.ch <- kvResult{err: err}
	}
}
