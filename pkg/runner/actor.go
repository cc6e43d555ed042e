package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

// noCommandIdx is the sentinel for an actor that has processed no command.
const noCommandIdx = int64(-1)

// pendingTunnelMessage tracks an outbound tunnel frame awaiting engine ack.
type pendingTunnelMessage struct {
	sentAt time.Time
	key    protocol.RequestKey
}

// pendingRequest tracks one in-flight tunneled request (HTTP request or
// WebSocket) for index allocation and teardown.
type pendingRequest struct {
	mu sync.Mutex

	// clientMessageIndex labels the next outbound tunnel frame for this
	// request. Post-incremented on allocation, wrapping at 2^16.
	clientMessageIndex uint16

	isWebSocket bool

	// stream receives the request body for streaming HTTP requests.
	stream *streamBuffer

	// cancel aborts the in-flight fetch when the request is failed.
	cancel context.CancelFunc

	failed  bool
	failErr error
}

// nextMessageIndex allocates the outbound message index for this request.
func (p *pendingRequest) nextMessageIndex() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.clientMessageIndex
	p.clientMessageIndex = protocol.WrappingAdd(idx, 1)
	return idx
}

// setMessageIndex seeds the index counter, used during hibernation restore.
func (p *pendingRequest) setMessageIndex(idx uint16) {
	p.mu.Lock()
	p.clientMessageIndex = idx
	p.mu.Unlock()
}

// fail marks the request failed, errors its body stream, and cancels the
// fetch. Idempotent.
func (p *pendingRequest) fail(err error) {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.failErr = err
	stream := p.stream
	cancel := p.cancel
	p.mu.Unlock()

	if stream != nil {
		stream.CloseWithError(err)
	}
	if cancel != nil {
		cancel()
	}
}

func (p *pendingRequest) hasFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Actor is the runner-side record of one hosted actor generation.
type Actor struct {
	id         string
	generation uint32
	config     protocol.ActorConfig

	mu                    sync.Mutex
	pendingRequests       map[protocol.RequestKey]*pendingRequest
	webSockets            map[protocol.RequestKey]*WebSocketAdapter
	pendingTunnelMessages map[protocol.MessageID]pendingTunnelMessage
	eventHistory          []protocol.EventWrapper
	nextEventIdx          uint64
	lastCommandIdx        int64
	hibernatingRequests   []protocol.RequestKey
	hibernationRestored   bool

	startDone chan struct{}
	startErr  error
	startOnce sync.Once
}

func newActor(id string, generation uint32, config protocol.ActorConfig, hibernating []protocol.HibernatingRequest) *Actor {
	keys := make([]protocol.RequestKey, 0, len(hibernating))
	for _, h := range hibernating {
		keys = append(keys, h.Key())
	}
	return &Actor{
		id:                    id,
		generation:            generation,
		config:                config,
		pendingRequests:       make(map[protocol.RequestKey]*pendingRequest),
		webSockets:            make(map[protocol.RequestKey]*WebSocketAdapter),
		pendingTunnelMessages: make(map[protocol.MessageID]pendingTunnelMessage),
		lastCommandIdx:        noCommandIdx,
		hibernatingRequests:   keys,
		startDone:             make(chan struct{}),
	}
}

// ID returns the stable actor identity.
func (a *Actor) ID() string { return a.id }

// Generation returns the engine-assigned generation of this instance.
func (a *Actor) Generation() uint32 { return a.generation }

// Config returns the immutable start configuration.
func (a *Actor) Config() protocol.ActorConfig { return a.config }

// resolveStart settles the one-shot startup signal.
func (a *Actor) resolveStart(err error) {
	a.startOnce.Do(func() {
		a.startErr = err
		close(a.startDone)
	})
}

// waitStarted blocks until startup settles or ctx is done, returning the
// startup error if it failed.
func (a *Actor) waitStarted(ctx context.Context) error {
	select {
	case <-a.startDone:
		return a.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) addPendingRequest(key protocol.RequestKey, p *pendingRequest) {
	a.mu.Lock()
	a.pendingRequests[key] = p
	a.mu.Unlock()
}

func (a *Actor) pendingRequest(key protocol.RequestKey) (*pendingRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pendingRequests[key]
	return p, ok
}

func (a *Actor) removePendingRequest(key protocol.RequestKey) {
	a.mu.Lock()
	delete(a.pendingRequests, key)
	a.mu.Unlock()
}

func (a *Actor) addWebSocket(key protocol.RequestKey, ws *WebSocketAdapter) (prev *WebSocketAdapter) {
	a.mu.Lock()
	prev = a.webSockets[key]
	a.webSockets[key] = ws
	a.mu.Unlock()
	return prev
}

func (a *Actor) webSocket(key protocol.RequestKey) (*WebSocketAdapter, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ws, ok := a.webSockets[key]
	return ws, ok
}

func (a *Actor) removeWebSocket(key protocol.RequestKey) {
	a.mu.Lock()
	delete(a.webSockets, key)
	a.mu.Unlock()
}

// recordTunnelMessage remembers an outbound frame until the engine
// acknowledges traffic for its request.
func (a *Actor) recordTunnelMessage(id protocol.MessageID, now time.Time) {
	a.mu.Lock()
	a.pendingTunnelMessages[id] = pendingTunnelMessage{sentAt: now, key: id.Key}
	a.mu.Unlock()
}

// ackTunnelMessages drops pending frames for a request key; inbound traffic
// for the key implies the engine processed everything sent before it.
func (a *Actor) ackTunnelMessages(key protocol.RequestKey) {
	a.mu.Lock()
	for id, p := range a.pendingTunnelMessages {
		if p.key == key {
			delete(a.pendingTunnelMessages, id)
		}
	}
	a.mu.Unlock()
}

// staleTunnelKeys returns the distinct request keys with frames older than
// timeout and removes those frames.
func (a *Actor) staleTunnelKeys(now time.Time, timeout time.Duration) []protocol.RequestKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[protocol.RequestKey]struct{})
	var keys []protocol.RequestKey
	for id, p := range a.pendingTunnelMessages {
		if now.Sub(p.sentAt) <= timeout {
			continue
		}
		delete(a.pendingTunnelMessages, id)
		if _, ok := seen[p.key]; !ok {
			seen[p.key] = struct{}{}
			keys = append(keys, p.key)
		}
	}
	return keys
}

// recordEvent assigns the next event index and appends to history. Returns
// the wrapped event and the new history length.
func (a *Actor) recordEvent(ev protocol.Event) (protocol.EventWrapper, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	wrapper := protocol.EventWrapper{
		ActorID:    a.id,
		Generation: a.generation,
		Index:      a.nextEventIdx,
		Event:      ev,
	}
	a.nextEventIdx++
	a.eventHistory = append(a.eventHistory, wrapper)
	return wrapper, len(a.eventHistory)
}

// pruneEvents drops events with index <= checkpoint.
func (a *Actor) pruneEvents(checkpoint uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keep := a.eventHistory[:0]
	for _, ev := range a.eventHistory {
		if ev.Index > checkpoint {
			keep = append(keep, ev)
		}
	}
	a.eventHistory = keep
}

// eventBacklog returns a copy of the unacknowledged event history.
func (a *Actor) eventBacklog() []protocol.EventWrapper {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.EventWrapper, len(a.eventHistory))
	copy(out, a.eventHistory)
	return out
}

func (a *Actor) eventBacklogLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.eventHistory)
}

func (a *Actor) commandIdx() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCommandIdx
}

func (a *Actor) setCommandIdx(idx uint64) {
	a.mu.Lock()
	if int64(idx) > a.lastCommandIdx {
		a.lastCommandIdx = int64(idx)
	}
	a.mu.Unlock()
}

// snapshotRequests returns the current pending requests and WebSockets for
// teardown sweeps.
func (a *Actor) snapshotRequests() (map[protocol.RequestKey]*pendingRequest, map[protocol.RequestKey]*WebSocketAdapter) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reqs := make(map[protocol.RequestKey]*pendingRequest, len(a.pendingRequests))
	for k, v := range a.pendingRequests {
		if !v.isWebSocket {
			reqs[k] = v
		}
	}
	sockets := make(map[protocol.RequestKey]*WebSocketAdapter, len(a.webSockets))
	for k, v := range a.webSockets {
		sockets[k] = v
	}
	return reqs, sockets
}

func (a *Actor) markHibernationRestored() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hibernationRestored {
		return ErrAlreadyRestored
	}
	a.hibernationRestored = true
	return nil
}

func (a *Actor) engineHibernatingKeys() []protocol.RequestKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.RequestKey, len(a.hibernatingRequests))
	copy(out, a.hibernatingRequests)
	return out
}
