package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/scheduler"
)

type connState int

const (
	stateConnecting connState = iota
	stateReady
	stateClosed
)

const (
	dialHandshakeTimeout = 30 * time.Second
	reconnectInitial     = 1 * time.Second
	reconnectMax         = 30 * time.Second
	reconnectMultiplier  = 2
	reconnectJitter      = 0.25
	drainPollInterval    = 100 * time.Millisecond
	drainLogInterval     = 5 * time.Second
)

// Options configures a Runner.
type Options struct {
	// Endpoint is the engine base URL; http(s) schemes are converted to
	// ws(s) when dialing.
	Endpoint string

	Namespace string

	// RunnerName is reported in ToServerInit.
	RunnerName string

	// RunnerKey identifies this runner instance to the engine.
	RunnerKey string

	// Token, when set, is offered as a "rivet_token.<token>" subprotocol.
	Token string

	Version               string
	TotalSlots            uint32
	PrepopulateActorNames []string
	Metadata              map[string]string
}

// Runner owns the control WebSocket to the engine, the actor registry, and
// the tunnel. A Runner is created once per process; Start runs the
// connect/reconnect loop until Shutdown.
type Runner struct {
	opts    Options
	handler Handler
	tunnel  *Tunnel
	kv      *kvGateway

	mu             sync.Mutex
	actors         map[string]*Actor
	requestToActor map[protocol.RequestKey]string
	runnerID       string
	meta           protocol.RunnerMetadata
	state          connState
	conn           *websocket.Conn
	shuttingDown   bool
	runnerLostTimer *time.Timer
	backlogWarned  bool

	// writeMu serializes writes to the control socket: single writer.
	writeMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRunner builds a Runner for the given engine options and host handler.
func NewRunner(opts Options, handler Handler) (*Runner, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	r := &Runner{
		opts:           opts,
		handler:        handler,
		actors:         make(map[string]*Actor),
		requestToActor: make(map[protocol.RequestKey]string),
		stopCh:         make(chan struct{}),
	}
	r.tunnel = newTunnel(r)
	r.kv = newKVGateway(r)
	return r, nil
}

// Start opens the control socket and serves it, reconnecting with backoff
// until ctx is cancelled or Shutdown is called.
func (r *Runner) Start(ctx context.Context) error {
	sched := scheduler.NewJobScheduler(ctx, nil)
	for _, job := range r.maintenanceJobs() {
		if err := sched.RescheduleJob(ctx, job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name(), err)
		}
	}
	sched.Start()
	defer sched.Stop()
	defer r.cancelRunnerLost()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax
	bo.Multiplier = reconnectMultiplier
	bo.RandomizationFactor = reconnectJitter

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		default:
		}

		err := r.connectAndServe(ctx, bo)
		if r.isShuttingDown() {
			return nil
		}
		if err != nil {
			slog.WarnContext(ctx, "control channel disconnected", "error", err)
		}

		delay := bo.NextBackOff()
		slog.InfoContext(ctx, "reconnecting to engine", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials the engine and pumps inbound messages until the
// socket closes.
func (r *Runner) connectAndServe(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	connectURL, err := r.connectURL()
	if err != nil {
		return err
	}

	subprotocols := []string{protocol.WebSocketSubprotocol}
	if r.opts.Token != "" {
		subprotocols = append(subprotocols, protocol.TokenSubprotocolPrefix+r.opts.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialHandshakeTimeout,
		Subprotocols:     subprotocols,
	}

	slog.DebugContext(ctx, "dialing engine", "url", connectURL)
	conn, resp, err := dialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return fmt.Errorf("failed to connect to engine: %w, status: %d", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to engine: %w", err)
	}
	defer func() { _ = conn.Close() }()

	r.mu.Lock()
	r.conn = conn
	r.state = stateReady
	r.mu.Unlock()

	// Unblock the read loop when the lifecycle context ends. Shutdown keeps
	// the socket open itself so a graceful drain can still receive stop
	// commands.
	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		_ = conn.Close()
	}()

	bo.Reset()
	r.cancelRunnerLost()
	slog.InfoContext(ctx, "control channel connected", "url", connectURL)

	if err := r.sendInit(); err != nil {
		r.teardownConn(ctx, websocket.CloseAbnormalClosure, "")
		return fmt.Errorf("failed to send init: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			r.teardownConn(ctx, code, reason)
			if r.isShuttingDown() {
				return nil
			}
			return err
		}

		msg, err := protocol.DecodeToClient(data)
		if err != nil {
			slog.ErrorContext(ctx, "failed to decode engine message", "error", err)
			continue
		}
		r.dispatch(ctx, msg)
	}
}

// closeDetails extracts the close code and reason from a read error.
func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// teardownConn transitions out of READY and runs the disconnect protocol:
// eviction shuts the runner down, anything else arms the runner-lost timer
// and lets the caller reconnect.
func (r *Runner) teardownConn(ctx context.Context, code int, reasonText string) {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.state = stateConnecting
	shuttingDown := r.shuttingDown
	r.mu.Unlock()

	if shuttingDown {
		return
	}

	reason := protocol.ParseCloseReason(reasonText)
	if reason.IsEviction() {
		slog.WarnContext(ctx, "runner evicted by engine", "reason", reasonText)
		r.handler.OnDisconnected(ctx, code, reasonText)
		if err := r.Shutdown(ctx, true); err != nil {
			slog.ErrorContext(ctx, "shutdown after eviction failed", "error", err)
		}
		return
	}

	r.handler.OnDisconnected(ctx, code, reasonText)
	r.armRunnerLost(ctx)
}

// connectURL builds the engine connect URL with protocol version, namespace
// and runner key.
func (r *Runner) connectURL() (string, error) {
	endpoint := httpToWebSocketURL(strings.TrimRight(r.opts.Endpoint, "/"))
	u, err := url.Parse(endpoint + "/runners/connect")
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("protocol_version", strconv.Itoa(protocol.ProtocolVersion))
	q.Set("namespace", r.opts.Namespace)
	q.Set("runner_key", r.opts.RunnerKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpToWebSocketURL converts http(s) URLs to their ws(s) equivalents.
func httpToWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// sendInit announces the runner after the socket opens.
func (r *Runner) sendInit() error {
	return r.sendControl(&protocol.ToServer{
		Type: protocol.ToServerTypeInit,
		Init: &protocol.ToServerInit{
			Name:                  r.opts.RunnerName,
			Version:               r.opts.Version,
			TotalSlots:            r.opts.TotalSlots,
			PrepopulateActorNames: r.opts.PrepopulateActorNames,
			Metadata:              r.opts.Metadata,
		},
	})
}

// sendControl serializes and writes one control message. The control socket
// is a single-writer resource.
func (r *Runner) sendControl(msg *protocol.ToServer) error {
	r.mu.Lock()
	conn := r.conn
	ready := r.state == stateReady
	r.mu.Unlock()

	if !ready || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeToServer(msg)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// dispatch routes one inbound engine message.
func (r *Runner) dispatch(ctx context.Context, msg *protocol.ToClient) {
	switch msg.Type {
	case protocol.ToClientTypeInit:
		if msg.Init != nil {
			r.handleInit(ctx, msg.Init)
		}
	case protocol.ToClientTypeCommands:
		r.handleCommands(ctx, msg.Commands)
	case protocol.ToClientTypeAckEvents:
		if msg.AckEvents != nil {
			r.handleAckEvents(ctx, msg.AckEvents)
		}
	case protocol.ToClientTypeKvResponse:
		if msg.KvResponse != nil {
			r.kv.handleResponse(ctx, msg.KvResponse)
		}
	case protocol.ToClientTypeTunnelMessage:
		if msg.TunnelMessage != nil {
			r.tunnel.handleTunnelMessage(ctx, msg.TunnelMessage)
		}
	case protocol.ToClientTypePing:
		if msg.Ping != nil {
			if err := r.sendControl(&protocol.ToServer{
				Type: protocol.ToServerTypePong,
				Pong: &protocol.ToServerPong{Ts: msg.Ping.Ts},
			}); err != nil {
				slog.DebugContext(ctx, "failed to send pong", "error", err)
			}
		}
	default:
		// Unknown tags mean a protocol mismatch; this is a bug, not a
		// recoverable condition.
		slog.ErrorContext(ctx, "BUG: unknown engine message tag", "type", msg.Type)
	}
}

// handleInit processes the engine's init: resets actors if the runner id
// changed, then replays unsent KV requests, per-actor event history, and
// buffered tunnel messages, in that order.
func (r *Runner) handleInit(ctx context.Context, init *protocol.ToClientInit) {
	r.mu.Lock()
	reset := r.runnerID != "" && r.runnerID != init.RunnerID
	r.runnerID = init.RunnerID
	r.meta = init.Metadata
	r.mu.Unlock()

	slog.InfoContext(ctx, "received engine init",
		"runner_id", init.RunnerID,
		"runner_lost_threshold_ms", init.Metadata.RunnerLostThresholdMs,
		"reset", reset)

	if reset {
		slog.WarnContext(ctx, "runner id changed, stopping all actors")
		for _, actor := range r.actorList() {
			r.forceStopActor(ctx, actor.ID(), nil)
		}
	}

	r.kv.resendUnsent(ctx)

	for _, actor := range r.actorList() {
		backlog := actor.eventBacklog()
		if len(backlog) == 0 {
			continue
		}
		slog.DebugContext(ctx, "replaying event history", "actor_id", actor.ID(), "count", len(backlog))
		if err := r.sendControl(&protocol.ToServer{
			Type:   protocol.ToServerTypeEvents,
			Events: &protocol.ToServerEvents{Events: backlog},
		}); err != nil {
			slog.WarnContext(ctx, "failed to replay events", "actor_id", actor.ID(), "error", err)
		}
	}

	r.tunnel.flushBuffered(ctx)
	r.handler.OnConnected(ctx)
}

// handleAckEvents prunes acknowledged events per actor checkpoint.
func (r *Runner) handleAckEvents(ctx context.Context, ack *protocol.ToClientAckEvents) {
	for _, cp := range ack.LastEventCheckpoints {
		actor := r.getActor(cp.ActorID)
		if actor == nil {
			continue
		}
		actor.pruneEvents(cp.Index)
	}
	r.checkEventBacklog(ctx)
}

// emitEvent records an event in the actor's history and sends it if the
// socket is ready; unsent events replay on the next init.
func (r *Runner) emitEvent(ctx context.Context, actor *Actor, ev protocol.Event) {
	wrapper, _ := actor.recordEvent(ev)
	r.checkEventBacklog(ctx)

	if err := r.sendControl(&protocol.ToServer{
		Type:   protocol.ToServerTypeEvents,
		Events: &protocol.ToServerEvents{Events: []protocol.EventWrapper{wrapper}},
	}); err != nil {
		slog.DebugContext(ctx, "event buffered for replay", "actor_id", actor.ID(), "index", wrapper.Index, "error", err)
	}
}

// checkEventBacklog emits a latched warning when total pending events cross
// the backlog threshold and clears the latch when back below.
func (r *Runner) checkEventBacklog(ctx context.Context) {
	total := 0
	for _, actor := range r.actorList() {
		total += actor.eventBacklogLen()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if total > protocol.EventBacklogWarnThreshold && !r.backlogWarned {
		r.backlogWarned = true
		slog.WarnContext(ctx, "event backlog exceeded threshold", "pending", total, "threshold", protocol.EventBacklogWarnThreshold)
	} else if total <= protocol.EventBacklogWarnThreshold {
		r.backlogWarned = false
	}
}

// armRunnerLost starts the runner-lost deadline once per disconnection.
func (r *Runner) armRunnerLost(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown || r.runnerLostTimer != nil || r.meta.RunnerLostThresholdMs == 0 {
		return
	}
	threshold := time.Duration(r.meta.RunnerLostThresholdMs) * time.Millisecond
	slog.WarnContext(ctx, "arming runner-lost timer", "threshold", threshold)
	r.runnerLostTimer = time.AfterFunc(threshold, func() {
		r.onRunnerLost(context.WithoutCancel(ctx))
	})
}

func (r *Runner) cancelRunnerLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runnerLostTimer != nil {
		r.runnerLostTimer.Stop()
		r.runnerLostTimer = nil
	}
}

// onRunnerLost abandons all hosted work after the disconnection deadline.
func (r *Runner) onRunnerLost(ctx context.Context) {
	slog.ErrorContext(ctx, "runner lost: disconnection exceeded threshold, abandoning actors")
	r.kv.rejectAll(ErrRunnerLost)
	for _, actor := range r.actorList() {
		r.forceStopActor(ctx, actor.ID(), nil)
	}
}

// Shutdown stops the runner. Graceful shutdown announces ToServerStopping
// and waits for the engine to drain the actor map before closing the
// socket; immediate closes right away. Idempotent.
func (r *Runner) Shutdown(ctx context.Context, immediate bool) error {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		slog.InfoContext(ctx, "shutdown already in progress")
		return nil
	}
	r.shuttingDown = true
	ready := r.state == stateReady
	r.mu.Unlock()

	slog.InfoContext(ctx, "shutting down runner", "immediate", immediate)
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.cancelRunnerLost()
	r.kv.rejectAll(ErrRunnerShutdown)

	if ready {
		if immediate {
			r.closeControlSocket(ctx)
		} else {
			if err := r.sendControl(&protocol.ToServer{Type: protocol.ToServerTypeStopping}); err != nil {
				slog.WarnContext(ctx, "failed to announce stopping", "error", err)
			}
			r.drainActors(ctx)
			r.closeControlSocket(ctx)
		}
	}

	r.tunnel.shutdown(ctx)
	r.handler.OnShutdown(ctx)
	return nil
}

// drainActors waits for engine-issued stop commands to empty the actor map,
// bounded by the shutdown timeout.
func (r *Runner) drainActors(ctx context.Context) {
	deadline := time.Now().Add(protocol.ShutdownTimeout)
	lastLog := time.Now()

	for {
		count := r.actorCount()
		if count == 0 {
			slog.InfoContext(ctx, "actor drain complete")
			return
		}
		if !r.isReady() {
			slog.WarnContext(ctx, "control socket closed during drain", "remaining", count)
			return
		}
		if time.Now().After(deadline) {
			slog.WarnContext(ctx, "actor drain timed out", "remaining", count)
			return
		}
		if time.Since(lastLog) >= drainLogInterval {
			slog.InfoContext(ctx, "waiting for engine to stop actors", "remaining", count)
			lastLog = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
	}
}

// closeControlSocket sends a normal close frame with the runner-shutdown
// reason and closes the socket.
func (r *Runner) closeControlSocket(ctx context.Context) {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.state = stateClosed
	r.mu.Unlock()

	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, protocol.CloseReasonRunnerShutdown)
	r.writeMu.Lock()
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slog.DebugContext(ctx, "failed to write close frame", "error", err)
	}
	r.writeMu.Unlock()
	_ = conn.Close()
}

// KVRequest forwards an opaque KV payload for an actor and returns the
// engine's response.
func (r *Runner) KVRequest(ctx context.Context, actorID string, payload []byte) ([]byte, error) {
	return r.kv.request(ctx, actorID, payload)
}

// RunnerID returns the engine-assigned runner id, empty before init.
func (r *Runner) RunnerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runnerID
}

func (r *Runner) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateReady
}

func (r *Runner) isShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

func (r *Runner) getActor(actorID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors[actorID]
}

func (r *Runner) hasActor(actorID string) bool {
	return r.getActor(actorID) != nil
}

func (r *Runner) actorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

func (r *Runner) actorList() []*Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	return out
}

func (r *Runner) mapRequest(key protocol.RequestKey, actorID string) {
	r.mu.Lock()
	r.requestToActor[key] = actorID
	r.mu.Unlock()
}

func (r *Runner) unmapRequest(key protocol.RequestKey) {
	r.mu.Lock()
	delete(r.requestToActor, key)
	r.mu.Unlock()
}

func (r *Runner) lookupRequest(key protocol.RequestKey) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actorID, ok := r.requestToActor[key]
	return actorID, ok
}

func (r *Runner) clearRequestMap() {
	r.mu.Lock()
	r.requestToActor = make(map[protocol.RequestKey]string)
	r.mu.Unlock()
}

// unmapActorRequests removes every routing entry owned by an actor.
func (r *Runner) unmapActorRequests(actorID string) {
	r.mu.Lock()
	for key, owner := range r.requestToActor {
		if owner == actorID {
			delete(r.requestToActor, key)
		}
	}
	r.mu.Unlock()
}
