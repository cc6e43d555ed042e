package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

const testTimeout = 5 * time.Second

// fakeEngine is an in-process engine: it accepts runner connections and
// exposes each as a scriptable session.
type fakeEngine struct {
	t        *testing.T
	server   *httptest.Server
	sessions chan *engineSession
}

type engineSession struct {
	t       *testing.T
	conn    *websocket.Conn
	inbound chan *protocol.ToServer
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{t: t, sessions: make(chan *engineSession, 4)}

	upgrader := websocket.Upgrader{Subprotocols: []string{protocol.WebSocketSubprotocol}}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := &engineSession{t: t, conn: conn, inbound: make(chan *protocol.ToServer, 64)}
		go s.readLoop()
		e.sessions <- s
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *fakeEngine) url() string { return e.server.URL }

func (e *fakeEngine) nextSession() *engineSession {
	e.t.Helper()
	select {
	case s := <-e.sessions:
		return s
	case <-time.After(testTimeout):
		e.t.Fatal("timed out waiting for runner connection")
		return nil
	}
}

func (s *engineSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			close(s.inbound)
			return
		}
		msg, err := protocol.DecodeToServer(data)
		if err != nil {
			continue
		}
		s.inbound <- msg
	}
}

func (s *engineSession) send(msg *protocol.ToClient) {
	s.t.Helper()
	data, err := protocol.EncodeToClient(msg)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, data))
}

func (s *engineSession) sendInit(runnerID string) {
	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeInit,
		Init: &protocol.ToClientInit{
			RunnerID: runnerID,
			Metadata: protocol.RunnerMetadata{RunnerLostThresholdMs: 30_000},
		},
	})
}

func (s *engineSession) startActor(actorID string, generation uint32, index uint64, hibernating ...protocol.HibernatingRequest) {
	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeCommands,
		Commands: []protocol.CommandWrapper{{
			ActorID:    actorID,
			Generation: generation,
			Index:      index,
			Type:       protocol.CommandTypeStartActor,
			StartActor: &protocol.CommandStartActor{
				Config:              protocol.ActorConfig{Name: "test-actor", CreateTs: 1},
				HibernatingRequests: hibernating,
			},
		}},
	})
}

func (s *engineSession) stopActor(actorID string, generation uint32, index uint64) {
	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeCommands,
		Commands: []protocol.CommandWrapper{{
			ActorID:    actorID,
			Generation: generation,
			Index:      index,
			Type:       protocol.CommandTypeStopActor,
		}},
	})
}

func (s *engineSession) sendTunnel(key protocol.RequestKey, index uint16, kind protocol.ToClientTunnelKind) {
	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeTunnelMessage,
		TunnelMessage: &protocol.ToClientTunnelMessage{
			MessageID: protocol.MessageID{Key: key, Index: index},
			Kind:      kind,
		},
	})
}

// expect reads inbound messages until one matches the wanted type,
// discarding others.
func (s *engineSession) expect(typ protocol.ToServerType) *protocol.ToServer {
	s.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case msg, ok := <-s.inbound:
			if !ok {
				s.t.Fatalf("connection closed while waiting for %s", typ)
				return nil
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

// expectTunnel reads until a tunnel frame of the wanted kind arrives.
func (s *engineSession) expectTunnel(kind protocol.ToServerTunnelKindType) *protocol.ToServerTunnelMessage {
	s.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case msg, ok := <-s.inbound:
			if !ok {
				s.t.Fatalf("connection closed while waiting for tunnel %s", kind)
				return nil
			}
			if msg.Type == protocol.ToServerTypeTunnelMessage && msg.TunnelMessage != nil && msg.TunnelMessage.Kind.Type == kind {
				return msg.TunnelMessage
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for tunnel %s", kind)
			return nil
		}
	}
}

// startTestRunner runs a Runner against the fake engine for the duration of
// the test.
func startTestRunner(t *testing.T, e *fakeEngine, handler Handler) *Runner {
	t.Helper()
	r, err := NewRunner(Options{
		Endpoint:   e.url(),
		Namespace:  "test",
		RunnerName: "test-runner",
		RunnerKey:  "key-1",
		Version:    "0.0.0-test",
		TotalSlots: 10,
	}, handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Log("runner did not stop in time")
		}
	})
	return r
}

func TestRunner_InitHandshake(t *testing.T) {
	e := newFakeEngine(t)

	connected := make(chan struct{}, 1)
	handler := &HandlerFuncs{
		OnConnectedFunc: func(ctx context.Context) { connected <- struct{}{} },
	}
	r := startTestRunner(t, e, handler)

	s := e.nextSession()
	init := s.expect(protocol.ToServerTypeInit)
	require.NotNil(t, init.Init)
	assert.Equal(t, "test-runner", init.Init.Name)
	assert.Equal(t, uint32(10), init.Init.TotalSlots)

	s.sendInit("runner-abc")

	select {
	case <-connected:
	case <-time.After(testTimeout):
		t.Fatal("OnConnected was not invoked")
	}
	assert.Eventually(t, func() bool { return r.RunnerID() == "runner-abc" }, testTimeout, 10*time.Millisecond)
}

func TestRunner_PingPong(t *testing.T) {
	e := newFakeEngine(t)
	startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")

	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypePing,
		Ping: &protocol.ToClientPing{Ts: 42},
	})

	pong := s.expect(protocol.ToServerTypePong)
	require.NotNil(t, pong.Pong)
	assert.Equal(t, int64(42), pong.Pong.Ts)
}

func TestRunner_HTTPHappyPath(t *testing.T) {
	e := newFakeEngine(t)

	handler := &HandlerFuncs{
		FetchFunc: func(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) (*http.Response, error) {
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Equal(t, "/x", req.URL.Path)
			rec := httptest.NewRecorder()
			rec.Header().Set("Content-Type", "text/plain")
			rec.WriteHeader(http.StatusOK)
			_, _ = rec.WriteString("ok")
			return rec.Result(), nil
		},
	}
	r := startTestRunner(t, e, handler)

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 0, 0)

	events := s.expect(protocol.ToServerTypeEvents)
	require.NotNil(t, events.Events)
	require.Len(t, events.Events.Events, 1)
	ev := events.Events.Events[0]
	assert.Equal(t, uint64(0), ev.Index)
	require.NotNil(t, ev.Event.State)
	assert.Equal(t, protocol.ActorStateTypeRunning, ev.Event.State.Type)

	key := testKey(0x10)
	s.sendTunnel(key, 0, protocol.ToClientTunnelKind{
		Type: protocol.TunnelKindRequestStart,
		RequestStart: &protocol.RequestStart{
			ActorID: "actor-a",
			Method:  http.MethodGet,
			Path:    "/x",
		},
	})

	resp := s.expectTunnel(protocol.TunnelKindResponseStart)
	require.NotNil(t, resp.Kind.ResponseStart)
	assert.Equal(t, uint16(http.StatusOK), resp.Kind.ResponseStart.Status)
	assert.Equal(t, "ok", string(resp.Kind.ResponseStart.Body))
	assert.Equal(t, "text/plain", resp.Kind.ResponseStart.Headers["Content-Type"])
	assert.Equal(t, "2", resp.Kind.ResponseStart.Headers["Content-Length"])

	// Completed requests leave no residual routing entry.
	assert.Eventually(t, func() bool {
		_, ok := r.lookupRequest(key)
		return !ok
	}, testTimeout, 10*time.Millisecond)
}

func TestRunner_RequestForUnknownActorAnswers503(t *testing.T) {
	e := newFakeEngine(t)
	startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")

	s.sendTunnel(testKey(0x20), 0, protocol.ToClientTunnelKind{
		Type: protocol.TunnelKindRequestStart,
		RequestStart: &protocol.RequestStart{
			ActorID: "missing-actor",
			Method:  http.MethodGet,
			Path:    "/",
		},
	})

	resp := s.expectTunnel(protocol.TunnelKindResponseStart)
	require.NotNil(t, resp.Kind.ResponseStart)
	assert.Equal(t, uint16(http.StatusServiceUnavailable), resp.Kind.ResponseStart.Status)
	assert.Equal(t, protocol.ActorNotFoundErrorValue, resp.Kind.ResponseStart.Headers[protocol.ActorNotFoundErrorHeader])
}

func TestRunner_StreamingRequestBody(t *testing.T) {
	e := newFakeEngine(t)

	bodyCh := make(chan string, 1)
	handler := &HandlerFuncs{
		FetchFunc: func(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) (*http.Response, error) {
			data := make([]byte, 0, 64)
			buf := make([]byte, 16)
			for {
				n, err := req.Body.Read(buf)
				data = append(data, buf[:n]...)
				if err != nil {
					break
				}
			}
			bodyCh <- string(data)
			rec := httptest.NewRecorder()
			rec.WriteHeader(http.StatusNoContent)
			return rec.Result(), nil
		},
	}
	startTestRunner(t, e, handler)

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 0, 0)
	s.expect(protocol.ToServerTypeEvents)

	key := testKey(0x30)
	s.sendTunnel(key, 0, protocol.ToClientTunnelKind{
		Type: protocol.TunnelKindRequestStart,
		RequestStart: &protocol.RequestStart{
			ActorID: "actor-a",
			Method:  http.MethodPost,
			Path:    "/upload",
			Stream:  true,
		},
	})
	s.sendTunnel(key, 1, protocol.ToClientTunnelKind{
		Type:         protocol.TunnelKindRequestChunk,
		RequestChunk: &protocol.RequestChunk{Body: []byte("part1 ")},
	})
	s.sendTunnel(key, 2, protocol.ToClientTunnelKind{
		Type:         protocol.TunnelKindRequestChunk,
		RequestChunk: &protocol.RequestChunk{Body: []byte("part2"), Finish: true},
	})

	select {
	case body := <-bodyCh:
		assert.Equal(t, "part1 part2", body)
	case <-time.After(testTimeout):
		t.Fatal("handler never finished reading the streamed body")
	}

	resp := s.expectTunnel(protocol.TunnelKindResponseStart)
	assert.Equal(t, uint16(http.StatusNoContent), resp.Kind.ResponseStart.Status)
}

func TestRunner_WebSocketEchoAndAck(t *testing.T) {
	e := newFakeEngine(t)

	handler := &HandlerFuncs{
		CanHibernateFunc: func(ctx context.Context, actorID string, gatewayID protocol.GatewayID, requestID protocol.RequestID, req *http.Request) bool {
			return true
		},
		WebSocketFunc: func(ctx context.Context, actorID string, ws *WebSocketAdapter, req *http.Request, meta WebSocketMeta) error {
			ws.OnMessage(func(data []byte, binary bool) {
				_ = ws.SendText(string(data))
			})
			return nil
		},
	}
	r := startTestRunner(t, e, handler)

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 0, 0)
	s.expect(protocol.ToServerTypeEvents)

	key := testKey(0x40)
	s.sendTunnel(key, 0, protocol.ToClientTunnelKind{
		Type:          protocol.TunnelKindWebSocketOpen,
		WebSocketOpen: &protocol.WebSocketOpen{ActorID: "actor-a", Path: "/ws"},
	})

	open := s.expectTunnel(protocol.TunnelKindServerWsOpen)
	require.NotNil(t, open.Kind.WebSocketOpen)
	assert.True(t, open.Kind.WebSocketOpen.CanHibernate)

	for i, payload := range []string{"one", "two", "three"} {
		s.sendTunnel(key, uint16(i+1), protocol.ToClientTunnelKind{
			Type:             protocol.TunnelKindWebSocketMsg,
			WebSocketMessage: &protocol.WebSocketMessage{Data: []byte(payload), Index: uint16(i)},
		})
		echo := s.expectTunnel(protocol.TunnelKindServerWsMsg)
		require.NotNil(t, echo.Kind.WebSocketMessage)
		assert.Equal(t, payload, string(echo.Kind.WebSocketMessage.Data))
	}

	require.NoError(t, r.SendHibernatableWebSocketMessageAck(context.Background(), key.Gateway, key.Request, 2))
	ack := s.expectTunnel(protocol.TunnelKindServerWsMessageAck)
	require.NotNil(t, ack.Kind.WebSocketMessageAck)
	assert.Equal(t, uint16(2), ack.Kind.WebSocketMessageAck.Index)
}

func TestRunner_WebSocketIndexSkipCloses(t *testing.T) {
	e := newFakeEngine(t)

	handler := &HandlerFuncs{
		WebSocketFunc: func(ctx context.Context, actorID string, ws *WebSocketAdapter, req *http.Request, meta WebSocketMeta) error {
			return nil
		},
	}
	startTestRunner(t, e, handler)

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 0, 0)
	s.expect(protocol.ToServerTypeEvents)

	key := testKey(0x50)
	s.sendTunnel(key, 0, protocol.ToClientTunnelKind{
		Type:          protocol.TunnelKindWebSocketOpen,
		WebSocketOpen: &protocol.WebSocketOpen{ActorID: "actor-a", Path: "/ws"},
	})
	s.expectTunnel(protocol.TunnelKindServerWsOpen)

	s.sendTunnel(key, 1, protocol.ToClientTunnelKind{
		Type:             protocol.TunnelKindWebSocketMsg,
		WebSocketMessage: &protocol.WebSocketMessage{Data: []byte("a"), Index: 0},
	})
	// Skip index 1.
	s.sendTunnel(key, 2, protocol.ToClientTunnelKind{
		Type:             protocol.TunnelKindWebSocketMsg,
		WebSocketMessage: &protocol.WebSocketMessage{Data: []byte("c"), Index: 2},
	})

	closeFrame := s.expectTunnel(protocol.TunnelKindServerWsClose)
	require.NotNil(t, closeFrame.Kind.WebSocketClose)
	require.NotNil(t, closeFrame.Kind.WebSocketClose.Code)
	assert.Equal(t, ClosePolicy, *closeFrame.Kind.WebSocketClose.Code)
	assert.Equal(t, protocol.CloseReasonMessageIndexSkip, closeFrame.Kind.WebSocketClose.Reason)
}

func TestRunner_StopActorCommand(t *testing.T) {
	e := newFakeEngine(t)

	var stopped atomic.Int32
	handler := &HandlerFuncs{
		OnActorStopFunc: func(ctx context.Context, actorID string, generation uint32) error {
			stopped.Add(1)
			return nil
		},
	}
	r := startTestRunner(t, e, handler)

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 3, 0)
	s.expect(protocol.ToServerTypeEvents)

	s.stopActor("actor-a", 3, 1)

	stoppedEv := s.expect(protocol.ToServerTypeEvents)
	require.Len(t, stoppedEv.Events.Events, 1)
	state := stoppedEv.Events.Events[0].Event.State
	require.NotNil(t, state)
	assert.Equal(t, protocol.ActorStateTypeStopped, state.Type)
	assert.Equal(t, protocol.StopCodeOk, state.Code)

	assert.Eventually(t, func() bool { return r.actorCount() == 0 }, testTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRunner_StaleGenerationStopIsDropped(t *testing.T) {
	e := newFakeEngine(t)
	r := startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 5, 0)
	s.expect(protocol.ToServerTypeEvents)

	// Stop for an older generation must not remove the actor.
	s.stopActor("actor-a", 4, 1)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, r.actorCount())
}

func TestRunner_KVRoundTrip(t *testing.T) {
	e := newFakeEngine(t)
	r := startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")

	type kvOut struct {
		payload []byte
		err     error
	}
	resultCh := make(chan kvOut, 1)
	go func() {
		payload, err := r.KVRequest(context.Background(), "actor-a", []byte("get foo"))
		resultCh <- kvOut{payload: payload, err: err}
	}()

	req := s.expect(protocol.ToServerTypeKvRequest)
	require.NotNil(t, req.KvRequest)
	assert.Equal(t, "actor-a", req.KvRequest.ActorID)
	assert.Equal(t, []byte("get foo"), req.KvRequest.Payload)

	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeKvResponse,
		KvResponse: &protocol.ToClientKvResponse{
			RequestID: req.KvRequest.RequestID,
			Payload:   []byte("bar"),
		},
	})

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, []byte("bar"), res.payload)
	case <-time.After(testTimeout):
		t.Fatal("kv request never resolved")
	}
}

func TestRunner_KVErrorResponse(t *testing.T) {
	e := newFakeEngine(t)
	r := startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.KVRequest(context.Background(), "actor-a", []byte("get foo"))
		errCh <- err
	}()

	req := s.expect(protocol.ToServerTypeKvRequest)
	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeKvResponse,
		KvResponse: &protocol.ToClientKvResponse{
			RequestID: req.KvRequest.RequestID,
			Error:     &protocol.KvError{Message: "key not found"},
		},
	})

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key not found")
	case <-time.After(testTimeout):
		t.Fatal("kv request never resolved")
	}
}

func TestRunner_EventReplayOnReconnect(t *testing.T) {
	e := newFakeEngine(t)

	var connects atomic.Int32
	handler := &HandlerFuncs{
		OnConnectedFunc: func(ctx context.Context) { connects.Add(1) },
	}
	startTestRunner(t, e, handler)

	s1 := e.nextSession()
	s1.expect(protocol.ToServerTypeInit)
	s1.sendInit("runner-abc")
	s1.startActor("actor-a", 0, 0)
	s1.expect(protocol.ToServerTypeEvents)

	// Drop the control socket without acking the event.
	_ = s1.conn.Close()

	s2 := e.nextSession()
	s2.expect(protocol.ToServerTypeInit)
	s2.sendInit("runner-abc")

	replay := s2.expect(protocol.ToServerTypeEvents)
	require.NotNil(t, replay.Events)
	require.Len(t, replay.Events.Events, 1)
	assert.Equal(t, uint64(0), replay.Events.Events[0].Index)
	assert.Equal(t, "actor-a", replay.Events.Events[0].ActorID)

	assert.Eventually(t, func() bool { return connects.Load() == 2 }, testTimeout, 10*time.Millisecond)
}

func TestRunner_EventAckPrunesHistory(t *testing.T) {
	e := newFakeEngine(t)
	r := startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 0, 0)
	s.expect(protocol.ToServerTypeEvents)

	s.send(&protocol.ToClient{
		Type: protocol.ToClientTypeAckEvents,
		AckEvents: &protocol.ToClientAckEvents{
			LastEventCheckpoints: []protocol.EventCheckpoint{{ActorID: "actor-a", Index: 0}},
		},
	})

	assert.Eventually(t, func() bool {
		actor := r.getActor("actor-a")
		return actor != nil && actor.eventBacklogLen() == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestRunner_BufferedMessagesFlushOnReconnect(t *testing.T) {
	e := newFakeEngine(t)

	wsCh := make(chan *WebSocketAdapter, 1)
	handler := &HandlerFuncs{
		WebSocketFunc: func(ctx context.Context, actorID string, ws *WebSocketAdapter, req *http.Request, meta WebSocketMeta) error {
			wsCh <- ws
			return nil
		},
	}
	r := startTestRunner(t, e, handler)

	s1 := e.nextSession()
	s1.expect(protocol.ToServerTypeInit)
	s1.sendInit("runner-abc")
	s1.startActor("actor-a", 0, 0)
	s1.expect(protocol.ToServerTypeEvents)

	key := testKey(0x60)
	s1.sendTunnel(key, 0, protocol.ToClientTunnelKind{
		Type:          protocol.TunnelKindWebSocketOpen,
		WebSocketOpen: &protocol.WebSocketOpen{ActorID: "actor-a", Path: "/ws"},
	})
	s1.expectTunnel(protocol.TunnelKindServerWsOpen)

	var ws *WebSocketAdapter
	select {
	case ws = <-wsCh:
	case <-time.After(testTimeout):
		t.Fatal("websocket handler was not invoked")
	}

	// Drop the socket, then send while disconnected: the frame must be
	// buffered and flushed after the next init.
	_ = s1.conn.Close()
	require.Eventually(t, func() bool { return !r.isReady() }, testTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return ws.SendText("offline") == nil
	}, testTimeout, 10*time.Millisecond)

	s2 := e.nextSession()
	s2.expect(protocol.ToServerTypeInit)
	s2.sendInit("runner-abc")

	msg := s2.expectTunnel(protocol.TunnelKindServerWsMsg)
	require.NotNil(t, msg.Kind.WebSocketMessage)
	assert.Equal(t, "offline", string(msg.Kind.WebSocketMessage.Data))
}

func TestRunner_GracefulShutdownDrainsActors(t *testing.T) {
	e := newFakeEngine(t)
	r := startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")
	s.startActor("actor-a", 0, 0)
	s.expect(protocol.ToServerTypeEvents)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		_ = r.Shutdown(context.Background(), false)
	}()

	s.expect(protocol.ToServerTypeStopping)
	s.stopActor("actor-a", 0, 1)

	select {
	case <-shutdownDone:
	case <-time.After(testTimeout):
		t.Fatal("graceful shutdown did not complete after drain")
	}
	assert.Equal(t, 0, r.actorCount())
}

func TestRunner_ShutdownIsIdempotent(t *testing.T) {
	e := newFakeEngine(t)
	r := startTestRunner(t, e, &HandlerFuncs{})

	s := e.nextSession()
	s.expect(protocol.ToServerTypeInit)
	s.sendInit("runner-abc")

	require.NoError(t, r.Shutdown(context.Background(), true))
	require.NoError(t, r.Shutdown(context.Background(), true))
}
