package runner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/runner-go/pkg/protocol"
)

type recordedClose struct {
	code      int
	reason    string
	hibernate bool
}

// testAdapter builds an adapter with capture hooks for sent payloads and
// close frames.
func testAdapter(t *testing.T, cfg webSocketConfig) (*WebSocketAdapter, *[][]byte, *[]recordedClose) {
	t.Helper()

	var mu sync.Mutex
	sent := &[][]byte{}
	closes := &[]recordedClose{}

	if cfg.sendFn == nil {
		cfg.sendFn = func(data []byte, binary bool) error {
			mu.Lock()
			defer mu.Unlock()
			*sent = append(*sent, data)
			return nil
		}
	}
	if cfg.closeFn == nil {
		cfg.closeFn = func(code int, reason string, hibernate bool) error {
			mu.Lock()
			defer mu.Unlock()
			*closes = append(*closes, recordedClose{code: code, reason: reason, hibernate: hibernate})
			return nil
		}
	}
	return newWebSocketAdapter(cfg), sent, closes
}

func TestWebSocketAdapter_States(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{})
	assert.Equal(t, StateConnecting, ws.ReadyState())

	ws.handleOpen()
	assert.Equal(t, StateOpen, ws.ReadyState())

	require.NoError(t, ws.Close(CloseNormal, "done"))
	assert.Equal(t, StateClosed, ws.ReadyState())
}

func TestWebSocketAdapter_SendBeforeOpen(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{})
	err := ws.Send([]byte("too early"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWebSocketAdapter_SendAfterCloseIsDropped(t *testing.T) {
	ws, sent, _ := testAdapter(t, webSocketConfig{})
	ws.handleOpen()
	require.NoError(t, ws.Close(CloseNormal, "bye"))

	require.NoError(t, ws.Send([]byte("late")))
	assert.Empty(t, *sent)
}

func TestWebSocketAdapter_SendForwardsPayload(t *testing.T) {
	ws, sent, _ := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	require.NoError(t, ws.Send([]byte{1, 2, 3}))
	require.NoError(t, ws.SendText("hi"))
	require.Len(t, *sent, 2)
	assert.Equal(t, []byte{1, 2, 3}, (*sent)[0])
	assert.Equal(t, []byte("hi"), (*sent)[1])
}

func TestWebSocketAdapter_CloseEmitsFrameAndEvent(t *testing.T) {
	ws, _, closes := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	var gotCode int
	var gotReason string
	ws.OnClose(func(code int, reason string) {
		gotCode = code
		gotReason = reason
	})

	require.NoError(t, ws.Close(CloseNormal, "actor.stopped"))
	require.Len(t, *closes, 1)
	assert.Equal(t, CloseNormal, (*closes)[0].code)
	assert.Equal(t, "actor.stopped", (*closes)[0].reason)
	assert.Equal(t, CloseNormal, gotCode)
	assert.Equal(t, "actor.stopped", gotReason)

	// Second close is a no-op.
	require.NoError(t, ws.Close(CloseNormal, "again"))
	assert.Len(t, *closes, 1)
}

func TestWebSocketAdapter_CloseWithoutCallbackSkipsFrame(t *testing.T) {
	ws, _, closes := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	closed := false
	ws.OnClose(func(code int, reason string) { closed = true })

	ws.closeWithoutCallback(CloseNormal, protocol.CloseReasonDuplicateOpen)
	assert.Empty(t, *closes)
	assert.True(t, closed)
	assert.Equal(t, StateClosed, ws.ReadyState())
}

func TestWebSocketAdapter_MessageOrdering(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	var delivered []uint16
	ws.OnMessage(func(data []byte, binary bool) {
		delivered = append(delivered, ws.ServerMessageIndex())
	})

	ctx := context.Background()
	ws.handleMessage(ctx, []byte("a"), 0, false)
	ws.handleMessage(ctx, []byte("b"), 1, false)
	ws.handleMessage(ctx, []byte("c"), 2, false)

	assert.Equal(t, []uint16{0, 1, 2}, delivered)
	assert.Equal(t, uint16(2), ws.ServerMessageIndex())
}

func TestWebSocketAdapter_DuplicateMessageDropped(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	count := 0
	ws.OnMessage(func(data []byte, binary bool) { count++ })

	ctx := context.Background()
	ws.handleMessage(ctx, []byte("a"), 0, false)
	ws.handleMessage(ctx, []byte("a"), 0, false)
	ws.handleMessage(ctx, []byte("b"), 1, false)
	ws.handleMessage(ctx, []byte("b"), 1, false)

	assert.Equal(t, 2, count)
}

func TestWebSocketAdapter_IndexSkipClosesConnection(t *testing.T) {
	ws, _, closes := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	var closeReason string
	ws.OnClose(func(code int, reason string) { closeReason = reason })

	ctx := context.Background()
	ws.handleMessage(ctx, []byte("a"), 0, false)
	ws.handleMessage(ctx, []byte("b"), 1, false)
	ws.handleMessage(ctx, []byte("d"), 3, false)

	require.Len(t, *closes, 1)
	assert.Equal(t, ClosePolicy, (*closes)[0].code)
	assert.Equal(t, protocol.CloseReasonMessageIndexSkip, (*closes)[0].reason)
	assert.Equal(t, protocol.CloseReasonMessageIndexSkip, closeReason)
	assert.Equal(t, StateClosed, ws.ReadyState())
}

func TestWebSocketAdapter_FreshConnectionExpectsZero(t *testing.T) {
	ws, _, closes := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	ws.handleMessage(context.Background(), []byte("a"), 1, false)
	require.Len(t, *closes, 1)
	assert.Equal(t, protocol.CloseReasonMessageIndexSkip, (*closes)[0].reason)
}

func TestWebSocketAdapter_RestoredResumesOpen(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{
		restoring:          true,
		serverMessageIndex: 41,
	})

	opened := false
	ws.OnOpen(func() { opened = true })

	assert.Equal(t, StateOpen, ws.ReadyState())
	assert.False(t, opened)

	var delivered [][]byte
	ws.OnMessage(func(data []byte, binary bool) { delivered = append(delivered, data) })

	ctx := context.Background()
	// Continues from the persisted index.
	ws.handleMessage(ctx, []byte("dup"), 41, false)
	ws.handleMessage(ctx, []byte("next"), 42, false)

	require.Len(t, delivered, 1)
	assert.Equal(t, []byte("next"), delivered[0])
}

func TestWebSocketAdapter_IndexWrapAround(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{
		restoring:          true,
		serverMessageIndex: 65535,
	})

	var delivered []uint16
	ws.OnMessage(func(data []byte, binary bool) { delivered = append(delivered, ws.ServerMessageIndex()) })

	ctx := context.Background()
	ws.handleMessage(ctx, []byte("wrap"), 0, false)
	ws.handleMessage(ctx, []byte("more"), 1, false)

	assert.Equal(t, []uint16{0, 1}, delivered)
}

func TestWebSocketAdapter_SendEnforcesBodyLimit(t *testing.T) {
	ws, _, _ := testAdapter(t, webSocketConfig{})
	ws.handleOpen()

	oversized := make([]byte, protocol.MaxBodySize+1)
	err := ws.Send(oversized)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestWebSocketAdapter_EngineAlreadyClosedSkipsTunnel(t *testing.T) {
	ws := newWebSocketAdapter(webSocketConfig{
		engineAlreadyClosed: true,
		serverMessageIndex:  7,
	})

	var gotReason string
	ws.OnClose(func(code int, reason string) { gotReason = reason })

	require.NoError(t, ws.Close(CloseNormal, protocol.CloseReasonStaleMetadata))
	assert.Equal(t, protocol.CloseReasonStaleMetadata, gotReason)
}
