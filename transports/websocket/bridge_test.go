package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alloy/core"
	"alloy/events/room"
	"alloy/events/session"
	"alloy/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*room.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev *room.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) Events() []*room.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*room.Event(nil), d.events...)
}

func startBridge(t *testing.T, d Dispatcher) (*Bridge, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := NewBridge(ctx, d, core.NewLogger(func(string, string, map[string]interface{}) {}))
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return b, conn
}

func TestBridgeDispatchesInboundEvents(t *testing.T) {
	d := &recordingDispatcher{}
	_, conn := startBridge(t, d)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message_received","message":"hello"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"function_calls_finished","called_functions":[{"call_info":{"arguments":{"user_msg":"what is this?"}}}]}`)))

	require.Eventually(t, func() bool { return len(d.Events()) == 2 }, time.Second, 5*time.Millisecond)
	events := d.Events()
	assert.Equal(t, "hello", events[0].MessageReceived.Message)
	msg, ok := events[1].FunctionCallsFinished.UserMsg()
	assert.True(t, ok)
	assert.Equal(t, "what is this?", msg)
}

func TestBridgeBroadcastsOutboundEvents(t *testing.T) {
	b, conn := startBridge(t, nil)

	b.Broadcast(&session.AnswerCompletedEvent{TurnID: "t1", Text: "Hi there!"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	wire, err := protocol.DecodeWireEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "session.answer_completed", wire.ID)

	payload, err := protocol.UnmarshalPayload[session.AnswerCompletedEvent](wire.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", payload.Text)
}

func TestBridgeDropsClientOnClose(t *testing.T) {
	b, conn := startBridge(t, nil)
	conn.Close()
	assert.Eventually(t, func() bool { return b.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
