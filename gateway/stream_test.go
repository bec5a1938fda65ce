package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream 记录每条连接收到的控制消息，可主动推送或断开。
type fakeUpstream struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []controlMessage
	accepted chan struct{}
	msgs     chan controlMessage
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		accepted: make(chan struct{}, 8),
		msgs:     make(chan controlMessage, 32),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	f.accepted <- struct{}{}

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, msg)
		f.mu.Unlock()
		f.msgs <- msg
		_ = f.write(conn, []byte(`{"result":null,"id":`+strconv.FormatInt(msg.ID, 10)+`}`))
	}
}

var writeMu sync.Mutex

func (f *fakeUpstream) write(conn *websocket.Conn, raw []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (f *fakeUpstream) push(t *testing.T, raw string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(t, f.write(conn, []byte(raw)))
}

func (f *fakeUpstream) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func waitAccepted(t *testing.T, f *fakeUpstream) {
	t.Helper()
	select {
	case <-f.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection not accepted")
	}
}

func waitMsg(t *testing.T, f *fakeUpstream) controlMessage {
	t.Helper()
	select {
	case m := <-f.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("control message not received")
		return controlMessage{}
	}
}

func TestStreamSubscribeAndReceive(t *testing.T) {
	up := newFakeUpstream(t)
	s := NewStream(StreamConfig{URL: up.url(), ReconnectBackoff: 20 * time.Millisecond}, nil, nil)

	events := make(chan Event, 4)
	s.OnEvent(func(ev Event) { events <- ev })

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitAccepted(t, up)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Subscribe("EURUSD"))
	msg := waitMsg(t, up)
	assert.Equal(t, "SUBSCRIBE", msg.Method)
	assert.Equal(t, StreamNames("EURUSD"), msg.Params)

	// 重复订阅不再发送
	require.NoError(t, s.Subscribe("EURUSD"))

	up.push(t, `{"s":"EURUSD","b":"1.0849","a":"1.0851"}`)
	select {
	case ev := <-events:
		assert.Equal(t, EventBookTicker, ev.Kind)
		assert.Equal(t, "EURUSD", ev.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, s.Unsubscribe("EURUSD"))
	msg = waitMsg(t, up)
	assert.Equal(t, "UNSUBSCRIBE", msg.Method)
	assert.Empty(t, s.Symbols())
}

func TestStreamResubscribesAfterReconnect(t *testing.T) {
	up := newFakeUpstream(t)
	s := NewStream(StreamConfig{URL: up.url(), ReconnectBackoff: 20 * time.Millisecond}, nil, nil)

	var stateMu sync.Mutex
	var states []bool
	s.OnStateChange(func(c bool) {
		stateMu.Lock()
		states = append(states, c)
		stateMu.Unlock()
	})

	// 连接前订阅，连接后一次性补订
	require.NoError(t, s.Subscribe("GBPUSD"))
	require.NoError(t, s.Subscribe("EURUSD"))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitAccepted(t, up)
	first := waitMsg(t, up)
	assert.Equal(t, "SUBSCRIBE", first.Method)
	assert.Len(t, first.Params, 6)

	up.dropAll()

	waitAccepted(t, up)
	again := waitMsg(t, up)
	assert.Equal(t, "SUBSCRIBE", again.Method)
	assert.ElementsMatch(t, first.Params, again.Params)

	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	stateMu.Lock()
	defer stateMu.Unlock()
	assert.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, []bool{true, false, true}, states[:3])
}

func TestStreamRetriesUntilUpstreamAvailable(t *testing.T) {
	s := NewStream(StreamConfig{URL: "ws://127.0.0.1:1/ws", ReconnectBackoff: 10 * time.Millisecond}, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.Connected())
	s.Stop()
	s.Stop()
}

func TestStreamRequiresURL(t *testing.T) {
	s := NewStream(StreamConfig{}, nil, nil)
	assert.Error(t, s.Start(context.Background()))
}
