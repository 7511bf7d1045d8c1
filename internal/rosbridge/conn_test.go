package rosbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeBridge is a scripted rosbridge server for tests. Incoming messages are
// handed to the configured handler, which may reply through the send
// function; sends are serialized.
type fakeBridge struct {
	t       *testing.T
	server  *httptest.Server
	handler func(msg map[string]any, send func(any))

	mu       sync.Mutex
	received []map[string]any
}

func newFakeBridge(t *testing.T, handler func(msg map[string]any, send func(any))) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var sendMu sync.Mutex
		send := func(v any) {
			sendMu.Lock()
			defer sendMu.Unlock()
			_ = ws.WriteJSON(v)
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			fb.mu.Lock()
			fb.received = append(fb.received, msg)
			fb.mu.Unlock()
			if fb.handler != nil {
				fb.handler(msg, send)
			}
		}
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

// hostPort splits the test server's address for Dial.
func (fb *fakeBridge) hostPort() (string, int) {
	u := strings.TrimPrefix(fb.server.URL, "http://")
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(fb.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(fb.t, err)
	return host, port
}

func (fb *fakeBridge) opsReceived(op string) []map[string]any {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []map[string]any
	for _, m := range fb.received {
		if m["op"] == op {
			out = append(out, m)
		}
	}
	return out
}

func dialFake(t *testing.T, fb *fakeBridge, opts ...DialOption) *Conn {
	t.Helper()
	host, port := fb.hostPort()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, host, port, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialRefused(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1", 1)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "dial", connErr.Op)
}

func TestSubscribeDispatch(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] == "subscribe" && msg["topic"] == "/status" {
			send(map[string]any{
				"op":    "publish",
				"topic": "/status",
				"msg":   map[string]any{"level": 2},
			})
		}
	})
	conn := dialFake(t, fb)

	got := make(chan map[string]any, 1)
	unsub, err := conn.Subscribe("/status", func(payload map[string]any) {
		got <- payload
	})
	require.NoError(t, err)

	select {
	case payload := <-got:
		// Numbers arrive as json.Number to preserve integer fidelity.
		require.Equal(t, json.Number("2"), payload["level"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published message")
	}

	unsub()
	require.Eventually(t, func() bool {
		return len(fb.opsReceived("unsubscribe")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeMultipleHandlersPerTopic(t *testing.T) {
	t.Parallel()

	publish := make(chan struct{}, 4)
	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "publish" || msg["topic"] != "/trigger" {
			return
		}
		send(map[string]any{
			"op":    "publish",
			"topic": "/status",
			"msg":   map[string]any{"n": 1},
		})
		publish <- struct{}{}
	})
	conn := dialFake(t, fb)

	first := make(chan map[string]any, 4)
	unsubFirst, err := conn.Subscribe("/status", func(payload map[string]any) {
		first <- payload
	})
	require.NoError(t, err)
	second := make(chan map[string]any, 4)
	unsubSecond, err := conn.Subscribe("/status", func(payload map[string]any) {
		second <- payload
	})
	require.NoError(t, err)

	// A second handler must not replace the first; both see the message.
	require.NoError(t, conn.Publish("/trigger", map[string]any{}))
	for _, ch := range []chan map[string]any{first, second} {
		select {
		case payload := <-ch:
			require.Equal(t, json.Number("1"), payload["n"])
		case <-time.After(5 * time.Second):
			t.Fatal("handler missed the published message")
		}
	}

	// Only the first handler registration triggers a subscribe op, and only
	// the last removal triggers unsubscribe. Removing one handler leaves the
	// other receiving.
	require.Len(t, fb.opsReceived("subscribe"), 1)
	unsubFirst()
	unsubFirst()
	require.Empty(t, fb.opsReceived("unsubscribe"))

	require.NoError(t, conn.Publish("/trigger", map[string]any{}))
	<-publish
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("surviving handler missed the published message")
	}

	unsubSecond()
	require.Eventually(t, func() bool {
		return len(fb.opsReceived("unsubscribe")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceClientCall(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "call_service" {
			return
		}
		require.Equal(t, "/check_battery", msg["service"])
		send(map[string]any{
			"op":      "service_response",
			"id":      msg["id"],
			"service": msg["service"],
			"values":  map[string]any{"success": true, "level": 0.8},
		})
	})
	conn := dialFake(t, fb)

	client := NewServiceClient(conn, "/check_battery")
	res, err := client.Call(context.Background(), map[string]any{"threshold": 0.5})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, json.Number("0.8"), res["level"])
}

func TestServiceClientFoldsResultFlag(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "call_service" {
			return
		}
		send(map[string]any{
			"op":     "service_response",
			"id":     msg["id"],
			"result": false,
			"values": map[string]any{},
		})
	})
	conn := dialFake(t, fb)

	res, err := NewServiceClient(conn, "/svc").Call(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, res.Success())
}

func TestServiceClientConnectionDropFailsCall(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		// Never respond.
	})
	errCh := make(chan error, 1)
	conn := dialFake(t, fb, WithErrorHandler(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}))

	go func() {
		time.Sleep(100 * time.Millisecond)
		fb.server.CloseClientConnections()
	}()

	_, err := NewServiceClient(conn, "/svc").Call(context.Background(), nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)

	select {
	case handlerErr := <-errCh:
		require.ErrorAs(t, handlerErr, &connErr)
	case <-time.After(5 * time.Second):
		t.Fatal("error handler never invoked")
	}
}

func TestServiceClientSingleOutstandingCall(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "call_service" {
			return
		}
		go func() {
			<-release
			send(map[string]any{
				"op":     "service_response",
				"id":     msg["id"],
				"values": map[string]any{"success": true},
			})
		}()
	})
	conn := dialFake(t, fb)
	client := NewServiceClient(conn, "/svc")

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), nil)
		done <- err
	}()

	// Second call while the first is suspended is a usage error.
	require.Eventually(t, func() bool {
		_, err := client.Call(context.Background(), nil)
		return err == ErrCallInProgress
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
}
