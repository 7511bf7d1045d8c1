package interpreter

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

// mission bridge: answers the battery check and the type lookup, accepts the
// goal and keeps it running until the test decides otherwise. Every incoming
// message is recorded.
type missionBridge struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	received []map[string]any
}

func newMissionBridge(t *testing.T) *missionBridge {
	t.Helper()
	mb := &missionBridge{t: t}
	upgrader := websocket.Upgrader{}
	mb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			mb.mu.Lock()
			mb.received = append(mb.received, msg)
			mb.mu.Unlock()
			if msg["op"] != "call_service" {
				continue
			}
			switch msg["service"] {
			case "/check_battery":
				send(map[string]any{
					"op":     "service_response",
					"id":     msg["id"],
					"values": map[string]any{"success": true},
				})
			case "/rosapi/topic_type":
				send(map[string]any{
					"op":     "service_response",
					"id":     msg["id"],
					"values": map[string]any{"type": "mission/MoveBaseGoal"},
				})
			}
		}
	}))
	t.Cleanup(mb.server.Close)
	return mb
}

func (mb *missionBridge) hostPort() (string, int) {
	u := strings.TrimPrefix(mb.server.URL, "http://")
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(mb.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(mb.t, err)
	return host, port
}

func (mb *missionBridge) publishedTopics() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []string
	for _, m := range mb.received {
		if m["op"] == "publish" {
			topic, _ := m["topic"].(string)
			out = append(out, topic)
		}
	}
	return out
}

func (mb *missionBridge) sawPublish(topic string) bool {
	for _, got := range mb.publishedTopics() {
		if got == topic {
			return true
		}
	}
	return false
}

func TestSessionHaltRunningActionPublishesCancel(t *testing.T) {
	t.Parallel()

	mb := newMissionBridge(t)
	host, port := mb.hostPort()

	s := NewSession(WithSink(&recordSink{}))
	require.NoError(t, s.LoadTreeText(missionDoc))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, host, port))
	defer s.Close()

	// Step until the condition resolves and the action goal goes out. The
	// bridge never answers the goal, so the action stays in flight.
	s.SetAutorun(true)
	require.Eventually(t, func() bool {
		require.NoError(t, s.RunStep())
		return mb.sawPublish("/move_base/goal")
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, mb.sawPublish("/move_base/cancel"))

	// Halting the running action must cancel the outstanding goal on the
	// wire, not just locally.
	s.Reset()
	require.Eventually(t, func() bool {
		return mb.sawPublish("/move_base/cancel")
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StatusIdle, s.RootStatus())
}
