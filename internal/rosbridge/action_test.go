package rosbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// actionBridge scripts a full goal/feedback/result exchange for one server.
func actionBridge(t *testing.T, server string) *fakeBridge {
	t.Helper()
	return newFakeBridge(t, func(msg map[string]any, send func(any)) {
		switch {
		case msg["op"] == "call_service" && msg["service"] == "/rosapi/topic_type":
			send(map[string]any{
				"op":     "service_response",
				"id":     msg["id"],
				"values": map[string]any{"type": "mission/MoveBaseGoal"},
			})
		case msg["op"] == "publish" && msg["topic"] == server+"/goal":
			send(map[string]any{
				"op":    "publish",
				"topic": server + "/feedback",
				"msg": map[string]any{
					"feedback": map[string]any{
						"update_field_name": "progress",
						"progress":          0.5,
					},
				},
			})
			send(map[string]any{
				"op":    "publish",
				"topic": server + "/result",
				"msg": map[string]any{
					"result": map[string]any{"success": true, "distance": 3},
				},
			})
		}
	})
}

func TestActionClientGoalFeedbackResult(t *testing.T) {
	t.Parallel()

	const server = "/move_base"
	fb := actionBridge(t, server)
	conn := dialFake(t, fb)

	client := NewActionClient(conn, server, "mission/MoveBase")
	defer client.Close()

	feedbackCh := make(chan map[string]any, 4)
	client.RegisterFeedbackCallback(func(feedback map[string]any) {
		feedbackCh <- feedback
	})

	require.NoError(t, client.SendGoal(map[string]any{"target": "dock"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := client.WaitForResult(ctx)
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, json.Number("3"), res["distance"])

	select {
	case feedback := <-feedbackCh:
		require.Equal(t, "progress", feedback["update_field_name"])
		require.Equal(t, json.Number("0.5"), feedback["progress"])
	case <-time.After(5 * time.Second):
		t.Fatal("feedback never delivered")
	}

	// The goal topic carries the type reported by the resolver plus the
	// actionlib Goal suffix.
	require.Eventually(t, func() bool {
		for _, m := range fb.opsReceived("advertise") {
			if m["topic"] == server+"/goal" && m["type"] == "mission/MoveBaseGoal" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestActionClientsShareServerTopics(t *testing.T) {
	t.Parallel()

	const server = "/move_base"
	release := make(chan struct{})
	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "publish" || msg["topic"] != server+"/goal" {
			return
		}
		go func() {
			<-release
			send(map[string]any{
				"op":    "publish",
				"topic": server + "/result",
				"msg": map[string]any{
					"result": map[string]any{"success": true},
				},
			})
		}()
	})
	conn := dialFake(t, fb)

	first := NewActionClient(conn, server, "")
	defer first.Close()
	require.NoError(t, first.SendGoal(map[string]any{"target": "dock"}))

	// A second client against the same server comes and goes while the
	// first goal is still in flight. Its teardown must not take the first
	// client's feedback and result handlers with it.
	second := NewActionClient(conn, server, "")
	require.NoError(t, second.SendGoal(map[string]any{"target": "charger"}))
	second.Close()

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := first.WaitForResult(ctx)
	require.NoError(t, err)
	require.True(t, res.Success())
}

func TestActionClientSecondGoalRejected(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, nil)
	conn := dialFake(t, fb)

	client := NewActionClient(conn, "/move_base", "")
	defer client.Close()

	require.NoError(t, client.SendGoal(map[string]any{}))
	require.ErrorIs(t, client.SendGoal(map[string]any{}), ErrGoalInProgress)
}

func TestActionClientCancelAfterResultIsNoop(t *testing.T) {
	t.Parallel()

	const server = "/move_base"
	fb := actionBridge(t, server)
	conn := dialFake(t, fb)

	client := NewActionClient(conn, server, "")
	defer client.Close()
	require.NoError(t, client.SendGoal(map[string]any{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.WaitForResult(ctx)
	require.NoError(t, err)

	require.NoError(t, client.CancelGoal())
	for _, m := range fb.opsReceived("publish") {
		require.NotEqual(t, server+"/cancel", m["topic"], "no cancel publish expected after completion")
	}
}

func TestActionClientCancelPublishesOnce(t *testing.T) {
	t.Parallel()

	const server = "/move_base"
	fb := newFakeBridge(t, nil)
	conn := dialFake(t, fb)

	client := NewActionClient(conn, server, "")
	defer client.Close()
	require.NoError(t, client.SendGoal(map[string]any{}))

	require.NoError(t, client.CancelGoal())
	require.NoError(t, client.CancelGoal())

	require.Eventually(t, func() bool {
		cancels := 0
		for _, m := range fb.opsReceived("publish") {
			if m["topic"] == server+"/cancel" {
				cancels++
			}
		}
		return cancels == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRosapiTypeResolver(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "call_service" {
			return
		}
		require.Equal(t, "/rosapi/topic_type", msg["service"])
		args, _ := msg["args"].(map[string]any)
		require.Equal(t, "/move_base/goal", args["topic"])
		send(map[string]any{
			"op":     "service_response",
			"id":     msg["id"],
			"values": map[string]any{"type": "mission/MoveBaseGoal"},
		})
	})
	conn := dialFake(t, fb)

	resolver := NewRosapiTypeResolver(conn)
	typeName, err := resolver.ResolveActionType(context.Background(), "/move_base")
	require.NoError(t, err)
	require.Equal(t, "mission/MoveBase", typeName)
}

func TestRosapiTypeResolverUnknownTopic(t *testing.T) {
	t.Parallel()

	fb := newFakeBridge(t, func(msg map[string]any, send func(any)) {
		if msg["op"] != "call_service" {
			return
		}
		send(map[string]any{
			"op":     "service_response",
			"id":     msg["id"],
			"values": map[string]any{"type": ""},
		})
	})
	conn := dialFake(t, fb)

	_, err := NewRosapiTypeResolver(conn).ResolveActionType(context.Background(), "/nowhere")
	require.Error(t, err)
}
