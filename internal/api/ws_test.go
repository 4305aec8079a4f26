package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodix/access-layer/internal/stream"
)

func dialWS(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func TestWebSocketStreamLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.allowRule(t, "pricing", 100)

	conn := dialWS(t, env, bearerToken(t))

	hello := readFrame(t, conn)
	assert.Equal(t, "connection_established", hello["type"])
	assert.NotEmpty(t, hello["connection_id"])
	assert.Equal(t, "u1", hello["user"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"data":   map[string]interface{}{"topics": []string{"pricing.updates.v1"}},
	}))
	sub := readFrame(t, conn)
	assert.Equal(t, "subscribe_response", sub["action"])
	assert.Equal(t, []interface{}{"pricing.updates.v1"}, sub["subscribed"])
	assert.Empty(t, sub["failed"])

	env.fabric.Dispatch(stream.Envelope{
		Topic:     "pricing.updates.v1",
		Data:      map[string]interface{}{"instrument": "BRN", "price": 52.5},
		Timestamp: time.Now().UTC(),
		Partition: 0,
		Offset:    7,
	})

	msg := readFrame(t, conn)
	assert.Equal(t, "pricing.updates.v1", msg["topic"])
	assert.Equal(t, 7.0, msg["offset"])
	assert.NotEmpty(t, msg["timestamp"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "BRN", data["instrument"])
	assert.Equal(t, 52.5, data["price"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "ping"}))
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["action"])
	assert.NotEmpty(t, pong["timestamp"])
}

func TestWebSocketSubscribeUnknownTopicKeepsSocketOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, bearerToken(t))
	readFrame(t, conn) // connection_established

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"data":   map[string]interface{}{"topics": []string{"no.such.topic"}},
	}))
	sub := readFrame(t, conn)
	assert.Empty(t, sub["subscribed"])
	failed := sub["failed"].([]interface{})
	require.Len(t, failed, 1)

	// The socket still answers after the error.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "list_topics"}))
	topics := readFrame(t, conn)
	assert.Equal(t, "topics", topics["action"])
	assert.NotEmpty(t, topics["available"])
}

func TestWebSocketUnknownActionEnvelope(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, bearerToken(t))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "dance"}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "unknown_action", errFrame["error"])
	assert.NotEmpty(t, errFrame["available_actions"])
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/stream?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestWorkflowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := bearerToken(t)

	post := func(path, body string) (int, map[string]interface{}) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	status, rftp := post("/api/v1/workflow/rftps", `{"title":"curve study","type":"analysis","estimated_hours":10,"budget_ceiling":10000}`)
	require.Equal(t, 201, status)
	rftpID := rftp["id"].(string)
	assert.Equal(t, "u1", rftp["requester"])
	assert.Equal(t, "t1", rftp["tenant"])

	status, _ = post("/api/v1/workflow/rftps/"+rftpID+"/submit", "")
	require.Equal(t, 200, status)

	status, prop := post("/api/v1/workflow/proposals",
		`{"rftp_id":"`+rftpID+`","proposed_hours":8,"proposed_budget":9000}`)
	require.Equal(t, 201, status)

	status, task := post("/api/v1/workflow/proposals/"+prop["id"].(string)+"/accept", "")
	require.Equal(t, 201, status)
	taskID := task["id"].(string)
	assert.Equal(t, "proposed", task["status"])

	status, task = post("/api/v1/workflow/tasks/"+taskID+"/approve", "")
	require.Equal(t, 200, status)
	assert.Equal(t, "accepted", task["status"])

	// Illegal transition surfaces as 400 without mutating.
	status, errBody := post("/api/v1/workflow/tasks/"+taskID+"/complete", "")
	require.Equal(t, 400, status)
	assert.Equal(t, CodeValidation, errBody["code"])

	status, task = post("/api/v1/workflow/tasks/"+taskID+"/start", `{"assignee":"u1"}`)
	require.Equal(t, 200, status)
	assert.Equal(t, "in_progress", task["status"])

	status, _ = post("/api/v1/workflow/tasks/"+taskID+"/progress", `{"spent_budget":8500}`)
	require.Equal(t, 200, status)

	status, task = post("/api/v1/workflow/tasks/"+taskID+"/complete", "")
	require.Equal(t, 200, status)
	assert.Equal(t, "completed", task["status"])

	// The budget alert landed in the event buffer.
	resp, body := doGet(t, env, "/api/v1/workflow/events", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, 200, resp.StatusCode)
	found := false
	for _, raw := range body["events"].([]interface{}) {
		if raw.(map[string]interface{})["event"] == "task_budget_alert" {
			found = true
		}
	}
	assert.True(t, found, "budget alert must appear in the workflow event buffer")
}
