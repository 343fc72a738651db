package realtime_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/realtime"
)

func newHubServer(t *testing.T) (*realtime.Hub, string) {
	t.Helper()
	hub := realtime.NewHub()
	router := mux.NewRouter()
	router.HandleFunc("/realtime", hub.Handler)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func subscribe(t *testing.T, hub *realtime.Hub, conn *websocket.Conn, clientID string, topics []string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"topics": topics,
	}))
	require.Eventually(t, func() bool {
		current := map[string]bool{}
		for _, topic := range hub.Topics(clientID) {
			current[topic] = true
		}
		if len(current) != len(topics) {
			return false
		}
		for _, topic := range topics {
			if !current[topic] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "subscription must take effect")
}

func TestHandshakeAssignsClientID(t *testing.T) {
	_, url := newHubServer(t)

	conn := dial(t, url)
	handshake := readFrame(t, conn)
	assert.NotEmpty(t, handshake["clientId"])

	// a presented id is kept
	conn2 := dial(t, url+"?clientId=c1")
	handshake = readFrame(t, conn2)
	assert.Equal(t, "c1", handshake["clientId"])
}

func TestSubscribePublishDisconnect(t *testing.T) {
	hub, url := newHubServer(t)

	conn := dial(t, url+"?clientId=c1")
	readFrame(t, conn)
	subscribe(t, hub, conn, "c1", []string{"tasks"})

	hub.Publish(core.Event{
		Collection: "tasks",
		Action:     core.ActionCreate,
		Record:     map[string]interface{}{"id": "r1", "title": "x"},
	})

	frame := readFrame(t, conn)
	assert.Equal(t, "tasks", frame["collection"])
	assert.Equal(t, "create", frame["action"])
	record := frame["record"].(map[string]interface{})
	assert.Equal(t, "r1", record["id"])

	// exactly once: no second frame for a single publish
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no extra frame expected")

	hub.Disconnect("c1")
	assert.Nil(t, hub.Topics("c1"))

	// no observers left, publishing must not block
	hub.Publish(core.Event{Collection: "tasks", Action: core.ActionCreate,
		Record: map[string]interface{}{"id": "r2"}})
}

func TestSubscribeReplacesTopicSet(t *testing.T) {
	hub, url := newHubServer(t)

	conn := dial(t, url+"?clientId=c1")
	readFrame(t, conn)
	subscribe(t, hub, conn, "c1", []string{"tasks"})
	subscribe(t, hub, conn, "c1", []string{"users"})
	assert.Equal(t, []string{"users"}, hub.Topics("c1"))

	hub.Publish(core.Event{Collection: "tasks", Action: core.ActionCreate,
		Record: map[string]interface{}{"id": "r1"}})
	hub.Publish(core.Event{Collection: "users", Action: core.ActionCreate,
		Record: map[string]interface{}{"id": "u1"}})

	frame := readFrame(t, conn)
	assert.Equal(t, "users", frame["collection"], "the replaced set does not include tasks")
}

func TestRecordTopic(t *testing.T) {
	hub, url := newHubServer(t)

	conn := dial(t, url+"?clientId=c1")
	readFrame(t, conn)
	subscribe(t, hub, conn, "c1", []string{"tasks/r2"})

	hub.Publish(core.Event{Collection: "tasks", Action: core.ActionUpdate,
		Record: map[string]interface{}{"id": "r1"}})
	hub.Publish(core.Event{Collection: "tasks", Action: core.ActionDelete,
		Record: map[string]interface{}{"id": "r2"}})

	frame := readFrame(t, conn)
	record := frame["record"].(map[string]interface{})
	assert.Equal(t, "r2", record["id"], "only the subscribed record's events arrive")
}

func TestUnsubscribeControlMessage(t *testing.T) {
	hub, url := newHubServer(t)

	conn := dial(t, url+"?clientId=c1")
	readFrame(t, conn)
	subscribe(t, hub, conn, "c1", []string{"tasks"})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "unsubscribe"}))
	require.Eventually(t, func() bool {
		return len(hub.Topics("c1")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(core.Event{Collection: "tasks", Action: core.ActionCreate,
		Record: map[string]interface{}{"id": "r1"}})
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "an unsubscribed client receives nothing")
}

func TestReconnectStartsWithoutSubscriptions(t *testing.T) {
	hub, url := newHubServer(t)

	conn := dial(t, url+"?clientId=c1")
	readFrame(t, conn)
	subscribe(t, hub, conn, "c1", []string{"tasks"})
	conn.Close()

	conn2 := dial(t, url+"?clientId=c1")
	readFrame(t, conn2)
	require.Eventually(t, func() bool {
		return len(hub.Topics("c1")) == 0
	}, 2*time.Second, 10*time.Millisecond, "subscriptions do not carry over")
}
