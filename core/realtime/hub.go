/*Package realtime distributes change events to subscribed live clients.

Clients connect over a websocket, declare their current interest with a
subscribe control message (replacing any prior topic set), and receive one
event frame per matching change. Delivery is best effort per connection: a
slow or dead client drops frames instead of blocking the rest.
*/
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 64
)

// controlMessage is an inbound subscribe/unsubscribe request.
type controlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	id     string
	topics map[string]struct{}
	send   chan []byte
	conn   *websocket.Conn
	done   chan struct{}
	once   sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the realtime fan-out: an explicit registry of live clients and
// their subscriptions. The registry lock is narrow; it is never held while
// writing to an individual connection.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades the request to a websocket connection. A client may
// present its previous id with the clientId query parameter; without one a
// fresh id is assigned. Subscriptions never carry over: the client
// re-declares its interest after connecting.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Error("websocket upgrade failed")
		return
	}

	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = uuid.NewString()
	}

	c := &client{
		id:     id,
		topics: map[string]struct{}{},
		send:   make(chan []byte, sendBufferSize),
		conn:   conn,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if previous, ok := h.clients[id]; ok {
		previous.stop()
	}
	h.clients[id] = c
	h.mu.Unlock()

	// connection established, tell the client its id
	handshake, _ := json.Marshal(map[string]string{"clientId": id})
	c.send <- handshake

	go h.writePump(c)
	h.readPump(c)
}

// readPump consumes control messages until the connection dies, then
// removes the client. Liveness is tracked per connection with pongs, so a
// dead client is cleaned up without waiting for anybody else's activity.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var control controlMessage
		if err := json.Unmarshal(data, &control); err != nil {
			logger.Default().WithError(err).Warnf("client %s: bad control message", c.id)
			continue
		}
		switch control.Action {
		case "subscribe":
			h.Subscribe(c.id, control.Topics)
		case "unsubscribe":
			h.Unsubscribe(c.id)
		default:
			logger.Default().Warnf("client %s: unknown control action %q", c.id, control.Action)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// drop removes the client from the registry unless a newer connection has
// already taken over its id.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.stop()
}

// Subscribe replaces the client's topic set entirely. A topic is either a
// collection name or collection/recordID.
func (h *Hub) Subscribe(clientID string, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	c.topics = make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

// Topics returns the client's current topic set, or nil for an unknown
// client.
func (h *Hub) Topics(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

// Unsubscribe clears all topics for the client.
func (h *Hub) Unsubscribe(clientID string) {
	h.Subscribe(clientID, nil)
}

// Disconnect removes the client and its subscriptions. It is idempotent.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	if ok {
		c.stop()
	}
}

// Publish delivers the event once to every client with a matching topic.
// The registry lock is only held to snapshot the matching clients; a full
// send buffer drops the frame for that client instead of blocking.
func (h *Hub) Publish(event core.Event) {
	data, err := json.MarshalWithOption(event, json.DisableHTMLEscape())
	if err != nil {
		logger.Default().WithError(err).Error("cannot marshal change event")
		return
	}

	recordTopic := event.Collection + "/" + event.RecordID()

	h.mu.RLock()
	var matches []*client
	for _, c := range h.clients {
		if _, ok := c.topics[event.Collection]; ok {
			matches = append(matches, c)
			continue
		}
		if _, ok := c.topics[recordTopic]; ok {
			matches = append(matches, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range matches {
		select {
		case c.send <- data:
		default:
			logger.Default().Warnf("client %s: send buffer full, dropping event", c.id)
		}
	}
}
