// Package websocket pushes collection updates to connected clinic clients.
// Clients subscribe to collection topics and receive every event broadcast
// to those topics, in the order it was broadcast.
package websocket

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// EventCollectionReplaced carries the full keyed map of one collection.
const EventCollectionReplaced = "collection.replaced"

// Event is one server-to-client frame.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one client-to-server frame: {"action":"subscribe","topics":[...]}.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connection. Send is closed by Unregister.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// NewClient returns a client with a buffered send queue.
func NewClient(buffer int) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, buffer),
	}
}

// SubscribeHook replaces the plain topic registration for subscribe
// messages. The replication server uses it to register the client and send
// the first snapshot under one collection lock.
type SubscribeHook func(client *Client, topics []string)

// Hub tracks connected clients and the topics they follow.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{}
	clients     map[*Client]struct{}
	log         zerolog.Logger

	onSubscribe SubscribeHook
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		clients:     make(map[*Client]struct{}),
		log:         logger,
	}
}

// OnSubscribe installs hook. Call it before the first client connects.
func (h *Hub) OnSubscribe(hook SubscribeHook) {
	h.onSubscribe = hook
}

// Register adds client along with any topics it already lists.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	h.follow(client, client.Topics)
}

// Unregister drops client and closes its Send channel. Repeated calls are
// ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.unfollow(client, client.Topics)
	delete(h.clients, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.follow(client, topics)
	for _, t := range topics {
		if !slices.Contains(client.Topics, t) {
			client.Topics = append(client.Topics, t)
		}
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unfollow(client, topics)
	client.Topics = slices.DeleteFunc(client.Topics, func(t string) bool {
		return slices.Contains(topics, t)
	})
}

// follow and unfollow expect h.mu held for writing.
func (h *Hub) follow(client *Client, topics []string) {
	for _, t := range topics {
		set := h.subscribers[t]
		if set == nil {
			set = make(map[*Client]struct{})
			h.subscribers[t] = set
		}
		set[client] = struct{}{}
	}
}

func (h *Hub) unfollow(client *Client, topics []string) {
	for _, t := range topics {
		set, ok := h.subscribers[t]
		if !ok {
			continue
		}
		delete(set, client)
		if len(set) == 0 {
			delete(h.subscribers, t)
		}
	}
}

// ProcessMessage applies one inbound frame. Unknown actions are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if h.onSubscribe != nil {
			h.onSubscribe(client, msg.Topics)
			return
		}
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		h.log.Debug().Str("client_id", client.ID).Str("action", msg.Action).Msg("websocket: unknown action ignored")
	}
}

// SendTo queues event for one client if it is still registered.
func (h *Hub) SendTo(client *Client, event Event) {
	data, ok := h.encode(event)
	if !ok {
		return
	}
	h.mu.RLock()
	_, registered := h.clients[client]
	full := registered && !enqueue(client, data)
	h.mu.RUnlock()
	if full {
		h.drop(client)
	}
}

// Broadcast queues event for every subscriber of topic.
func (h *Hub) Broadcast(topic string, event Event) {
	data, ok := h.encode(event)
	if !ok {
		return
	}
	var full []*Client
	h.mu.RLock()
	for client := range h.subscribers[topic] {
		if !enqueue(client, data) {
			full = append(full, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range full {
		h.drop(client)
	}
}

func (h *Hub) encode(event Event) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("topic", event.Topic).Msg("websocket: encode event failed")
		return nil, false
	}
	return data, true
}

// enqueue never blocks. It reports false when the client's buffer is full.
func enqueue(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// drop disconnects a client that fell behind. Closing Send ends its
// connection; on reconnect it subscribes again and gets a fresh snapshot.
func (h *Hub) drop(client *Client) {
	h.log.Warn().Str("client_id", client.ID).Msg("websocket: client buffer full, disconnecting")
	h.Unregister(client)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount returns the number of clients following topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// -- Connection handling --

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clinic LAN clients connect from any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades HTTP requests to hub connections.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and runs the connection until either
// side hangs up.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := NewClient(sendBuffer)
	wsh.hub.Register(client)
	wsh.hub.log.Debug().Str("client_id", client.ID).Str("remote", c.RealIP()).Msg("websocket: client connected")

	go wsh.writePump(client, conn)
	go wsh.readPump(client, conn)
	return nil
}

func (wsh *Handler) readPump(client *Client, conn *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		conn.Close()
		wsh.hub.log.Debug().Str("client_id", client.ID).Msg("websocket: client disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsh.hub.log.Debug().Err(err).Str("client_id", client.ID).Msg("websocket: malformed message ignored")
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump owns all writes to conn. It pings on an idle connection so dead
// peers are noticed by readPump's deadline.
func (wsh *Handler) writePump(client *Client, conn *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
