package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"message-relay/internal/message"
)

const (
	streamBuffer     = 32
	streamWriteLimit = 10 * time.Second
)

type streamEvent struct {
	Kind     string            `json:"kind"`
	Receiver string            `json:"receiver,omitempty"`
	Message  *message.Envelope `json:"message,omitempty"`
}

type streamClient struct {
	conn     *websocket.Conn
	receiver string
	send     chan []byte
}

// StreamHub pushes newly ingested envelopes to websocket subscribers. A
// subscriber may restrict itself to one receiver with ?receiver=.
type StreamHub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	dropped uint64
}

func NewStreamHub(log zerolog.Logger) *StreamHub {
	return &StreamHub{
		log:     log,
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	receiver := strings.TrimSpace(r.URL.Query().Get("receiver"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade")
		return
	}
	c := &streamClient{conn: conn, receiver: receiver, send: make(chan []byte, streamBuffer)}
	if ready, err := json.Marshal(streamEvent{Kind: "ready", Receiver: receiver}); err == nil {
		c.send <- ready
	}
	h.register(c)
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *StreamHub) register(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *StreamHub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readLoop discards inbound frames and returns when the peer goes away.
func (h *StreamHub) readLoop(c *streamClient) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writeLoop(c *streamClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug().Err(err).Msg("ws send")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Deliver fans env out to matching subscribers. Slow subscribers drop events
// rather than block ingestion.
func (h *StreamHub) Deliver(_ context.Context, env message.Envelope) error {
	data, err := json.Marshal(streamEvent{Kind: "message", Message: &env})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.receiver != "" && c.receiver != env.Receiver {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped++
		}
	}
	return nil
}

// Clients returns the number of connected subscribers.
func (h *StreamHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow subscribers.
func (h *StreamHub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every subscriber.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
