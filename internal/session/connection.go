package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Outbound control frame buffer
	sendBufferSize = 256
)

// Client is one authenticated WebSocket session. Control frames (acks,
// denials, errors) travel over the send channel; status fanout goes through
// the outbox so bursts coalesce per subject user.
type Client struct {
	id     string
	userID int64
	conn   *websocket.Conn

	send   chan []byte
	outbox *statusOutbox

	mu     sync.Mutex
	topics map[int64]struct{}

	closeOnce sync.Once
	done      chan struct{}

	connectedAt time.Time
	logger      zerolog.Logger
}

func newClient(conn *websocket.Conn, userID int64, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		outbox:      newStatusOutbox(),
		topics:      make(map[int64]struct{}),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		logger:      logger.With().Str("socket_id", id).Int64("user_id", userID).Logger(),
	}
}

// Deliver implements bus.Subscriber without blocking the bus dispatch.
func (c *Client) Deliver(env bus.Envelope) {
	switch c.outbox.push(env) {
	case pushStale:
		monitoring.IncrementStatusDropped("stale")
	case pushReplaced:
		monitoring.IncrementStatusDropped("superseded")
	}
}

// enqueue marshals a control frame onto the send channel. Frames are dropped
// rather than blocking when the client cannot keep up.
func (c *Client) enqueue(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal outbound frame")
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		monitoring.IncrementStatusDropped("slow_consumer")
		c.logger.Warn().Msg("send buffer full, dropping frame")
		return false
	}
}

func (c *Client) joined(target int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[target]
	return ok
}

func (c *Client) join(target int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[target] = struct{}{}
}

// leave reports whether the target was joined at all.
func (c *Client) leave(target int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[target]; !ok {
		return false
	}
	delete(c.topics, target)
	return true
}

// watchedCount counts subscriptions to other users; the unconditional self
// topic is exempt from the per-socket cap.
func (c *Client) watchedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.topics)
	if _, ok := c.topics[c.userID]; ok {
		n--
	}
	return n
}

func (c *Client) allTopics() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}
