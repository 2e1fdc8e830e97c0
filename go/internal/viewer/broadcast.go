package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// BroadcastConfig holds configuration for state push connections
type BroadcastConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

// DefaultBroadcastConfig returns default push configuration
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     64,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Broadcaster pushes every read-model change to connected presentation
// clients over WebSocket.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	config   BroadcastConfig
	// current renders the state sent right after a client connects.
	current func() any
	closed  bool
}

type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	broadcaster *Broadcaster
}

func NewBroadcaster(config BroadcastConfig, current func() any) *Broadcaster {
	if config.SendBuffer < 1 {
		config.SendBuffer = 1
	}
	return &Broadcaster{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		current: current,
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, b.config.SendBuffer),
		broadcaster: b,
	}
	if b.current != nil {
		if data, err := json.Marshal(b.current()); err == nil {
			c.send <- data
		}
	}
	if err := b.register(c); err != nil {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	log.Debug().Str("connection_id", c.id).Msg("state push connection established")
}

func (b *Broadcaster) register(c *client) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broadcaster closed")
	}
	b.clients[c] = struct{}{}
	return nil
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// Publish marshals v once and queues it for every client. Clients whose
// buffer is full are disconnected.
func (b *Broadcaster) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal state for broadcast")
		return
	}

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if !c.offer(data) {
			log.Warn().Str("connection_id", c.id).Msg("connection send buffer full, closing connection")
			b.unregister(c)
			c.conn.Close()
		}
	}
}

// Count returns the number of connected clients.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()
	for _, c := range targets {
		b.unregister(c)
	}
}

// offer queues data without blocking. The read lock keeps send open.
func (c *client) offer(data []byte) bool {
	c.broadcaster.mu.RLock()
	defer c.broadcaster.mu.RUnlock()
	if _, ok := c.broadcaster.clients[c]; !ok {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.broadcaster.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.broadcaster.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.broadcaster.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to write state")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.broadcaster.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pongs and close frames; clients send nothing.
func (c *client) readPump() {
	defer func() {
		c.broadcaster.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.broadcaster.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.broadcaster.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.broadcaster.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected WebSocket close error")
			}
			return
		}
	}
}
