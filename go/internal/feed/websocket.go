package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig configures the WebSocket push source.
type WebSocketConfig struct {
	URL           string        `yaml:"url"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// MaxReconnects bounds consecutive failed dials, -1 for no bound.
	MaxReconnects    int           `yaml:"max_reconnects"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DefaultWebSocketConfig returns the default push source configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ReconnectWait:    2 * time.Second,
		MaxReconnects:    -1,
		HandshakeTimeout: 10 * time.Second,
	}
}

// WebSocketSource reads JSON envelopes from a WebSocket, redialling after
// the connection drops.
type WebSocketSource struct {
	config WebSocketConfig
	clock  clockwork.Clock
	dialer *websocket.Dialer
	header http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	stopped chan struct{}
}

// NewWebSocketSource creates a source for config.URL. header is sent on
// every dial.
func NewWebSocketSource(config WebSocketConfig, clock clockwork.Clock, header http.Header) *WebSocketSource {
	return &WebSocketSource{
		config: config,
		clock:  clock,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		header:  header,
		stopped: make(chan struct{}),
	}
}

// Run dials, reads until the connection ends, and redials until ctx is done.
func (s *WebSocketSource) Run(ctx context.Context, h Handler) error {
	failures := 0
	for {
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}

		conn, err := s.dial(ctx)
		if err != nil {
			failures++
			if s.config.MaxReconnects >= 0 && failures > s.config.MaxReconnects {
				return fmt.Errorf("dial %s: %w", s.config.URL, err)
			}
			log.Warn().Err(err).Int("attempt", failures).Msg("event socket dial failed")
		} else {
			failures = 0
			log.Info().Str("url", s.config.URL).Msg("event socket connected")
			s.listen(ctx, conn, h)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopped:
			return nil
		case <-s.clock.After(s.config.ReconnectWait):
		}
	}
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.config.URL, s.header)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return nil, fmt.Errorf("source closed")
	}
	s.conn = conn
	return conn, nil
}

// listen reads messages until the connection fails or ctx is cancelled.
func (s *WebSocketSource) listen(ctx context.Context, conn *websocket.Conn, h Handler) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				log.Warn().Err(err).Msg("event socket read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := deliver(ctx, h, message); err != nil {
			// No redelivery on a socket; the next phase or result event
			// carries the full state again.
			log.Error().Err(err).Msg("failed to handle event")
		}
	}
}

func (s *WebSocketSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the source and closes the live connection.
func (s *WebSocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopped)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
