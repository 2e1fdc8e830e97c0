package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/arena/go/internal/feed"
	"github.com/mcdev12/arena/go/internal/negotiator"
	"github.com/mcdev12/arena/go/internal/round"
	"github.com/mcdev12/arena/go/internal/stream"
)

// Feed kinds.
const (
	FeedWebSocket = "websocket"
	FeedJetStream = "jetstream"
	FeedNone      = "none"
)

type Config struct {
	API struct {
		BaseURL     string        `yaml:"base_url"`
		LobbyPath   string        `yaml:"lobby_path"`
		BalancePath string        `yaml:"balance_path"`
		HistoryPath string        `yaml:"history_path"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"api"`

	// Session is the table opened at startup.
	Session struct {
		TableID string `yaml:"table_id"`
		Token   string `yaml:"token"`
	} `yaml:"session"`

	Stream struct {
		Templates stream.Templates  `yaml:"templates"`
		StreamIDs map[string]string `yaml:"stream_ids"`
	} `yaml:"stream"`

	WebRTC struct {
		ICEServers    []string      `yaml:"ice_servers"`
		GatherTimeout time.Duration `yaml:"gather_timeout"`
		ClientIP      string        `yaml:"client_ip"`
	} `yaml:"webrtc"`

	Negotiator negotiator.Config `yaml:"negotiator"`
	Round      round.Config      `yaml:"round"`

	Feed struct {
		Kind      string               `yaml:"kind"`
		WebSocket feed.WebSocketConfig `yaml:"websocket"`
		JetStream feed.JetStreamConfig `yaml:"jetstream"`
	} `yaml:"feed"`

	HTTP struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a configuration that runs against the production hosts.
func Default() *Config {
	var c Config
	c.API.BaseURL = "https://api.arena-stream.net"
	c.API.LobbyPath = "/api/lobby/tables"
	c.API.BalancePath = "/api/wallet/balance"
	c.API.HistoryPath = "/api/tables/history"
	c.API.Timeout = 10 * time.Second

	c.Stream.Templates = stream.DefaultTemplates()
	c.Stream.StreamIDs = map[string]string{
		"CF01": "1012",
		"CF02": "1022",
	}

	c.WebRTC.GatherTimeout = 3 * time.Second

	c.Negotiator = negotiator.DefaultConfig()
	c.Round = round.DefaultConfig()

	c.Feed.Kind = FeedWebSocket
	c.Feed.WebSocket = feed.DefaultWebSocketConfig()
	c.Feed.WebSocket.URL = "wss://api.arena-stream.net/ws/viewer"
	c.Feed.JetStream = feed.DefaultJetStreamConfig()

	c.HTTP.Port = "8090"
	c.HTTP.AllowedOrigins = []string{"*"}
	c.LogLevel = "info"
	return &c
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = GetEnv("ARENA_API_URL", c.API.BaseURL)
	c.Session.TableID = GetEnv("ARENA_TABLE_ID", c.Session.TableID)
	c.Session.Token = GetEnv("ARENA_SESSION_TOKEN", c.Session.Token)

	c.Feed.Kind = GetEnv("ARENA_FEED", c.Feed.Kind)
	c.Feed.WebSocket.URL = GetEnv("ARENA_FEED_URL", c.Feed.WebSocket.URL)
	c.Feed.JetStream.URL = GetEnv("NATS_URL", c.Feed.JetStream.URL)

	c.HTTP.Port = GetEnv("VIEWER_PORT", c.HTTP.Port)
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)

	throttle := GetEnvInt("ARENA_REFRESH_THROTTLE_SECONDS", int(c.Negotiator.Throttle/time.Second))
	c.Negotiator.Throttle = time.Duration(throttle) * time.Second
}

// Validate rejects settings the viewer cannot run with.
func (c *Config) Validate() error {
	switch c.Feed.Kind {
	case FeedWebSocket:
		if c.Feed.WebSocket.URL == "" {
			return fmt.Errorf("feed.websocket.url is required for the websocket feed")
		}
	case FeedJetStream:
		if c.Feed.JetStream.URL == "" || c.Feed.JetStream.StreamName == "" {
			return fmt.Errorf("feed.jetstream needs url and stream")
		}
	case FeedNone:
	default:
		return fmt.Errorf("unknown feed kind %q", c.Feed.Kind)
	}
	if c.Stream.Templates.HLS == "" {
		return fmt.Errorf("stream.templates.hls is required")
	}
	if c.Negotiator.Throttle < 0 {
		return fmt.Errorf("negotiator.throttle must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// StreamIDs builds the table to stream id map.
func (c *Config) StreamIDs() stream.StreamIDs {
	return stream.NewStreamIDs(c.Stream.StreamIDs)
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
