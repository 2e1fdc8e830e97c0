package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/events"
)

// JetStreamConfig holds configuration for the JetStream source
type JetStreamConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream"`
	ConsumerName  string        `yaml:"consumer"`
	SubjectFilter string        `yaml:"subject_filter"` // e.g., "arena.tables.CF01.>"
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultJetStreamConfig returns default JetStream source configuration
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "ARENA_EVENTS",
		ConsumerName:  "arena-viewer",
		SubjectFilter: "arena.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamSource consumes table events from a JetStream stream.
type JetStreamSource struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConfig
}

// NewJetStreamSource connects to NATS and binds the durable consumer.
func NewJetStreamSource(ctx context.Context, config JetStreamConfig) (*JetStreamSource, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &JetStreamSource{
		nc:     nc,
		js:     js,
		config: config,
	}
	if err := s.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return s, nil
}

func (s *JetStreamSource) ensureConsumer(ctx context.Context) error {
	stream, err := s.js.Stream(ctx, s.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          s.config.ConsumerName,
		Durable:       s.config.ConsumerName,
		Description:   "Arena viewer event consumer",
		FilterSubject: s.config.SubjectFilter,
		// Late joiners only need the newest phase and locator per subject.
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    s.config.MaxDeliver,
		AckWait:       s.config.AckWait,
		MaxAckPending: s.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, s.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", s.config.ConsumerName).
			Str("stream", s.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", s.config.ConsumerName).
			Str("stream", s.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	s.consumer = consumer
	return nil
}

// Run consumes messages until ctx is cancelled.
func (s *JetStreamSource) Run(ctx context.Context, h Handler) error {
	log.Info().
		Str("consumer", s.config.ConsumerName).
		Str("subject", s.config.SubjectFilter).
		Msg("starting JetStream event source")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := s.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event source shutting down")
			return nil
		case msg := <-messageCh:
			s.settle(msg, deliver(ctx, h, msg.Data()))
		}
	}
}

func (s *JetStreamSource) settle(msg jetstream.Msg, err error) {
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	case errors.Is(err, errMalformed):
		// Redelivery cannot fix a broken envelope.
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed event")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
	default:
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to NAK message")
		}
	}
}

// Close drops the NATS connection.
func (s *JetStreamSource) Close() error {
	log.Info().Msg("stopping JetStream event source")
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

var errMalformed = errors.New("malformed event")

// deliver decodes one raw envelope and hands it to h.
func deliver(ctx context.Context, h Handler, raw []byte) error {
	event, err := events.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	log.Debug().
		Str("event_id", event.ID).
		Str("table_id", event.TableID).
		Str("event_type", string(event.Type)).
		Msg("delivering event")
	return h.HandleEvent(ctx, event)
}
