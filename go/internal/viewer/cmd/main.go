package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/clients"
	"github.com/mcdev12/arena/go/internal/config"
	"github.com/mcdev12/arena/go/internal/feed"
	"github.com/mcdev12/arena/go/internal/metrics"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/negotiator"
	"github.com/mcdev12/arena/go/internal/round"
	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport"
	"github.com/mcdev12/arena/go/internal/viewer"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(config.GetEnv("VIEWER_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, _ := cfg.Level()
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	met := metrics.New()

	session, err := setupSession(cfg, clock, met)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up viewer")
	}

	source, err := setupFeed(ctx, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up event feed")
	}
	if source != nil {
		dispatcher := feed.NewDispatcher(session, met)
		go func() {
			if err := source.Run(ctx, dispatcher); err != nil {
				log.Error().Err(err).Msg("event feed stopped")
			}
		}()
	}

	if cfg.Session.TableID != "" {
		if err := session.SelectTable(models.TableSession{
			TableID:      cfg.Session.TableID,
			SessionToken: cfg.Session.Token,
		}); err != nil {
			log.Error().Err(err).Msg("failed to select startup table")
		}
	}

	handler := viewer.NewHandler(session, met.Handler())
	server := viewer.NewServer(cfg.HTTP.Port, handler.Routes(), cfg.HTTP.AllowedOrigins)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	handler.Close()
	cancel()
	if source != nil {
		source.Close()
	}
	session.Close()

	log.Info().Msg("viewer shutdown complete")
}

func setupSession(cfg *config.Config, clock clockwork.Clock, met *metrics.Metrics) (*viewer.Session, error) {
	apiClient := &http.Client{Timeout: cfg.API.Timeout}
	// Media fetches are long-lived; no overall timeout.
	mediaClient := &http.Client{}

	lobby := clients.NewLobbyClient(cfg.API.BaseURL, cfg.API.LobbyPath)
	lobby.SetHTTPClient(apiClient)
	wallet := clients.NewBalanceClient(cfg.API.BaseURL, cfg.API.BalancePath)
	wallet.SetHTTPClient(apiClient)
	history := clients.NewHistoryClient(cfg.API.BaseURL, cfg.API.HistoryPath)
	history.SetHTTPClient(apiClient)
	signaling := clients.NewSignalingClient()
	signaling.SetHTTPClient(apiClient)

	builder := stream.NewBuilder(cfg.Stream.Templates, cfg.StreamIDs())
	surface := transport.NewSurface(nil)

	rtc, err := transport.NewWebRTCConnector(transport.WebRTCConfig{
		ICEServers:    cfg.WebRTC.ICEServers,
		GatherTimeout: cfg.WebRTC.GatherTimeout,
		Signaler:      signaling,
		Endpoint:      builder.SignalingEndpoint,
		ClientIP:      cfg.WebRTC.ClientIP,
		Clock:         clock,
	})
	if err != nil {
		return nil, fmt.Errorf("webrtc connector: %w", err)
	}

	flvConfig := transport.DefaultFLVConfig()
	flvConfig.HTTPClient = mediaClient
	element := transport.NewHTTPElement(mediaClient)

	neg := negotiator.New(cfg.Negotiator, clock, lobby, builder, surface, met,
		rtc,
		transport.NewFLVConnector(flvConfig),
		transport.NewHLSConnector(element, transport.NewPlaylistDecoderFactory(mediaClient, clock), clock),
		transport.NewFileConnector(element),
		transport.EmbedConnector{},
	)

	balance := &viewer.TokenBalance{Wallet: wallet}
	rounds := round.NewSynchronizer(cfg.Round, clock, balance, met)
	session := viewer.NewSession(neg, rounds, history, clock)
	balance.Tokens = session
	return session, nil
}

func setupFeed(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (feed.Source, error) {
	switch cfg.Feed.Kind {
	case config.FeedJetStream:
		return feed.NewJetStreamSource(ctx, cfg.Feed.JetStream)
	case config.FeedWebSocket:
		header := http.Header{}
		if cfg.Session.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Session.Token)
		}
		return feed.NewWebSocketSource(cfg.Feed.WebSocket, clock, header), nil
	default:
		log.Warn().Msg("no event feed configured")
		return nil, nil
	}
}
