// Package app wires the service together and owns its lifecycle.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"live-transcribe-service/internal/api/ws"
	"live-transcribe-service/internal/config"
	"live-transcribe-service/internal/events"
	transporthttp "live-transcribe-service/internal/http"
	"live-transcribe-service/internal/observability"
	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/service/provider"
	"live-transcribe-service/internal/service/session"
)

const shutdownTimeout = 10 * time.Second

// Application holds the wired service components.
type Application struct {
	cfg      *config.Configuration
	registry *session.Registry
	pub      *events.Publisher

	httpServer    *http.Server
	metricsServer *observability.Server
}

// New builds the application from configuration.
func New(cfg *config.Configuration) *Application {
	logging.Init(logging.Config{
		Level:       cfg.Observability.LogLevel,
		Environment: cfg.Observability.Environment,
		Service:     "live-transcribe-service",
	})

	registry := session.NewRegistry()

	pub := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})

	newProvider := func() session.ProviderClient {
		return provider.New(provider.Config{
			APIKey:              cfg.Provider.APIKey,
			TokenURL:            cfg.Provider.TokenURL,
			StreamURL:           cfg.Provider.StreamURL,
			SampleRateHz:        cfg.Audio.SampleRateHz,
			Encoding:            cfg.Audio.Encoding,
			ConnectTimeout:      cfg.Provider.ConnectTimeout,
			ExpectedSpeakers:    cfg.Provider.ExpectedSpeakers,
			EndOfTurnConfidence: cfg.Endpointing.EndOfTurnConfidence,
			MinEndOfTurnSilence: cfg.Endpointing.MinEndOfTurnSilence,
			MaxTurnSilence:      cfg.Endpointing.MaxTurnSilence,
		})
	}

	streamHandler := ws.NewHandler(registry, pub, cfg.Service.Principal, newProvider)
	router := transporthttp.NewRouter(streamHandler, func() bool { return true })

	return &Application{
		cfg:           cfg,
		registry:      registry,
		pub:           pub,
		httpServer:    transporthttp.NewServer(":"+cfg.Service.HTTPPort, router),
		metricsServer: observability.NewServer(":" + cfg.Service.MetricsPort),
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	a.metricsServer.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.httpServer.Addr).Msg("Starting HTTP server")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.registry.CloseAll()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown error")
	}
	if err := a.pub.Close(); err != nil {
		log.Warn().Err(err).Msg("Publisher close error")
	}

	log.Info().Msg("Shutdown complete")
	return nil
}
