// The curatedbridge service mirrors the curated namespace into an export
// namespace on the same broker, optionally fanning out to Pub/Sub. Topics
// already in the export namespace are excluded so the republish cannot loop.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/pubsub"

	"github.com/illmade-knight/go-curation/pkg/bridge"
	"github.com/illmade-knight/go-curation/pkg/messagepipeline"
	"github.com/illmade-knight/go-curation/pkg/metrics"
	"github.com/illmade-knight/go-curation/pkg/microservice"
	"github.com/illmade-knight/go-curation/pkg/mqttbus"
	"github.com/illmade-knight/go-curation/pkg/types"
)

// identityLookup republishes every curated topic unchanged. The export
// variant applies no key renames; curation already happened upstream.
type identityLookup struct{}

func (identityLookup) Get(topic string) (types.Mapping, bool) {
	return types.Mapping{RawTopic: topic, CuratedTopic: topic}, true
}

func main() {
	_ = godotenv.Load(".env")

	level, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("service", "curatedbridge").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("Curated bridge service failed.")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	busCfg := mqttbus.LoadConfigWithEnv("CURATED")
	sub, err := mqttbus.NewClient(busCfg, "subscriber", logger)
	if err != nil {
		return err
	}
	pub, err := mqttbus.NewClient(busCfg, "publisher", logger)
	if err != nil {
		return err
	}

	exportPrefix := strings.TrimSuffix(envOr("EXPORT_TOPIC_PREFIX", "export"), "/")

	var opts []bridge.Option
	var exporter messagepipeline.SimplePublisher
	if topicID := os.Getenv("PUBSUB_EXPORT_TOPIC_ID"); topicID != "" {
		psClient, err := pubsub.NewClient(ctx, envOr("GOOGLE_CLOUD_PROJECT", ""))
		if err != nil {
			return err
		}
		defer func() { _ = psClient.Close() }()
		exporter, err = messagepipeline.NewGooglePubsubProducer(ctx, messagepipeline.NewGooglePubsubProducerDefaults(topicID), psClient, logger)
		if err != nil {
			return err
		}
		opts = append(opts, bridge.WithExporter(exporter))
	}

	br, err := bridge.New(bridge.Config{
		SubscribeFilter:      envOr("BRIDGE_SUBSCRIBE_FILTER", "#"),
		QoS:                  busCfg.QoS,
		Backoff:              envDuration("BRIDGE_RECONNECT_BACKOFF", 5*time.Second),
		PublishTopicPrefix:   exportPrefix,
		ExcludeTopicPrefixes: []string{exportPrefix + "/"},
	}, sub, pub, identityLookup{}, logger, opts...)
	if err != nil {
		return err
	}
	if err := br.Start(ctx); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	metrics.RegisterBridge(registry, br)

	server := microservice.NewBaseServer(logger, envOr("HTTP_PORT", ":8081"))
	server.MountMetrics(registry)
	server.AddReadinessCheck("bridge", func() error {
		state := br.ConnectionState()
		if state.Phase != bridge.PhaseConnected {
			return errors.New(state.Phase.String())
		}
		return nil
	})
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info().Str("http_port", server.GetHTTPPort()).Str("export_prefix", exportPrefix).Msg("Curated bridge running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := br.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Bridge stop failed.")
	}
	if exporter != nil {
		if err := exporter.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Exporter stop failed.")
		}
	}
	return server.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
