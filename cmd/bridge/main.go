// The bridge service moves raw telemetry from the uncurated bus onto the
// curated bus. It holds a periodically refreshed snapshot of approved
// mappings, renames payload keys per mapping, and records lineage for every
// republished message.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/pubsub"

	"github.com/illmade-knight/go-curation/pkg/bridge"
	"github.com/illmade-knight/go-curation/pkg/cache"
	"github.com/illmade-knight/go-curation/pkg/curationstore"
	"github.com/illmade-knight/go-curation/pkg/messagepipeline"
	"github.com/illmade-knight/go-curation/pkg/metrics"
	"github.com/illmade-knight/go-curation/pkg/microservice"
	"github.com/illmade-knight/go-curation/pkg/mqttbus"
	"github.com/illmade-knight/go-curation/pkg/types"
)

func main() {
	_ = godotenv.Load(".env")

	level, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("service", "bridge").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("Bridge service failed.")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	storeCfg := curationstore.LoadConfigWithEnv()
	fsClient, err := curationstore.NewProductionFirestoreClient(ctx, storeCfg.ProjectID, storeCfg.CredentialsFile, logger)
	if err != nil {
		return err
	}
	defer func() { _ = fsClient.Close() }()

	store, err := curationstore.New(storeCfg, fsClient, logger)
	if err != nil {
		return err
	}

	mappings, err := cache.NewSnapshotCache[types.Mapping](cache.SnapshotCacheConfig{
		Name:            "mappings",
		RefreshInterval: envDuration("MAPPING_REFRESH_INTERVAL", 30*time.Second),
	}, store.ListMappings, logger)
	if err != nil {
		return err
	}
	if err := mappings.Start(ctx); err != nil {
		return err
	}

	subCfg := mqttbus.LoadConfigWithEnv("UNCURATED")
	pubCfg := mqttbus.LoadConfigWithEnv("CURATED")
	sub, err := mqttbus.NewClient(subCfg, "subscriber", logger)
	if err != nil {
		return err
	}
	pub, err := mqttbus.NewClient(pubCfg, "publisher", logger)
	if err != nil {
		return err
	}

	opts := []bridge.Option{bridge.WithLineageWriter(store)}

	// Optional split-transport export to Pub/Sub for the remote ingestion
	// deployment.
	var exporter messagepipeline.SimplePublisher
	if topicID := os.Getenv("PUBSUB_EXPORT_TOPIC_ID"); topicID != "" {
		psClient, err := pubsub.NewClient(ctx, storeCfg.ProjectID)
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
		SubscribeFilter: envOr("BRIDGE_SUBSCRIBE_FILTER", "#"),
		QoS:             subCfg.QoS,
		Backoff:         envDuration("BRIDGE_RECONNECT_BACKOFF", 5*time.Second),
	}, sub, pub, mappings, logger, opts...)
	if err != nil {
		return err
	}
	if err := br.Start(ctx); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	metrics.RegisterBridge(registry, br)
	metrics.RegisterSnapshotCache(registry, "mappings", mappings)

	server := microservice.NewBaseServer(logger, envOr("HTTP_PORT", ":8080"))
	server.MountMetrics(registry)
	server.AddReadinessCheck("bridge", func() error {
		state := br.ConnectionState()
		if state.Phase != bridge.PhaseConnected {
			return errors.New(state.Phase.String())
		}
		return nil
	})
	server.AddReadinessCheck("mappings", func() error {
		if mappings.Stats().LastRefresh.IsZero() {
			return errors.New("snapshot not loaded")
		}
		return nil
	})
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info().Str("http_port", server.GetHTTPPort()).Msg("Bridge service running.")
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
	if err := mappings.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Mapping cache stop failed.")
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
