// The ingestion service consumes the curated feed, batches messages through
// the shed-on-overflow intake queue, checks conformance against approved
// bindings, and persists records to BigQuery alongside the Firestore topic
// graph. Payloads are optionally teed to a GCS cold archive.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"

	"github.com/illmade-knight/go-curation/pkg/archive"
	"github.com/illmade-knight/go-curation/pkg/bqstore"
	"github.com/illmade-knight/go-curation/pkg/cache"
	"github.com/illmade-knight/go-curation/pkg/curationstore"
	"github.com/illmade-knight/go-curation/pkg/enrichment"
	"github.com/illmade-knight/go-curation/pkg/ingestion"
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
	logger := log.With().Str("service", "ingestion").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("Ingestion service failed.")
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

	bindings, err := cache.NewSnapshotCache[types.Binding](cache.SnapshotCacheConfig{
		Name:            "bindings",
		RefreshInterval: envDuration("BINDING_REFRESH_INTERVAL", 30*time.Second),
	}, store.ListBindings, logger)
	if err != nil {
		return err
	}

	// Publisher profiles are point reads through the layered fetcher chain:
	// in-process LRU over Redis over Firestore.
	profileSource, err := cache.NewFirestoreSource[types.PublisherProfile](fsClient, storeCfg.ProfileCollection, logger)
	if err != nil {
		return err
	}
	profileRedis, err := cache.NewRedisCache[types.PublisherProfile](ctx, cache.LoadRedisConfigWithEnv(), profileSource, logger)
	if err != nil {
		return err
	}
	profiles, err := cache.NewLRUCache[types.PublisherProfile](envInt("PROFILE_LRU_SIZE", 1024), profileRedis)
	if err != nil {
		return err
	}
	defer func() { _ = profiles.Close() }()

	enrich, err := enrichment.NewPublisherEnricher(profiles, logger)
	if err != nil {
		return err
	}

	bqCfg, err := bqstore.LoadBigQueryDatasetConfigFromEnv()
	if err != nil {
		return err
	}
	bqClient, err := bqstore.NewProductionBigQueryClient(ctx, bqCfg.ProjectID, bqCfg.CredentialsFile, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bqClient.Close() }()
	inserter, err := bqstore.NewBigQueryInserter[types.MessageRecord](ctx, bqClient, bqCfg, logger)
	if err != nil {
		return err
	}

	queue, err := ingestion.NewQueue(envInt("INGEST_QUEUE_CAPACITY", 1000))
	if err != nil {
		return err
	}

	workerOpts := []ingestion.WorkerOption{
		ingestion.WithCanonicalizer(ingestion.CanonicalText),
		ingestion.WithEnricher(enrich),
	}

	var archiver *archive.Batcher
	if bucket := os.Getenv("ARCHIVE_GCS_BUCKET"); bucket != "" {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = gcsClient.Close() }()
		archiveCfg, err := archive.LoadGCSUploaderConfigFromEnv()
		if err != nil {
			return err
		}
		uploader, err := archive.NewGCSUploader(archive.NewGCSClientAdapter(gcsClient), *archiveCfg, logger)
		if err != nil {
			return err
		}
		archiver = archive.NewBatcher(archive.BatcherConfig{
			FlushInterval: envDuration("ARCHIVE_FLUSH_INTERVAL", time.Minute),
		}, uploader, logger)
		if err := archiver.Start(ctx); err != nil {
			return err
		}
		workerOpts = append(workerOpts, ingestion.WithArchiver(archiver))
		logger.Info().Str("bucket", bucket).Msg("Cold archive enabled.")
	}

	worker := ingestion.NewWorker(ingestion.WorkerConfig{
		BatchSize:    envInt("INGEST_BATCH_SIZE", 10),
		BatchTimeout: envDuration("INGEST_BATCH_TIMEOUT", 100*time.Millisecond),
	}, queue, bindings, store, inserter, logger, workerOpts...)

	consumer, err := buildConsumer(ctx, storeCfg.ProjectID, logger)
	if err != nil {
		return err
	}

	service, err := ingestion.NewService(ingestion.ServiceConfig{
		MinPayloadBytes: envInt("INGEST_MIN_PAYLOAD_BYTES", 0),
		MaxPayloadBytes: envInt("INGEST_MAX_PAYLOAD_BYTES", 0),
	}, consumer, queue, worker, []ingestion.Lifecycle{bindings}, logger)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}

	sweeper, err := curationstore.NewRetentionSweeper(curationstore.RetentionConfig{
		Interval: envDuration("RETENTION_SWEEP_INTERVAL", 6*time.Hour),
		MaxAge:   envDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
	}, map[string]curationstore.Pruner{
		"lineage": curationstore.PrunerFunc(store.PruneLineageBefore),
	}, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	metrics.RegisterWorker(registry, worker)
	metrics.RegisterIngestionService(registry, service)
	metrics.RegisterSnapshotCache(registry, "bindings", bindings)

	server := microservice.NewBaseServer(logger, envOr("HTTP_PORT", ":8082"))
	server.MountMetrics(registry)
	server.AddReadinessCheck("bindings", func() error {
		if bindings.Stats().LastRefresh.IsZero() {
			return errors.New("snapshot not loaded")
		}
		return nil
	})
	if mqttConsumer, ok := consumer.(*mqttbus.Consumer); ok {
		server.AddReadinessCheck("broker", func() error {
			if !mqttConsumer.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
	}
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info().Str("http_port", server.GetHTTPPort()).Msg("Ingestion service running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := service.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Ingestion service stop failed.")
	}
	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Archive batcher stop failed.")
		}
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Retention sweeper stop failed.")
	}
	_ = inserter.Close()
	return server.Shutdown(shutdownCtx)
}

// buildConsumer selects the curated-feed transport: a Pub/Sub subscription
// when PUBSUB_SUBSCRIPTION_ID is set, otherwise the curated MQTT namespace.
func buildConsumer(ctx context.Context, projectID string, logger zerolog.Logger) (messagepipeline.MessageConsumer, error) {
	if subID := os.Getenv("PUBSUB_SUBSCRIPTION_ID"); subID != "" {
		psClient, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return messagepipeline.NewGooglePubsubConsumer(messagepipeline.LoadDefaultGooglePubsubConsumerConfig(subID), psClient, logger)
	}
	return mqttbus.NewConsumer(mqttbus.ConsumerConfig{
		Conn:                 mqttbus.LoadConfigWithEnv("CURATED"),
		ChannelCapacity:      envInt("CONSUMER_CHANNEL_CAPACITY", 1000),
		PublisherIDFromTopic: true,
	}, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
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
