package messagepipeline_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-curation/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupPubsubTest creates an in-memory Pub/Sub server with one topic and
// subscription and returns a client connected to it.
func setupPubsubTest(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, topic
}

func TestGooglePubsubConsumer_ReceiveMessage(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, topic := setupPubsubTest(t, "test-project", "raw-telemetry", "raw-telemetry-sub")

	cfg := messagepipeline.LoadDefaultGooglePubsubConsumerConfig("raw-telemetry-sub")
	consumer, err := messagepipeline.NewGooglePubsubConsumer(cfg, client, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = consumer.Stop(stopCtx)
	})

	// --- Act ---
	attrs := map[string]string{messagepipeline.AttrTopic: "site-a/device-1/telemetry"}
	result := topic.Publish(ctx, &pubsub.Message{Data: []byte(`{"t": 21.5}`), Attributes: attrs})
	_, err = result.Get(ctx)
	require.NoError(t, err)

	// --- Assert ---
	select {
	case msg := <-consumer.Messages():
		assert.Equal(t, []byte(`{"t": 21.5}`), msg.Payload)
		assert.Equal(t, "site-a/device-1/telemetry", msg.Topic())
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for message from consumer")
	}
}

func TestGooglePubsubConsumer_StopClosesChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, _ := setupPubsubTest(t, "test-project", "raw-telemetry", "raw-telemetry-sub")

	cfg := messagepipeline.LoadDefaultGooglePubsubConsumerConfig("raw-telemetry-sub")
	consumer, err := messagepipeline.NewGooglePubsubConsumer(cfg, client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, consumer.Stop(stopCtx))

	select {
	case _, open := <-consumer.Messages():
		assert.False(t, open, "messages channel should be closed after Stop")
	case <-ctx.Done():
		t.Fatal("timed out waiting for channel close")
	}

	select {
	case <-consumer.Done():
	default:
		t.Fatal("Done channel should be closed after Stop")
	}
}

func TestNewGooglePubsubConsumer_MissingSubscription(t *testing.T) {
	client, _ := setupPubsubTest(t, "test-project", "raw-telemetry", "raw-telemetry-sub")

	cfg := messagepipeline.LoadDefaultGooglePubsubConsumerConfig("no-such-sub")
	_, err := messagepipeline.NewGooglePubsubConsumer(cfg, client, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
