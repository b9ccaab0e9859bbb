package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPubSub(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)

	client, err := pubsub.NewClient(context.Background(), "locus-test")
	require.NoError(t, err)
	return srv, client
}

func TestPubSubPublish(t *testing.T) {
	srv, client := newTestPubSub(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "record-sync")
	require.NoError(t, err)

	b := newPubSubBroker(client, zap.NewNop())
	defer b.Close()

	require.NoError(t, b.Publish(ctx, testMessage()))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte(`{"eventId":"1"}`), msgs[0].Data)
	assert.Equal(t, "1", msgs[0].Attributes["eventId"])
	assert.Equal(t, "RECORD_CREATED", msgs[0].Attributes["eventType"])
	assert.Equal(t, "bar", msgs[0].Attributes["foo"])
}

func TestPubSubPublish_MissingTopic(t *testing.T) {
	_, client := newTestPubSub(t)
	b := newPubSubBroker(client, zap.NewNop())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, b.Publish(ctx, testMessage()))
}

func TestPubSubConsumer(t *testing.T) {
	srv, client := newTestPubSub(t)
	ctx := context.Background()
	topic, err := client.CreateTopic(ctx, "record-sync")
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "record-sync.dlx")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "record-sync-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	_, err = topic.Publish(ctx, &pubsub.Message{Data: []byte(`poison`)}).Get(ctx)
	require.NoError(t, err)
	topic.Stop()

	c := &pubSubConsumer{
		client:        client,
		subscription:  "record-sync-sub",
		deadLetter:    "record-sync.dlx",
		concurrency:   1,
		maxDeliveries: 1,
		logger:        zap.NewNop(),
	}

	received := make(chan []byte, 1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(runCtx, func(_ context.Context, body []byte) error {
			select {
			case received <- body:
			default:
			}
			return errors.New("cannot apply")
		})
	}()

	select {
	case body := <-received:
		assert.Equal(t, []byte(`poison`), body)
	case <-time.After(10 * time.Second):
		t.Fatal("message was not delivered")
	}

	// the failed message is copied to the dead-letter topic
	assert.Eventually(t, func() bool { return len(srv.Messages()) == 2 }, 10*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
