//go:build integration

package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"model-benchmark/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	t.Run("Publish and Receive EvaluationTask", func(t *testing.T) {
		payload := messaging.EvaluationTaskPayload{UserId: "abc123"}
		require.NoError(t, publisher.PublishEvaluationTask(ctx, payload))

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.EvaluationQueue, task.Type())

			var receivedPayload messaging.EvaluationTaskPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &receivedPayload))
			assert.Equal(t, payload, receivedPayload)

			require.NoError(t, task.Ack())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Nacked tasks are not redelivered", func(t *testing.T) {
		require.NoError(t, publisher.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{UserId: "nacked"}))

		select {
		case task := <-receiver.Tasks():
			require.NoError(t, task.Nack())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}

		select {
		case task := <-receiver.Tasks():
			t.Fatalf("unexpected redelivery of %s", string(task.Payload()))
		case <-time.After(2 * time.Second):
		}
	})
}
