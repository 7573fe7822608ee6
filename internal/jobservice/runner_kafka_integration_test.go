package jobservice

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunnerPublishesJobCompletionToKafka exercises the out-of-band
// notification leg: a submitted job's terminal transition must land on the
// completions topic, readable by a separate consumer, independent of the
// in-process listener callback.
func TestRunnerPublishesJobCompletionToKafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("reflection-manager-test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err)

	defer func() {
		_ = container.Terminate(ctx)
	}()

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	const topic = "reflection.job-completions-test"

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	writer := NewKafkaWriter(brokers, topic)
	defer func() {
		_ = writer.Close()
	}()

	runner := NewRunner(logger, 100, writer)

	done := make(chan *Job, 1)

	job, err := runner.SubmitJob(Request{
		ReflectionID:      "reflection-1",
		MaterializationID: "materialization-1",
		QueryType:         QueryAcceleratorCreate,
	}, func(j *Job) { done <- j })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to finish")
	}

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reader := NewKafkaReader(brokers, topic, "reflection-manager-test-consumer")
	defer func() {
		_ = reader.Close()
	}()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)

	jobID, err := DecodeJobCompleted(msg.Value)
	require.NoError(t, err)
	require.Equal(t, job.ID, jobID)
}

// testWriter adapts *testing.T to io.Writer so the runner's logger output is
// attributed to the test instead of the package-level stderr stream.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}
