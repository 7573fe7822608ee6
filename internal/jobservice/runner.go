package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"
)

// ErrSubmissionThrottled is returned when the submission rate limiter has no
// tokens left.
var ErrSubmissionThrottled = errors.New("jobservice: submission rate limit exceeded")

const (
	burstMultiplier = 2

	acceleratorCreateDuration = 50 * time.Millisecond
	acceleratorDropDuration   = 20 * time.Millisecond
	metadataLoadDuration      = 10 * time.Millisecond

	kafkaWriteTimeout = 2 * time.Second
)

// jobCompletedMessage is published to Kafka on terminal transition. It
// models "the job service reports back out-of-band": a real, remote job
// runner could publish the same shape without the reconciler's contract
// changing.
type jobCompletedMessage struct {
	JobID             string    `json:"job_id"`
	ReflectionID      string    `json:"reflection_id"`
	MaterializationID string    `json:"materialization_id"`
	QueryType         QueryType `json:"query_type"`
	State             State     `json:"state"`
	Failure           string    `json:"failure,omitempty"`
	FinishedAt        time.Time `json:"finished_at"`
}

// Runner is an in-process Service implementation: it "executes" jobs with
// simulated durations on goroutines, and on terminal transition both invokes
// the submitting listener directly and publishes a completion message to
// Kafka, so a consumer on another process could drive the same wake-up path.
type Runner struct {
	logger      *slog.Logger
	limiter     *rate.Limiter
	kafkaWriter *kafka.Writer // nil disables the Kafka leg

	mutex sync.Mutex
	jobs  map[string]*Job
}

// NewRunner creates a Runner throttled to submissionsPerSecond job
// submissions. kafkaWriter may be nil to disable the Kafka notification leg
// (e.g. in unit tests that only need the in-process listener).
func NewRunner(logger *slog.Logger, submissionsPerSecond float64, kafkaWriter *kafka.Writer) *Runner {
	burst := int(submissionsPerSecond * burstMultiplier)
	if burst < 1 {
		burst = 1
	}

	return &Runner{
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(submissionsPerSecond), burst),
		kafkaWriter: kafkaWriter,
		jobs:        make(map[string]*Job),
	}
}

// SubmitJob enqueues a job and starts it on its own goroutine.
func (r *Runner) SubmitJob(request Request, listener Listener) (*Job, error) {
	if !r.limiter.Allow() {
		return nil, ErrSubmissionThrottled
	}

	job := &Job{
		ID:          uuid.NewString(),
		Request:     request,
		State:       StateRunning,
		SubmittedAt: time.Now().UTC(),
	}

	r.mutex.Lock()
	r.jobs[job.ID] = job
	r.mutex.Unlock()

	go r.execute(job, listener)

	return job, nil
}

// GetJobFromStore returns the current state of a submitted job.
func (r *Runner) GetJobFromStore(jobID string) (*Job, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	job, exists := r.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}

	jobCopy := *job

	return &jobCopy, nil
}

// Cancel best-effort marks a RUNNING job CANCELED. The executing goroutine
// observes the state change when it finishes and leaves it as-is rather than
// overwriting it with COMPLETED.
func (r *Runner) Cancel(_, jobID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	job, exists := r.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}

	if job.State.IsTerminal() {
		return nil
	}

	job.State = StateCanceled
	job.FinishedAt = time.Now().UTC()

	return nil
}

func (r *Runner) execute(job *Job, listener Listener) {
	time.Sleep(simulatedDuration(job.Request.QueryType))

	r.mutex.Lock()

	if job.State == StateCanceled {
		r.mutex.Unlock()
		r.finish(job, listener)

		return
	}

	job.State = StateCompleted
	job.FinishedAt = time.Now().UTC()

	if job.Request.QueryType == QueryAcceleratorCreate {
		job.RowsOwned = 1
	}

	r.mutex.Unlock()

	r.finish(job, listener)
}

func (r *Runner) finish(job *Job, listener Listener) {
	r.publish(job)

	if listener != nil {
		listener(job)
	}
}

func (r *Runner) publish(job *Job) {
	if r.kafkaWriter == nil {
		return
	}

	payload, err := json.Marshal(jobCompletedMessage{
		JobID:             job.ID,
		ReflectionID:      job.Request.ReflectionID,
		MaterializationID: job.Request.MaterializationID,
		QueryType:         job.Request.QueryType,
		State:             job.State,
		Failure:           job.Failure,
		FinishedAt:        job.FinishedAt,
	})
	if err != nil {
		r.logger.Warn("failed to marshal job completion message",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()

	if err := r.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.ID),
		Value: payload,
	}); err != nil {
		r.logger.Warn("failed to publish job completion",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func simulatedDuration(queryType QueryType) time.Duration {
	switch queryType {
	case QueryAcceleratorCreate:
		return acceleratorCreateDuration
	case QueryAcceleratorDrop:
		return acceleratorDropDuration
	case QueryMetadataLoad:
		return metadataLoadDuration
	default:
		return acceleratorCreateDuration
	}
}

// NewKafkaWriter builds the Kafka writer the Runner publishes completions to.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: kafkaWriteTimeout,
	}
}

// NewKafkaReader builds a reader for the completion topic, used by
// cmd/reflection-manager to drive the Manager's wake-up callback from a
// remote job runner's notifications.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// DecodeJobCompleted parses a completion message read from Kafka. Returned
// for cmd/reflection-manager to log and use as its wake-up trigger; the
// reconciler still re-polls the job store rather than trusting the message
// payload directly, since the Manager is the single source of truth for
// state transitions.
func DecodeJobCompleted(value []byte) (jobID string, err error) {
	var msg jobCompletedMessage

	if err := json.Unmarshal(value, &msg); err != nil {
		return "", fmt.Errorf("jobservice: decode job completion: %w", err)
	}

	return msg.JobID, nil
}
