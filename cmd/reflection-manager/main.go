// Package main wires together and runs the reflection manager: the
// reconciliation loop, its job/namespace/dependency collaborators, the
// admin HTTP surface, and (when DATABASE_URL is set) PostgreSQL-backed
// storage in place of the in-memory stores.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reflection-io/reflection/internal/config"
	"github.com/reflection-io/reflection/internal/dependency"
	"github.com/reflection-io/reflection/internal/descriptorcache"
	"github.com/reflection-io/reflection/internal/httpapi"
	"github.com/reflection-io/reflection/internal/jobservice"
	"github.com/reflection-io/reflection/internal/namespace"
	"github.com/reflection-io/reflection/internal/reconciler"
	"github.com/reflection-io/reflection/internal/storage"
	"github.com/reflection-io/reflection/internal/store"
)

const (
	version = "1.0.0-dev"
	name    = "reflection-manager"

	defaultReconcileInterval    = 30 * time.Second
	defaultSubmissionsPerSecond = 10.0
	defaultKafkaTopic           = "reflection.job-completions"
	defaultKafkaGroupID         = "reflection-manager"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := httpapi.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting reflection manager",
		slog.String("service", name),
		slog.String("version", version),
	)

	goals, entries, materializations, externalReflections, closeStorage := buildStores(logger)
	defer closeStorage()

	brokers := strings.Split(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := config.GetEnvStr("KAFKA_JOB_COMPLETIONS_TOPIC", defaultKafkaTopic)

	kafkaWriter := jobservice.NewKafkaWriter(brokers, topic)
	defer func() {
		if err := kafkaWriter.Close(); err != nil {
			logger.Warn("failed to close kafka writer", slog.String("error", err.Error()))
		}
	}()

	jobs := jobservice.NewRunner(logger, defaultSubmissionsPerSecond, kafkaWriter)

	manager := reconciler.NewManager(
		logger,
		goals,
		entries,
		materializations,
		externalReflections,
		dependency.NewManager(),
		jobs,
		namespace.NewMemoryService(),
		descriptorcache.NewMemoryCache(),
		config.NewOptionsProviderFromEnv(),
	)

	scheduler := reconciler.NewScheduler(logger, manager, defaultReconcileInterval)
	manager.SetWakeUpCallback(scheduler.WakeUp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	go consumeJobCompletions(ctx, logger, brokers, topic, scheduler)

	server := httpapi.NewServer(&serverConfig, scheduler)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}

	logger.Info("reflection manager stopped")
}

// buildStores wires PostgreSQL-backed stores when DATABASE_URL is set, and
// falls back to the in-memory stores otherwise (e.g. local development).
func buildStores(logger *slog.Logger) (
	store.GoalStore, store.EntryStore, store.MaterializationStore, store.ExternalReflectionStore, func(),
) {
	dbConfig := storage.LoadConfig()

	if err := dbConfig.Validate(); err != nil {
		logger.Info("DATABASE_URL not set, using in-memory stores")

		return store.NewInMemoryGoalStore(),
			store.NewInMemoryEntryStore(),
			store.NewInMemoryMaterializationStore(),
			store.NewInMemoryExternalReflectionStore(),
			func() {}
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database",
			slog.String("database", dbConfig.MaskDatabaseURL()), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("connected to database", slog.String("database", dbConfig.MaskDatabaseURL()))

	return storage.NewPostgresGoalStore(conn),
		storage.NewPostgresEntryStore(conn),
		storage.NewPostgresMaterializationStore(conn),
		storage.NewPostgresExternalReflectionStore(conn),
		func() {
			if err := conn.Close(); err != nil {
				logger.Warn("failed to close database connection", slog.String("error", err.Error()))
			}
		}
}

// consumeJobCompletions drains the job-completion topic and nudges the
// scheduler awake on each message, for deployments where job execution runs
// out-of-process from the reconciler. The reconciler always re-polls the
// job store itself; this is purely a wake-up trigger.
func consumeJobCompletions(
	ctx context.Context, logger *slog.Logger, brokers []string, topic string, scheduler *reconciler.Scheduler,
) {
	reader := jobservice.NewKafkaReader(brokers, topic, defaultKafkaGroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("failed to close kafka reader", slog.String("error", err.Error()))
		}
	}()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Warn("failed to read job completion message", slog.String("error", err.Error()))

			continue
		}

		jobID, err := jobservice.DecodeJobCompleted(msg.Value)
		if err != nil {
			logger.Warn("failed to decode job completion message", slog.String("error", err.Error()))

			continue
		}

		logger.Debug("job completion notification received", slog.String("job_id", jobID))

		scheduler.WakeUp()
	}
}
