package main

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Embed Performance benchmarks

func Benchmark_ListEmbeddedMigrations(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	migration := NewEmbeddedMigration(nil)

	b.ResetTimer()

	for range b.N {
		_, err := migration.ListEmbeddedMigrations()
		if err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}

func Benchmark_GetEmbeddedMigrationContent(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	migration := NewEmbeddedMigration(nil)
	filename := "001_reflection_goals.up.sql"

	b.ResetTimer()

	for range b.N {
		_, err := migration.GetEmbeddedMigrationContent(filename)
		if err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}

// Benchmark_MigrationRunnerIntegrationOperations benchmarks migration operations with actual embedded migrations.
func Benchmark_MigrationRunnerIntegrationOperations(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping this benchmark in short mode")
	}

	ctx := context.Background()

	// Set up PostgreSQL container for benchmarking
	pgContainer, err := postgrescontainer.Run(ctx,
		"postgres:15-alpine",
		postgrescontainer.WithDatabase("benchmarkdb"),
		postgrescontainer.WithUsername("benchmarkuser"),
		postgrescontainer.WithPassword("benchmarkpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)), // Extended timeout for dev containers
	)
	if err != nil {
		b.Fatalf("failed to start postgres container: %v", err)
	}

	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			b.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		b.Fatalf("failed to get connection string: %v", err)
	}

	// Use actual embedded migrations for realistic benchmarks
	config := &Config{
		DatabaseURL:    connStr,
		MigrationTable: "schema_migrations_benchmark",
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		b.Fatalf("failed to create runner: %v", err)
	}

	defer func() {
		if err := runner.Close(); err != nil {
			b.Logf("cleanup error: %v", err)
		}
	}()

	// Apply all embedded migrations for realistic benchmark setup
	if err := runner.Up(); err != nil {
		b.Fatalf("failed to apply embedded migrations: %v", err)
	}

	b.ResetTimer()

	// Benchmark status operations
	b.Run("Status", func(b *testing.B) {
		for range b.N {
			if err := runner.Status(); err != nil {
				b.Fatalf("status check failed: %v", err)
			}
		}
	})

	// Benchmark version operations
	b.Run("Version", func(b *testing.B) {
		for range b.N {
			if err := runner.Version(); err != nil {
				b.Fatalf("version check failed: %v", err)
			}
		}
	})

	// Benchmark migration operations (rollback and reapply)
	b.Run("MigrationOperations", func(b *testing.B) {
		for range b.N {
			// Rollback last migration
			if err := runner.Down(); err != nil {
				b.Fatalf("migration down failed: %v", err)
			}

			// Reapply migration
			if err := runner.Up(); err != nil {
				b.Fatalf("migration up failed: %v", err)
			}
		}
	})
}

// Benchmark_MigrationRunnerOperations benchmarks basic operations.
func Benchmark_MigrationRunnerOperations(b *testing.B) {
	mock := &mockMigrationRunner{}

	b.Run("Status", func(b *testing.B) {
		for range b.N {
			_ = mock.Status()
		}
	})

	b.Run("Version", func(b *testing.B) {
		for range b.N {
			_ = mock.Version()
		}
	})

	b.Run("Up", func(b *testing.B) {
		for range b.N {
			_ = mock.Up()
		}
	})
}
