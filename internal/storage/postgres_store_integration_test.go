package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reflection-io/reflection/internal/model"
	"github.com/reflection-io/reflection/internal/store"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations.
func setupTestDatabase(ctx context.Context, t *testing.T) (*pgcontainer.PostgresContainer, *Connection) {
	t.Helper()

	container, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("reflection_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err)
	require.NotNil(t, container)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	config := &Config{
		databaseURL:     connStr,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}

	conn, err := NewConnection(config) //nolint:contextcheck
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := runTestMigrations(conn.DB); err != nil {
		_ = conn.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to run test migrations: %v", err)
	}

	return container, conn
}

// runTestMigrations applies all migrations from the migrations directory using golang-migrate.
func runTestMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://../../migrations", // relative to internal/storage
		postgresDriver,
		driver,
	)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func TestPostgresGoalStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	goalStore := NewPostgresGoalStore(conn)

	goal := model.NewReflectionGoal(uuid.NewString(), "orders_agg", model.ReflectionTypeAggregation)
	require.NoError(t, goalStore.Save(ctx, goal))
	require.Equal(t, int64(1), goal.StoreVersion)

	fetched, err := goalStore.Get(ctx, goal.ID)
	require.NoError(t, err)
	require.Equal(t, goal.Name, fetched.Name)
	require.Equal(t, int64(1), fetched.StoreVersion)

	fetched.Name = "orders_agg_v2"
	require.NoError(t, goalStore.Save(ctx, fetched))
	require.Equal(t, int64(2), fetched.StoreVersion)

	// Stale write with the original StoreVersion must fail with ErrConcurrentModification.
	goal.Name = "stale_write"
	err = goalStore.Save(ctx, goal)
	require.ErrorIs(t, err, store.ErrConcurrentModification)

	require.NoError(t, goalStore.Delete(ctx, fetched.ID))

	_, err = goalStore.Get(ctx, fetched.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresEntryAndMaterializationStores(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	entryStore := NewPostgresEntryStore(conn)
	matStore := NewPostgresMaterializationStore(conn)

	goal := model.NewReflectionGoal(uuid.NewString(), "customers_agg", model.ReflectionTypeAggregation)
	entry := model.NewReflectionEntry(goal, 1)
	require.NoError(t, entryStore.Save(ctx, entry))

	fetched, err := entryStore.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateRefresh, fetched.State)

	mat := model.NewMaterialization(entry.ID, goal.Version)
	require.NoError(t, matStore.Save(ctx, mat))

	running, err := matStore.GetRunning(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, mat.ID, running.ID)

	mat.Refreshes = append(mat.Refreshes, uuid.NewString())
	mat.State = model.MaterializationDone
	require.NoError(t, matStore.Save(ctx, mat))

	exclusive, err := matStore.GetRefreshesExclusivelyOwnedBy(ctx, mat.ID)
	require.NoError(t, err)
	require.Equal(t, mat.Refreshes, exclusive)

	entries, err := entryStore.Find(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, entryStore.Delete(ctx, entry.ID))

	entries, err = entryStore.Find(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}
