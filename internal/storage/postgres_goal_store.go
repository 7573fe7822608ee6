package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reflection-io/reflection/internal/model"
	"github.com/reflection-io/reflection/internal/store"
)

// PostgresGoalStore implements store.GoalStore with a PostgreSQL backend.
type PostgresGoalStore struct {
	conn *Connection
}

var _ store.GoalStore = (*PostgresGoalStore)(nil)

// NewPostgresGoalStore wraps a pooled connection as a store.GoalStore.
func NewPostgresGoalStore(conn *Connection) *PostgresGoalStore {
	return &PostgresGoalStore{conn: conn}
}

func (s *PostgresGoalStore) Get(ctx context.Context, id string) (*model.ReflectionGoal, error) {
	const query = `
		SELECT id, dataset_id, version, name, type, state, created_at, modified_at, deleted_at, store_version
		FROM reflection_goals
		WHERE id = $1
	`

	goal := &model.ReflectionGoal{}

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&goal.ID, &goal.DatasetID, &goal.Version, &goal.Name, &goal.Type, &goal.State,
		&goal.CreatedAt, &goal.ModifiedAt, &goal.DeletedAt, &goal.StoreVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: get goal %s: %w", id, err)
	}

	return goal, nil
}

func (s *PostgresGoalStore) Save(ctx context.Context, goal *model.ReflectionGoal) error {
	if goal.StoreVersion == 0 {
		const insert = `
			INSERT INTO reflection_goals
				(id, dataset_id, version, name, type, state, created_at, modified_at, deleted_at, store_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		`

		_, err := s.conn.ExecContext(ctx, insert,
			goal.ID, goal.DatasetID, goal.Version, goal.Name, goal.Type, goal.State,
			goal.CreatedAt, goal.ModifiedAt, goal.DeletedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert goal %s: %w", goal.ID, err)
		}

		goal.StoreVersion = 1

		return nil
	}

	const update = `
		UPDATE reflection_goals
		SET dataset_id = $1, version = $2, name = $3, type = $4, state = $5,
		    modified_at = $6, deleted_at = $7, store_version = store_version + 1
		WHERE id = $8 AND store_version = $9
	`

	result, err := s.conn.ExecContext(ctx, update,
		goal.DatasetID, goal.Version, goal.Name, goal.Type, goal.State,
		goal.ModifiedAt, goal.DeletedAt, goal.ID, goal.StoreVersion,
	)
	if err != nil {
		return fmt.Errorf("storage: update goal %s: %w", goal.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update goal %s: rows affected: %w", goal.ID, err)
	}

	if rows == 0 {
		return store.ErrConcurrentModification
	}

	goal.StoreVersion++

	return nil
}

func (s *PostgresGoalStore) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM reflection_goals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete goal %s: %w", id, err)
	}

	return nil
}

func (s *PostgresGoalStore) GetAllNotDeleted(ctx context.Context) ([]*model.ReflectionGoal, error) {
	const query = `
		SELECT id, dataset_id, version, name, type, state, created_at, modified_at, deleted_at, store_version
		FROM reflection_goals
		WHERE state != 'DELETED'
		ORDER BY created_at
	`

	return s.query(ctx, query)
}

func (s *PostgresGoalStore) GetModifiedOrCreatedSince(ctx context.Context, t time.Time) ([]*model.ReflectionGoal, error) {
	const query = `
		SELECT id, dataset_id, version, name, type, state, created_at, modified_at, deleted_at, store_version
		FROM reflection_goals
		WHERE modified_at >= $1 OR created_at >= $1
		ORDER BY modified_at
	`

	return s.query(ctx, query, t)
}

func (s *PostgresGoalStore) GetDeletedBefore(ctx context.Context, t time.Time) ([]*model.ReflectionGoal, error) {
	const query = `
		SELECT id, dataset_id, version, name, type, state, created_at, modified_at, deleted_at, store_version
		FROM reflection_goals
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at
	`

	return s.query(ctx, query, t)
}

func (s *PostgresGoalStore) query(ctx context.Context, query string, args ...any) ([]*model.ReflectionGoal, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query goals: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var goals []*model.ReflectionGoal

	for rows.Next() {
		goal := &model.ReflectionGoal{}

		if err := rows.Scan(
			&goal.ID, &goal.DatasetID, &goal.Version, &goal.Name, &goal.Type, &goal.State,
			&goal.CreatedAt, &goal.ModifiedAt, &goal.DeletedAt, &goal.StoreVersion,
		); err != nil {
			return nil, fmt.Errorf("storage: scan goal row: %w", err)
		}

		goals = append(goals, goal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate goal rows: %w", err)
	}

	return goals, nil
}
