package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/reflection-io/reflection/internal/model"
	"github.com/reflection-io/reflection/internal/store"
)

// PostgresMaterializationStore implements store.MaterializationStore with a
// PostgreSQL backend.
type PostgresMaterializationStore struct {
	conn *Connection
}

var _ store.MaterializationStore = (*PostgresMaterializationStore)(nil)

// NewPostgresMaterializationStore wraps a pooled connection as a
// store.MaterializationStore.
func NewPostgresMaterializationStore(conn *Connection) *PostgresMaterializationStore {
	return &PostgresMaterializationStore{conn: conn}
}

const materializationColumns = `
	id, reflection_id, reflection_goal_version, state, failure, expiry, refreshes,
	created_at, modified_at, store_version
`

func (s *PostgresMaterializationStore) Get(ctx context.Context, id string) (*model.Materialization, error) {
	query := `SELECT` + materializationColumns + `FROM materializations WHERE id = $1`

	m, err := scanMaterialization(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: get materialization %s: %w", id, err)
	}

	return m, nil
}

func (s *PostgresMaterializationStore) Save(ctx context.Context, m *model.Materialization) error {
	var expiry any
	if !m.Expiry.IsZero() {
		expiry = m.Expiry
	}

	if m.StoreVersion == 0 {
		const insert = `
			INSERT INTO materializations
				(id, reflection_id, reflection_goal_version, state, failure, expiry, refreshes,
				 created_at, modified_at, store_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		`

		_, err := s.conn.ExecContext(ctx, insert,
			m.ID, m.ReflectionID, m.ReflectionGoalVersion, m.State, m.Failure, expiry, pq.Array(m.Refreshes),
			m.CreatedAt, m.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert materialization %s: %w", m.ID, err)
		}

		m.StoreVersion = 1

		return nil
	}

	const update = `
		UPDATE materializations
		SET reflection_id = $1, reflection_goal_version = $2, state = $3, failure = $4, expiry = $5,
		    refreshes = $6, modified_at = $7, store_version = store_version + 1
		WHERE id = $8 AND store_version = $9
	`

	result, err := s.conn.ExecContext(ctx, update,
		m.ReflectionID, m.ReflectionGoalVersion, m.State, m.Failure, expiry, pq.Array(m.Refreshes),
		m.ModifiedAt, m.ID, m.StoreVersion,
	)
	if err != nil {
		return fmt.Errorf("storage: update materialization %s: %w", m.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update materialization %s: rows affected: %w", m.ID, err)
	}

	if rows == 0 {
		return store.ErrConcurrentModification
	}

	m.StoreVersion++

	return nil
}

func (s *PostgresMaterializationStore) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM materializations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete materialization %s: %w", id, err)
	}

	return nil
}

func (s *PostgresMaterializationStore) GetLast(ctx context.Context, reflectionID string) (*model.Materialization, error) {
	query := `SELECT` + materializationColumns + `
		FROM materializations
		WHERE reflection_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	m, err := scanMaterialization(s.conn.QueryRowContext(ctx, query, reflectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: get last materialization for %s: %w", reflectionID, err)
	}

	return m, nil
}

func (s *PostgresMaterializationStore) GetRunning(ctx context.Context, reflectionID string) (*model.Materialization, error) {
	query := `SELECT` + materializationColumns + `
		FROM materializations
		WHERE reflection_id = $1 AND state = 'RUNNING'
		ORDER BY created_at DESC
		LIMIT 1
	`

	m, err := scanMaterialization(s.conn.QueryRowContext(ctx, query, reflectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: get running materialization for %s: %w", reflectionID, err)
	}

	return m, nil
}

func (s *PostgresMaterializationStore) GetAllDone(ctx context.Context, reflectionID string) ([]*model.Materialization, error) {
	query := `SELECT` + materializationColumns + `
		FROM materializations
		WHERE reflection_id = $1 AND state = 'DONE'
		ORDER BY created_at
	`

	return s.query(ctx, query, reflectionID)
}

func (s *PostgresMaterializationStore) GetAllExpiredWhen(ctx context.Context, t time.Time) ([]*model.Materialization, error) {
	query := `SELECT` + materializationColumns + `
		FROM materializations
		WHERE expiry IS NOT NULL AND expiry <= $1
		ORDER BY expiry
	`

	return s.query(ctx, query, t)
}

func (s *PostgresMaterializationStore) GetDeletableEntriesModifiedBefore(
	ctx context.Context, t time.Time, n int,
) ([]*model.Materialization, error) {
	query := `SELECT` + materializationColumns + `
		FROM materializations
		WHERE state IN ('DEPRECATED', 'DELETED') AND modified_at < $1
		ORDER BY modified_at
		LIMIT $2
	`

	return s.query(ctx, query, t, n)
}

func (s *PostgresMaterializationStore) GetRefreshes(ctx context.Context, materializationID string) ([]string, error) {
	var refreshes []string

	err := s.conn.QueryRowContext(ctx, `SELECT refreshes FROM materializations WHERE id = $1`, materializationID).
		Scan(pq.Array(&refreshes))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: get refreshes for %s: %w", materializationID, err)
	}

	return refreshes, nil
}

// GetRefreshesExclusivelyOwnedBy returns the subset of materializationID's
// refreshes that no other materialization row claims, via a claim-count
// computed across the whole refreshes column with unnest.
func (s *PostgresMaterializationStore) GetRefreshesExclusivelyOwnedBy(
	ctx context.Context, materializationID string,
) ([]string, error) {
	const query = `
		WITH claims AS (
			SELECT unnest(refreshes) AS refresh_id FROM materializations
		), target AS (
			SELECT unnest(refreshes) AS refresh_id FROM materializations WHERE id = $1
		)
		SELECT target.refresh_id
		FROM target
		LEFT JOIN claims ON claims.refresh_id = target.refresh_id
		GROUP BY target.refresh_id
		HAVING count(claims.refresh_id) <= 1
	`

	rows, err := s.conn.QueryContext(ctx, query, materializationID)
	if err != nil {
		return nil, fmt.Errorf("storage: get exclusively-owned refreshes for %s: %w", materializationID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var refreshIDs []string

	for rows.Next() {
		var refreshID string
		if err := rows.Scan(&refreshID); err != nil {
			return nil, fmt.Errorf("storage: scan exclusively-owned refresh: %w", err)
		}

		refreshIDs = append(refreshIDs, refreshID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate exclusively-owned refreshes: %w", err)
	}

	return refreshIDs, nil
}

func (s *PostgresMaterializationStore) query(ctx context.Context, query string, args ...any) ([]*model.Materialization, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query materializations: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var materializations []*model.Materialization

	for rows.Next() {
		m, err := scanMaterialization(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan materialization row: %w", err)
		}

		materializations = append(materializations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate materialization rows: %w", err)
	}

	return materializations, nil
}

func scanMaterialization(row rowScanner) (*model.Materialization, error) {
	m := &model.Materialization{}

	var expiry sql.NullTime

	err := row.Scan(
		&m.ID, &m.ReflectionID, &m.ReflectionGoalVersion, &m.State, &m.Failure, &expiry, pq.Array(&m.Refreshes),
		&m.CreatedAt, &m.ModifiedAt, &m.StoreVersion,
	)
	if err != nil {
		return nil, err
	}

	if expiry.Valid {
		m.Expiry = expiry.Time
	}

	return m, nil
}
