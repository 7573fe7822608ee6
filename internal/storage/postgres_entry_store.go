package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/reflection-io/reflection/internal/model"
	"github.com/reflection-io/reflection/internal/store"
)

// PostgresEntryStore implements store.EntryStore with a PostgreSQL backend.
type PostgresEntryStore struct {
	conn *Connection
}

var _ store.EntryStore = (*PostgresEntryStore)(nil)

// NewPostgresEntryStore wraps a pooled connection as a store.EntryStore.
func NewPostgresEntryStore(conn *Connection) *PostgresEntryStore {
	return &PostgresEntryStore{conn: conn}
}

const entryColumns = `
	id, goal_version, dataset_id, dataset_version, name, type, state,
	refresh_job_id, last_submitted_refresh, last_successful_refresh,
	refresh_method, refresh_field, dataset_hash, num_failures, dont_give_up,
	created_at, modified_at, store_version
`

func (s *PostgresEntryStore) Get(ctx context.Context, id string) (*model.ReflectionEntry, error) {
	query := `SELECT` + entryColumns + `FROM reflection_entries WHERE id = $1`

	entry, err := scanEntry(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: get entry %s: %w", id, err)
	}

	return entry, nil
}

func (s *PostgresEntryStore) Save(ctx context.Context, entry *model.ReflectionEntry) error {
	var lastSubmitted, lastSuccessful any

	if !entry.LastSubmittedRefresh.IsZero() {
		lastSubmitted = entry.LastSubmittedRefresh
	}

	if !entry.LastSuccessfulRefresh.IsZero() {
		lastSuccessful = entry.LastSuccessfulRefresh
	}

	if entry.StoreVersion == 0 {
		const insert = `
			INSERT INTO reflection_entries
				(id, goal_version, dataset_id, dataset_version, name, type, state,
				 refresh_job_id, last_submitted_refresh, last_successful_refresh,
				 refresh_method, refresh_field, dataset_hash, num_failures, dont_give_up,
				 created_at, modified_at, store_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
		`

		_, err := s.conn.ExecContext(ctx, insert,
			entry.ID, entry.GoalVersion, entry.DatasetID, entry.DatasetVersion, entry.Name, entry.Type, entry.State,
			entry.RefreshJobID, lastSubmitted, lastSuccessful,
			entry.RefreshMethod, entry.RefreshField, entry.DatasetHash, entry.NumFailures, entry.DontGiveUp,
			entry.CreatedAt, entry.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert entry %s: %w", entry.ID, err)
		}

		entry.StoreVersion = 1

		return nil
	}

	const update = `
		UPDATE reflection_entries
		SET goal_version = $1, dataset_id = $2, dataset_version = $3, name = $4, type = $5, state = $6,
		    refresh_job_id = $7, last_submitted_refresh = $8, last_successful_refresh = $9,
		    refresh_method = $10, refresh_field = $11, dataset_hash = $12, num_failures = $13, dont_give_up = $14,
		    modified_at = $15, store_version = store_version + 1
		WHERE id = $16 AND store_version = $17
	`

	result, err := s.conn.ExecContext(ctx, update,
		entry.GoalVersion, entry.DatasetID, entry.DatasetVersion, entry.Name, entry.Type, entry.State,
		entry.RefreshJobID, lastSubmitted, lastSuccessful,
		entry.RefreshMethod, entry.RefreshField, entry.DatasetHash, entry.NumFailures, entry.DontGiveUp,
		entry.ModifiedAt, entry.ID, entry.StoreVersion,
	)
	if err != nil {
		return fmt.Errorf("storage: update entry %s: %w", entry.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update entry %s: rows affected: %w", entry.ID, err)
	}

	if rows == 0 {
		return store.ErrConcurrentModification
	}

	entry.StoreVersion++

	return nil
}

func (s *PostgresEntryStore) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM reflection_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete entry %s: %w", id, err)
	}

	return nil
}

func (s *PostgresEntryStore) Find(ctx context.Context) ([]*model.ReflectionEntry, error) {
	query := `SELECT` + entryColumns + `FROM reflection_entries ORDER BY created_at`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: find entries: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []*model.ReflectionEntry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entry row: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate entry rows: %w", err)
	}

	return entries, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.ReflectionEntry, error) {
	entry := &model.ReflectionEntry{}

	var lastSubmitted, lastSuccessful sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.GoalVersion, &entry.DatasetID, &entry.DatasetVersion, &entry.Name, &entry.Type, &entry.State,
		&entry.RefreshJobID, &lastSubmitted, &lastSuccessful,
		&entry.RefreshMethod, &entry.RefreshField, &entry.DatasetHash, &entry.NumFailures, &entry.DontGiveUp,
		&entry.CreatedAt, &entry.ModifiedAt, &entry.StoreVersion,
	)
	if err != nil {
		return nil, err
	}

	if lastSubmitted.Valid {
		entry.LastSubmittedRefresh = lastSubmitted.Time
	}

	if lastSuccessful.Valid {
		entry.LastSuccessfulRefresh = lastSuccessful.Time
	}

	return entry, nil
}
