package storage

import (
	"context"
	"fmt"

	"github.com/reflection-io/reflection/internal/model"
	"github.com/reflection-io/reflection/internal/store"
)

// PostgresExternalReflectionStore implements store.ExternalReflectionStore
// with a PostgreSQL backend.
type PostgresExternalReflectionStore struct {
	conn *Connection
}

var _ store.ExternalReflectionStore = (*PostgresExternalReflectionStore)(nil)

// NewPostgresExternalReflectionStore wraps a pooled connection as a
// store.ExternalReflectionStore.
func NewPostgresExternalReflectionStore(conn *Connection) *PostgresExternalReflectionStore {
	return &PostgresExternalReflectionStore{conn: conn}
}

func (s *PostgresExternalReflectionStore) GetAll(ctx context.Context) ([]*model.ExternalReflection, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, query_dataset_id FROM external_reflections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: get all external reflections: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var reflections []*model.ExternalReflection

	for rows.Next() {
		r := &model.ExternalReflection{}
		if err := rows.Scan(&r.ID, &r.QueryDatasetID); err != nil {
			return nil, fmt.Errorf("storage: scan external reflection row: %w", err)
		}

		reflections = append(reflections, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate external reflection rows: %w", err)
	}

	return reflections, nil
}

func (s *PostgresExternalReflectionStore) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM external_reflections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete external reflection %s: %w", id, err)
	}

	return nil
}
