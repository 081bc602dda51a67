package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps events in the saga_events table created by
// store.Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, evt *Event) error {
	meta := []byte("{}")
	if len(evt.Metadata) > 0 {
		b, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO saga_events
			(id, saga_id, timestamp, source, deployment, requester, category, action, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		evt.ID, evt.SagaID, evt.Timestamp, evt.Source, evt.Deployment, evt.Requester,
		evt.Category, evt.Action, evt.Message, meta,
	)
	return err
}

func (s *PostgresStore) ListBySaga(ctx context.Context, sagaID string) ([]Event, error) {
	return s.query(ctx, `WHERE saga_id = $1 ORDER BY timestamp ASC`, sagaID)
}

func (s *PostgresStore) ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]Event, error) {
	return s.query(ctx, `WHERE deployment = $1 ORDER BY timestamp DESC LIMIT $2`, deploymentID, orDefault(limit))
}

func (s *PostgresStore) ListRecent(ctx context.Context, requester string, limit int) ([]Event, error) {
	if requester == "" {
		return s.query(ctx, `ORDER BY timestamp DESC LIMIT $1`, orDefault(limit))
	}
	return s.query(ctx, `WHERE requester = $1 ORDER BY timestamp DESC LIMIT $2`, requester, orDefault(limit))
}

func (s *PostgresStore) query(ctx context.Context, where string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, saga_id, timestamp, source, deployment, requester, category, action, message, metadata
		FROM saga_events `+where, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			evt  Event
			meta []byte
		)
		err := row.Scan(&evt.ID, &evt.SagaID, &evt.Timestamp, &evt.Source, &evt.Deployment, &evt.Requester,
			&evt.Category, &evt.Action, &evt.Message, &meta)
		if err != nil {
			return evt, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
				return evt, fmt.Errorf("decode metadata of %s: %w", evt.ID, err)
			}
		}
		return evt, nil
	})
}

func orDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
