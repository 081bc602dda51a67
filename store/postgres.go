// Package store persists deployment records and guards attempt idempotence.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"skald/model"
)

var ErrNotFound = errors.New("deployment not found")

type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens the pool, retrying for a few seconds while the database
// comes up.
func Connect(ctx context.Context, databaseURL string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var pool *pgxpool.Pool
	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		p, err := pgxpool.New(pingCtx, databaseURL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 4), ctx)
	notify := func(err error, d time.Duration) {
		log.Warn("database not ready", zap.Error(err), zap.Duration("retryIn", d))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

func Migrate(ctx context.Context, db *DB) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS saga_events (
			id          TEXT PRIMARY KEY,
			saga_id     TEXT NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
			source      TEXT NOT NULL DEFAULT '',
			deployment  TEXT NOT NULL DEFAULT '',
			requester   TEXT NOT NULL DEFAULT '',
			category    TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL DEFAULT '',
			message     TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_saga_saga_id ON saga_events(saga_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_saga_deployment ON saga_events(deployment, timestamp DESC);
		ALTER TABLE saga_events ADD COLUMN IF NOT EXISTS requester TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_saga_requester ON saga_events(requester, timestamp DESC);

		CREATE TABLE IF NOT EXISTS deployments (
			id          TEXT PRIMARY KEY,
			requester   TEXT NOT NULL,
			account_id  TEXT NOT NULL,
			node_id     TEXT NOT NULL,
			command     TEXT NOT NULL,
			saga_id     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'queued',
			attempts    INTEGER NOT NULL DEFAULT 0,
			exit_status INTEGER,
			last_error  TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_deployments_requester ON deployments(requester, started_at DESC);

		CREATE TABLE IF NOT EXISTS pending_attempts (
			deployment_id TEXT PRIMARY KEY REFERENCES deployments(id) ON DELETE CASCADE,
			request       JSONB NOT NULL,
			attempt       INTEGER NOT NULL,
			saga_id       TEXT NOT NULL,
			due_at        TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			email TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS accounts (
			id          TEXT PRIMARY KEY,
			owner_email TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
			title       TEXT NOT NULL DEFAULT '',
			provider    TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			token       TEXT NOT NULL DEFAULT '',
			region      TEXT NOT NULL DEFAULT '',
			ca_cert     TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS ssh_keys (
			id          TEXT PRIMARY KEY,
			owner_email TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
			private_key TEXT NOT NULL,
			is_default  BOOLEAN NOT NULL DEFAULT false
		);
		CREATE TABLE IF NOT EXISTS key_associations (
			key_id     TEXT NOT NULL REFERENCES ssh_keys(id) ON DELETE CASCADE,
			account_id TEXT NOT NULL,
			node_id    TEXT NOT NULL,
			username   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (key_id, account_id, node_id)
		);
	`)
	return err
}

const terminalStatuses = `('succeeded', 'failed', 'gave_up')`

func (db *DB) InsertDeployment(ctx context.Context, d *model.Deployment) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO deployments (id, requester, account_id, node_id, command, saga_id, status, attempts, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Requester, d.AccountID, d.NodeID, d.Command, d.SagaID, d.Status, d.Attempts, d.StartedAt,
	)
	return err
}

// Claim records that attempt is being processed. It returns false when the
// attempt was already claimed, is stale, or the deployment is settled.
func (db *DB) Claim(ctx context.Context, id string, attempt int) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE deployments SET attempts = $2, status = 'resolving'
		 WHERE id = $1 AND attempts < $2 AND status NOT IN `+terminalStatuses,
		id, attempt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetStatus moves an unsettled deployment to a non-terminal status.
func (db *DB) SetStatus(ctx context.Context, id string, status model.DeployStatus, lastError string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE deployments SET status = $2, last_error = $3
		 WHERE id = $1 AND status NOT IN `+terminalStatuses,
		id, status, lastError,
	)
	return err
}

// Settle applies the terminal transition once. Only the first caller gets
// true. Any pending attempt is dropped with it.
func (db *DB) Settle(ctx context.Context, id string, s model.Settlement) (bool, error) {
	var settled bool
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE deployments SET status = $2, exit_status = $3, last_error = $4, finished_at = now()
			 WHERE id = $1 AND status NOT IN `+terminalStatuses,
			id, s.Status, s.ExitStatus, s.Error,
		)
		if err != nil {
			return err
		}
		settled = tag.RowsAffected() == 1
		_, err = tx.Exec(ctx, `DELETE FROM pending_attempts WHERE deployment_id = $1`, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

// SetPending records the attempt the queue holds for a deployment,
// replacing the previous one.
func (db *DB) SetPending(ctx context.Context, p model.PendingAttempt) error {
	req, err := json.Marshal(p.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO pending_attempts (deployment_id, request, attempt, saga_id, due_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (deployment_id) DO UPDATE
		 SET request = EXCLUDED.request, attempt = EXCLUDED.attempt, saga_id = EXCLUDED.saga_id, due_at = EXCLUDED.due_at`,
		p.Request.ID, req, p.Attempt, p.SagaID, p.Due,
	)
	return err
}

const selectDeployments = `SELECT id, requester, account_id, node_id, command, saga_id, status, attempts,
	exit_status, last_error, started_at, finished_at FROM deployments`

func (db *DB) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	var d model.Deployment
	err := db.Pool.QueryRow(ctx, selectDeployments+` WHERE id = $1`, id).Scan(
		&d.ID, &d.Requester, &d.AccountID, &d.NodeID, &d.Command, &d.SagaID, &d.Status, &d.Attempts,
		&d.ExitStatus, &d.LastError, &d.StartedAt, &d.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (db *DB) ListDeployments(ctx context.Context, requester string, limit int) ([]model.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := selectDeployments
	args := []any{}
	if requester != "" {
		query += " WHERE requester = $1 ORDER BY started_at DESC LIMIT $2"
		args = append(args, requester, limit)
	} else {
		query += " ORDER BY started_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.ID, &d.Requester, &d.AccountID, &d.NodeID, &d.Command, &d.SagaID, &d.Status, &d.Attempts,
			&d.ExitStatus, &d.LastError, &d.StartedAt, &d.FinishedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// ListUnsettled returns every deployment without a terminal status, oldest
// first, with its pending attempt when one was recorded.
func (db *DB) ListUnsettled(ctx context.Context) ([]model.Unsettled, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT d.id, d.requester, d.account_id, d.node_id, d.command, d.saga_id, d.status, d.attempts,
		        d.exit_status, d.last_error, d.started_at, d.finished_at,
		        p.request, p.attempt, p.saga_id, p.due_at
		 FROM deployments d LEFT JOIN pending_attempts p ON p.deployment_id = d.id
		 WHERE d.status NOT IN `+terminalStatuses+`
		 ORDER BY d.started_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Unsettled, error) {
		var (
			u       model.Unsettled
			req     []byte
			attempt *int
			sagaID  *string
			due     *time.Time
		)
		d := &u.Deployment
		if err := row.Scan(&d.ID, &d.Requester, &d.AccountID, &d.NodeID, &d.Command, &d.SagaID, &d.Status, &d.Attempts,
			&d.ExitStatus, &d.LastError, &d.StartedAt, &d.FinishedAt,
			&req, &attempt, &sagaID, &due); err != nil {
			return u, err
		}
		if attempt == nil {
			return u, nil
		}
		p := &model.PendingAttempt{Attempt: *attempt, SagaID: *sagaID, Due: *due}
		if err := json.Unmarshal(req, &p.Request); err != nil {
			return u, fmt.Errorf("decode pending request of %s: %w", d.ID, err)
		}
		u.Pending = p
		return u, nil
	})
}

// Healthy checks the database connection.
func (db *DB) Healthy(ctx context.Context) error {
	var n int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}
