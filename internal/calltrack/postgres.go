package calltrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id               UUID         PRIMARY KEY,
    status           TEXT         NOT NULL,
    ai_response      JSONB,
    call_finished_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_calls_status     ON calls (status);
CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls (created_at);
`

// Migrate creates the calls table if needed. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("calltrack: migrate: %w", err)
	}
	return nil
}

// PGStore keeps call records in a PostgreSQL calls table, for deployments
// that write straight to the dashboard database instead of its API.
type PGStore struct {
	pool  *pgxpool.Pool
	newID func() uuid.UUID
}

var _ Tracker = (*PGStore)(nil)

// NewPGStore connects to dsn, verifies the connection and runs [Migrate].
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calltrack: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calltrack: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGStore{pool: pool, newID: uuid.New}, nil
}

// Ping checks the connection. It backs the readiness probe.
func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }

// CreateCall implements [Tracker].
func (s *PGStore) CreateCall(ctx context.Context) (string, error) {
	id := s.newID()
	const q = `INSERT INTO calls (id, status) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, q, id, string(StatusInitiated)); err != nil {
		return "", trackErr("create call", err)
	}
	return id.String(), nil
}

// UpdateStatus implements [Tracker].
func (s *PGStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	uid, err := parseID(id)
	if err != nil {
		return trackErr("update status", err)
	}
	const q = `
		UPDATE calls
		SET    status = $2,
		       call_finished_at = CASE WHEN $2 = 'completed' THEN now() ELSE call_finished_at END,
		       updated_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, uid, string(status))
	if err != nil {
		return trackErr("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return trackErr("update status", fmt.Errorf("call %s: %w", id, pgx.ErrNoRows))
	}
	return nil
}

// CompleteCall implements [Tracker].
func (s *PGStore) CompleteCall(ctx context.Context, id string, payload any) error {
	uid, err := parseID(id)
	if err != nil {
		return trackErr("complete call", err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return trackErr("complete call", fmt.Errorf("encode payload: %w", err))
	}
	const q = `
		UPDATE calls
		SET    status = $2, ai_response = $3, call_finished_at = now(), updated_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, uid, string(StatusCompleted), b)
	if err != nil {
		return trackErr("complete call", err)
	}
	if tag.RowsAffected() == 0 {
		return trackErr("complete call", fmt.Errorf("call %s: %w", id, pgx.ErrNoRows))
	}
	return nil
}

// Record is a stored call, as returned by [PGStore.Get].
type Record struct {
	ID         string
	Status     Status
	AIResponse json.RawMessage
	Finished   bool
}

// Get loads one call record.
func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	uid, err := parseID(id)
	if err != nil {
		return Record{}, err
	}
	const q = `SELECT id, status, ai_response, call_finished_at IS NOT NULL FROM calls WHERE id = $1`
	rows, err := s.pool.Query(ctx, q, uid)
	if err != nil {
		return Record{}, fmt.Errorf("calltrack: get %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r      Record
			rid    uuid.UUID
			status string
		)
		if err := row.Scan(&rid, &status, &r.AIResponse, &r.Finished); err != nil {
			return Record{}, err
		}
		r.ID, r.Status = rid.String(), Status(status)
		return r, nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("calltrack: call %s: %w", id, err)
	}
	if err != nil {
		return Record{}, fmt.Errorf("calltrack: get %s: %w", id, err)
	}
	return rec, nil
}

func parseID(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.Nil, ErrNoCall
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid call id %q: %w", id, err)
	}
	return uid, nil
}
