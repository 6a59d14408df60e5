// Package pgstore backs the context store with Postgres. Consume relies
// on a conditional UPDATE and the affected-row count, so row-level
// atomicity in the database is what enforces single use, with no advisory
// locks, no read-then-write.
package pgstore

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ash-protocol/ash/pkg/ashcontext"
)

// Schema is the backing table. expires_at is indexed for Cleanup.
const Schema = `
CREATE TABLE IF NOT EXISTS ash_contexts (
  context_id  VARCHAR(64) PRIMARY KEY,
  binding     VARCHAR(255) NOT NULL,
  mode        VARCHAR(20)  NOT NULL,
  issued_at   BIGINT NOT NULL,
  expires_at  BIGINT NOT NULL,
  nonce       VARCHAR(64),
  consumed_at BIGINT NULL
);
CREATE INDEX IF NOT EXISTS idx_expires ON ash_contexts(expires_at);
`

type Store struct {
	DB  *pgxpool.Pool
	now func() time.Time
}

var _ ashcontext.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db, now: time.Now}
}

// MustConnect builds a pool from DATABASE_URL or panics. Intended for
// service main functions.
func MustConnect() *pgxpool.Pool {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		panic("DATABASE_URL is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		panic(err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		panic(err)
	}
	return pool
}

// EnsureSchema creates the table and index if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, Schema)
	return err
}

func (s *Store) Create(ctx context.Context, binding string, ttl time.Duration, mode ashcontext.Mode) (ashcontext.Context, error) {
	c, err := ashcontext.NewContext(binding, ttl, mode, s.now())
	if err != nil {
		return ashcontext.Context{}, err
	}
	var nonce any
	if c.Nonce != "" {
		nonce = c.Nonce
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO ash_contexts(context_id,binding,mode,issued_at,expires_at,nonce,consumed_at)
VALUES($1,$2,$3,$4,$5,$6,NULL)
`, c.ID, c.Binding, string(c.Mode), c.IssuedAt, c.ExpiresAt, nonce)
	if err != nil {
		return ashcontext.Context{}, err
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, id string) (*ashcontext.Context, error) {
	var (
		out   ashcontext.Context
		mode  string
		nonce *string
	)
	err := s.DB.QueryRow(ctx, `
SELECT context_id, binding, mode, issued_at, expires_at, nonce, consumed_at
FROM ash_contexts
WHERE context_id=$1
`, id).Scan(&out.ID, &out.Binding, &mode, &out.IssuedAt, &out.ExpiresAt, &nonce, &out.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out.Mode = ashcontext.Mode(mode)
	if nonce != nil {
		out.Nonce = *nonce
	}
	// Expiry is a logical predicate; the row may still exist.
	if out.Expired(s.now().UnixMilli()) {
		return nil, nil
	}
	return &out, nil
}

func (s *Store) Consume(ctx context.Context, id string, now int64) (ashcontext.ConsumeOutcome, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE ash_contexts
SET consumed_at=$2
WHERE context_id=$1
  AND consumed_at IS NULL
  AND expires_at >= $2
`, id, now)
	if err != nil {
		return ashcontext.Missing, err
	}
	if tag.RowsAffected() == 1 {
		return ashcontext.Consumed, nil
	}

	// Lost the race or the row is gone; distinguish for the caller.
	var consumedAt *int64
	var expiresAt int64
	err = s.DB.QueryRow(ctx, `
SELECT consumed_at, expires_at FROM ash_contexts WHERE context_id=$1
`, id).Scan(&consumedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ashcontext.Missing, nil
		}
		return ashcontext.Missing, err
	}
	if consumedAt != nil {
		return ashcontext.AlreadyConsumed, nil
	}
	return ashcontext.Missing, nil
}

func (s *Store) Cleanup(ctx context.Context, now int64) (int, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM ash_contexts WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
