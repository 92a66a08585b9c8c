package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists approval rows in Postgres. Expected schema:
//
//	CREATE TABLE approvals (
//	    id           TEXT PRIMARY KEY,
//	    token_id     TEXT NOT NULL,
//	    fingerprint  TEXT NOT NULL,
//	    summary      TEXT NOT NULL,
//	    reason       TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    expires_at   TIMESTAMPTZ NOT NULL,
//	    decided_at   TIMESTAMPTZ,
//	    reviewer_ref TEXT NOT NULL DEFAULT ''
//	);
//
// First-decision-wins is enforced in SQL: the decide update only applies
// while status is still pending, and the row is re-read afterwards so every
// caller observes the durable outcome.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, a Approval) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (id, token_id, fingerprint, summary, reason, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TokenID, a.Fingerprint, a.Summary, a.Reason, a.Status, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("approval: insert: %w", err)
	}
	return nil
}

// Get implements Store. A pending row past its expiry transitions to
// expired on read.
func (s *PostgresStore) Get(ctx context.Context, id string) (Approval, error) {
	if err := s.expireStale(ctx, id); err != nil {
		return Approval{}, err
	}
	a, err := s.scanRow(ctx, id)
	if err != nil {
		return Approval{}, err
	}
	return a, nil
}

// Decide implements Store with first-decision-wins semantics. A pending row
// past its expiry counts expiry as the first decision.
func (s *PostgresStore) Decide(ctx context.Context, id, status, reviewerRef string, decidedAt time.Time) (Approval, error) {
	if err := s.expireStale(ctx, id); err != nil {
		return Approval{}, err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status = $2, reviewer_ref = $3, decided_at = $4
		 WHERE id = $1 AND status = $5`,
		id, status, reviewerRef, decidedAt, StatusPending)
	if err != nil {
		return Approval{}, fmt.Errorf("approval: decide: %w", err)
	}
	return s.scanRow(ctx, id)
}

// expireStale transitions a stale pending row to expired. The guard on
// status keeps it from touching already-decided rows.
func (s *PostgresStore) expireStale(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status = $2, decided_at = expires_at
		 WHERE id = $1 AND status = $3 AND expires_at < now()`,
		id, StatusExpired, StatusPending)
	if err != nil {
		return fmt.Errorf("approval: expire stale: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRow(ctx context.Context, id string) (Approval, error) {
	var a Approval
	var decidedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, token_id, fingerprint, summary, reason, status, created_at, expires_at, decided_at, reviewer_ref
		 FROM approvals WHERE id = $1`, id).
		Scan(&a.ID, &a.TokenID, &a.Fingerprint, &a.Summary, &a.Reason, &a.Status,
			&a.CreatedAt, &a.ExpiresAt, &decidedAt, &a.ReviewerRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Approval{}, fmt.Errorf("approval: id %q not found", id)
		}
		return Approval{}, fmt.Errorf("approval: select: %w", err)
	}
	if decidedAt != nil {
		a.DecidedAt = *decidedAt
	}
	return a, nil
}
