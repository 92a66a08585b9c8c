package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore appends audit records to Postgres. The main row stays
// compact — bodies and the policy/redaction detail ride in a jsonb payload
// column so the hot columns remain cheap to index and scan.
//
// Expected schema:
//
//	CREATE TABLE audit_events (
//	    request_id   TEXT PRIMARY KEY,
//	    occurred_at  TIMESTAMPTZ NOT NULL,
//	    token_id     TEXT NOT NULL,
//	    upstream_url TEXT NOT NULL DEFAULT '',
//	    method       TEXT NOT NULL,
//	    path         TEXT NOT NULL,
//	    status       INT NOT NULL,
//	    cache_hit    BOOLEAN NOT NULL,
//	    cost_microusd BIGINT NOT NULL,
//	    payload      JSONB NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type payload struct {
	LatencyQueueMs    int64           `json:"latencyQueueMs"`
	LatencyPolicyMs   int64           `json:"latencyPolicyMs"`
	LatencyUpstreamMs int64           `json:"latencyUpstreamMs"`
	LatencyTotalMs    int64           `json:"latencyTotalMs"`
	BytesIn           int64           `json:"bytesIn"`
	BytesOut          int64           `json:"bytesOut"`
	MatchedPolicies   []MatchedPolicy   `json:"matchedPolicies,omitempty"`
	ShadowViolations  []ShadowViolation `json:"shadowViolations,omitempty"`
	DenyReason        string            `json:"denyReason,omitempty"`
	ApprovalRef       string          `json:"approvalRef,omitempty"`
	RedactionsApplied []string        `json:"redactionsApplied,omitempty"`
	InputTokens       int64           `json:"inputTokens,omitempty"`
	OutputTokens      int64           `json:"outputTokens,omitempty"`
	Model             string          `json:"model,omitempty"`
	ToolCalls         int             `json:"toolCalls,omitempty"`
	SessionID         string          `json:"sessionId,omitempty"`
	ExperimentVariant string          `json:"experimentVariant,omitempty"`
	LogLevel          LogLevel        `json:"logLevel,omitempty"`
	RequestBody       string          `json:"requestBody,omitempty"`
	ResponseBody      string          `json:"responseBody,omitempty"`
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, record Record) error {
	encoded, err := json.Marshal(payload{
		LatencyQueueMs:    record.Latency.Queue.Milliseconds(),
		LatencyPolicyMs:   record.Latency.Policy.Milliseconds(),
		LatencyUpstreamMs: record.Latency.Upstream.Milliseconds(),
		LatencyTotalMs:    record.Latency.Total.Milliseconds(),
		BytesIn:           record.BytesIn,
		BytesOut:          record.BytesOut,
		MatchedPolicies:   record.MatchedPolicies,
		ShadowViolations:  record.ShadowViolations,
		DenyReason:        record.DenyReason,
		ApprovalRef:       record.ApprovalRef,
		RedactionsApplied: record.RedactionsApplied,
		InputTokens:       record.InputTokens,
		OutputTokens:      record.OutputTokens,
		Model:             record.Model,
		ToolCalls:         record.ToolCalls,
		SessionID:         record.SessionID,
		ExperimentVariant: record.ExperimentVariant,
		LogLevel:          record.LogLevel,
		RequestBody:       record.RequestBody,
		ResponseBody:      record.ResponseBody,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (request_id, occurred_at, token_id, upstream_url, method, path, status, cache_hit, cost_microusd, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.RequestID, record.OccurredAt, record.TokenID, record.UpstreamURL,
		record.Method, record.Path, record.UpstreamHTTP, record.CacheHit,
		record.EstimatedCostMicroUSD, encoded)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}
