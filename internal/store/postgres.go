package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists latency summaries and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS latency_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			sample_count INTEGER NOT NULL,
			avg_ms DOUBLE PRECISION NOT NULL,
			p50_ms DOUBLE PRECISION NOT NULL,
			p95_ms DOUBLE PRECISION NOT NULL,
			min_ms DOUBLE PRECISION NOT NULL,
			max_ms DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_latency_summaries_session ON latency_summaries (session_id, ended_at);`,
		`CREATE TABLE IF NOT EXISTS transcript_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			channel TEXT NOT NULL,
			text TEXT NOT NULL,
			is_final BOOLEAN NOT NULL,
			latency_ms DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_logs_session_created ON transcript_logs (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveLatencySummary(ctx context.Context, summary LatencySummary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.EndedAt.IsZero() {
		summary.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO latency_summaries
		 (id, session_id, provider, language, sample_count, avg_ms, p50_ms, p95_ms, min_ms, max_ms, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		summary.ID,
		summary.SessionID,
		summary.Provider,
		summary.Language,
		summary.SampleCount,
		summary.AvgMs,
		summary.P50Ms,
		summary.P95Ms,
		summary.MinMs,
		summary.MaxMs,
		summary.StartedAt,
		summary.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save latency summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, log TranscriptLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_logs (id, session_id, provider, channel, text, is_final, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID,
		log.SessionID,
		log.Provider,
		log.Channel,
		log.Text,
		log.IsFinal,
		log.LatencyMs,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) SummariesForSession(ctx context.Context, sessionID string) ([]LatencySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, provider, language, sample_count, avg_ms, p50_ms, p95_ms, min_ms, max_ms, started_at, ended_at
		 FROM latency_summaries WHERE session_id=$1 ORDER BY provider`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *PostgresStore) RecentSummaries(ctx context.Context, limit int) ([]LatencySummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, provider, language, sample_count, avg_ms, p50_ms, p95_ms, min_ms, max_ms, started_at, ended_at
		 FROM latency_summaries ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent summaries: %w", err)
	}
	defer rows.Close()

	items, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSummaries(rows pgxRows) ([]LatencySummary, error) {
	var items []LatencySummary
	for rows.Next() {
		var r LatencySummary
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Provider, &r.Language, &r.SampleCount,
			&r.AvgMs, &r.P50Ms, &r.P95Ms, &r.MinMs, &r.MaxMs, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
