package store

import (
	"context"
	"time"
)

// LatencySummary aggregates one provider's transcript latency over a
// finished session.
type LatencySummary struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Provider    string    `json:"provider"`
	Language    string    `json:"language"`
	SampleCount int       `json:"sampleCount"`
	AvgMs       float64   `json:"avgMs"`
	P50Ms       float64   `json:"p50Ms"`
	P95Ms       float64   `json:"p95Ms"`
	MinMs       float64   `json:"minMs"`
	MaxMs       float64   `json:"maxMs"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
}

// TranscriptLog stores one final transcript for later comparison runs.
type TranscriptLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Provider  string    `json:"provider"`
	Channel   string    `json:"channel"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
	LatencyMs *float64  `json:"latencyMs,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists per-session latency summaries and transcript logs.
type Store interface {
	SaveLatencySummary(ctx context.Context, summary LatencySummary) error
	SaveTranscript(ctx context.Context, log TranscriptLog) error
	SummariesForSession(ctx context.Context, sessionID string) ([]LatencySummary, error)
	RecentSummaries(ctx context.Context, limit int) ([]LatencySummary, error)
	Close() error
}
