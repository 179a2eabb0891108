package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	summaries   []LatencySummary
	transcripts []TranscriptLog
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveLatencySummary(_ context.Context, summary LatencySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.EndedAt.IsZero() {
		summary.EndedAt = time.Now().UTC()
	}
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, log TranscriptLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.transcripts = append(s.transcripts, log)
	return nil
}

func (s *InMemoryStore) SummariesForSession(_ context.Context, sessionID string) ([]LatencySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LatencySummary
	for _, item := range s.summaries {
		if item.SessionID == sessionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecentSummaries(_ context.Context, limit int) ([]LatencySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.summaries) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(s.summaries) {
		limit = len(s.summaries)
	}
	out := make([]LatencySummary, 0, limit)
	for i := len(s.summaries) - limit; i < len(s.summaries); i++ {
		out = append(out, s.summaries[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
