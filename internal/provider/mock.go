package provider

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockAdapter is an in-process adapter used in tests and when no real
// provider is configured. It buffers audio and emits a scripted final
// transcript per committed utterance; with no script it finalizes empty
// text, which mirrors a recognizer hearing silence.
type MockAdapter struct {
	id         string
	sampleRate int
	script     []string
	interim    bool
}

type MockOption func(*MockAdapter)

// WithScript sets the finals emitted on successive commits.
func WithScript(texts ...string) MockOption {
	return func(m *MockAdapter) { m.script = texts }
}

// WithMockSampleRate overrides the default 16 kHz target rate.
func WithMockSampleRate(rate int) MockOption {
	return func(m *MockAdapter) { m.sampleRate = rate }
}

func NewMockAdapter(id string, opts ...MockOption) *MockAdapter {
	m := &MockAdapter{id: id, sampleRate: 16000}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MockAdapter) ID() string             { return m.id }
func (m *MockAdapter) SupportsStreaming() bool { return true }
func (m *MockAdapter) SupportsBatch() bool     { return true }
func (m *MockAdapter) TargetSampleRate() int   { return m.sampleRate }

func (m *MockAdapter) StartStreaming(_ context.Context, opts StreamingOptions) (StreamingSession, error) {
	s := &mockSession{
		provider: m.id,
		script:   append([]string(nil), m.script...),
		interim:  opts.EnableInterim,
		events:   make(chan Event, 64),
	}
	return s, nil
}

func (m *MockAdapter) TranscribeFileFromPCM(_ context.Context, pcm io.Reader, _ StreamingOptions) (BatchResult, error) {
	if _, err := io.Copy(io.Discard, pcm); err != nil {
		return BatchResult{}, err
	}
	text := ""
	if len(m.script) > 0 {
		text = m.script[0]
	}
	return BatchResult{Text: text, Model: "mock"}, nil
}

type mockSession struct {
	provider string
	interim  bool

	mu       sync.Mutex
	script   []string
	buffered int
	ended    bool

	closeOnce sync.Once
	events    chan Event
}

func (s *mockSession) SendAudio(_ context.Context, chunk []byte, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamClosed
	}
	s.buffered += len(chunk)
	if s.interim && len(s.script) > 0 {
		s.events <- Event{Type: EventTranscript, Transcript: PartialTranscript{
			Provider:  s.provider,
			IsFinal:   false,
			Text:      s.script[0],
			Channel:   ChannelMic,
			Timestamp: time.Now().UnixMilli(),
		}}
	}
	return nil
}

// End commits buffered audio exactly once; repeated calls are no-ops.
func (s *mockSession) End(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true

	text := ""
	if len(s.script) > 0 {
		text = s.script[0]
		s.script = s.script[1:]
	}
	s.events <- Event{Type: EventTranscript, Transcript: PartialTranscript{
		Provider:  s.provider,
		IsFinal:   true,
		Text:      text,
		Channel:   ChannelMic,
		Timestamp: time.Now().UnixMilli(),
	}}
	s.buffered = 0
	return nil
}

func (s *mockSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		s.events <- Event{Type: EventClosed}
		close(s.events)
	})
	return nil
}

func (s *mockSession) Events() <-chan Event { return s.events }
