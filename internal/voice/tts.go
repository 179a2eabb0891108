package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TTSOutputSampleRate is the PCM rate assistant audio is produced at.
const TTSOutputSampleRate = 24000

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

// TTSEvent is one chunk of synthesized output. PCM is 16-bit
// little-endian mono at TTSOutputSampleRate.
type TTSEvent struct {
	Type   TTSEventType
	PCM    []byte
	Detail string
}

// TTSStream synthesizes incrementally fed text into PCM audio.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

// TTSProvider opens synthesis streams.
type TTSProvider interface {
	StartStream(ctx context.Context, voice string) (TTSStream, error)
}

// HTTPTTS synthesizes each sentence with one POST to a speech endpoint
// that returns raw PCM. Not a true streaming protocol, but sentences
// are short enough that per-sentence round trips keep the pipeline
// moving.
type HTTPTTS struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

func NewHTTPTTS(url, model, apiKey string) *HTTPTTS {
	return &HTTPTTS{
		url:    strings.TrimSpace(url),
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPTTS) StartStream(_ context.Context, voice string) (TTSStream, error) {
	return &httpTTSStream{
		provider: p,
		voice:    voice,
		events:   make(chan TTSEvent, 128),
	}, nil
}

type httpTTSStream struct {
	provider *HTTPTTS
	voice    string

	mu     sync.Mutex
	closed bool
	events chan TTSEvent
}

func (s *httpTTSStream) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pcm, err := s.provider.synthesize(ctx, s.voice, text)
	if err != nil {
		s.emit(TTSEvent{Type: TTSEventError, Detail: err.Error()})
		return err
	}
	s.emit(TTSEvent{Type: TTSEventAudio, PCM: pcm})
	return nil
}

func (s *httpTTSStream) CloseInput(context.Context) error {
	s.emit(TTSEvent{Type: TTSEventFinal})
	return nil
}

func (s *httpTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *httpTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *httpTTSStream) emit(evt TTSEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (p *HTTPTTS) synthesize(ctx context.Context, voice, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"model":           p.model,
		"voice":           voice,
		"input":           text,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post speech: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("speech http status %d: %s", res.StatusCode, string(body))
	}
	return io.ReadAll(res.Body)
}

// MockTTS turns each sentence into a deterministic PCM blob, sized by
// text length so tests can assert audio was produced per sentence.
type MockTTS struct{}

func NewMockTTS() *MockTTS { return &MockTTS{} }

func (MockTTS) StartStream(context.Context, string) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	closed bool
	events chan TTSEvent
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventAudio, PCM: make([]byte, 2*len(text))}
	return nil
}

func (s *mockTTSStream) CloseInput(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
