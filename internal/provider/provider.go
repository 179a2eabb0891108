// Package provider defines the uniform adapter contract the gateway
// speaks to every speech-to-text backend: a streaming capability over
// the provider's realtime protocol and a batch capability over file
// upload, with typed events replacing provider-specific payloads.
package provider

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/openvoicelab/sttgate/internal/protocol"
)

var (
	ErrMissingCredentials = errors.New("provider credentials missing")
	ErrInvalidSampleRate  = errors.New("unsupported sample rate for provider")
	ErrConnectTimeout     = errors.New("provider connect timeout")
	ErrStreamClosed       = errors.New("provider stream closed abnormally")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrUnsupported        = errors.New("operation not supported by provider")
)

// Channel tags which audio source produced a transcript.
const (
	ChannelMic  = "mic"
	ChannelFile = "file"
)

// PartialTranscript is one hypothesis from an adapter, interim or final.
type PartialTranscript struct {
	Provider           string
	IsFinal            bool
	Text               string
	Words              []protocol.Word
	Timestamp          int64
	Channel            string
	SpeakerID          string
	Confidence         *float64
	PunctuationApplied bool
	CasingApplied      bool
}

// EventType discriminates streaming session events.
type EventType string

const (
	EventTranscript EventType = "transcript"
	EventError      EventType = "error"
	EventClosed     EventType = "closed"
)

// Event is one tagged streaming session event. Error events with
// Fatal=false are item-scoped and the session continues.
type Event struct {
	Type       EventType
	Transcript PartialTranscript
	Err        error
	Fatal      bool
}

// VADSettings tunes provider-side voice activity detection.
type VADSettings struct {
	SilenceDurationMs int
	PrefixPaddingMs   int
	Threshold         float64
}

// StreamingOptions parameterizes one streaming or batch session.
type StreamingOptions struct {
	Language          string
	SampleRateHz      int
	Encoding          string
	EnableInterim     bool
	EnableVad         bool
	VAD               *VADSettings
	ContextPhrases    []string
	DictionaryPhrases []string
	PunctuationPolicy string
	// FinalizeDelayMs overrides how long an adapter waits before
	// forcing an utterance boundary when server VAD is off.
	FinalizeDelayMs int
	Model             string
	BatchModel        string
	FallbackModel     string
	NormalizePreset   string
}

// BatchResult is the outcome of a file transcription.
type BatchResult struct {
	Text  string
	Words []protocol.Word
	Model string
}

// StreamingSession is a live connection to one provider. SendAudio
// calls for one source must be serialized by the caller to preserve
// audio order; End commits any buffered audio, Close tears down.
type StreamingSession interface {
	SendAudio(ctx context.Context, chunk []byte, captureTs float64) error
	End(ctx context.Context) error
	Close() error
	Events() <-chan Event
}

// Adapter is one speech-to-text backend.
type Adapter interface {
	ID() string
	SupportsStreaming() bool
	SupportsBatch() bool
	// TargetSampleRate is the PCM rate the provider mandates for
	// streaming input. Ingress audio at any other rate is resampled.
	TargetSampleRate() int
	StartStreaming(ctx context.Context, opts StreamingOptions) (StreamingSession, error)
	TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts StreamingOptions) (BatchResult, error)
}

// Checker is implemented by adapters that can report configuration
// problems (typically missing credentials) without a network call.
type Checker interface {
	Check() error
}

// Registry holds the configured adapters by id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
