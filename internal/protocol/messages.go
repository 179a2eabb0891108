package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Server -> client.
	TypeSession          MessageType = "session"
	TypeTranscript       MessageType = "transcript"
	TypeNormalized       MessageType = "normalized"
	TypeError            MessageType = "error"
	TypePing             MessageType = "ping"
	TypeVoiceSession     MessageType = "voice_session"
	TypeVoiceState       MessageType = "voice_state"
	TypeVoiceUserText    MessageType = "voice_user_transcript"
	TypeVoiceAssistText  MessageType = "voice_assistant_text"
	TypeVoiceAudioStart  MessageType = "voice_assistant_audio_start"
	TypeVoiceAudioEnd    MessageType = "voice_assistant_audio_end"
	TypeVoiceMeetingGate MessageType = "voice_meeting_window"

	// Client -> server.
	TypeCommand MessageType = "command"
	TypePong    MessageType = "pong"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidConfig   = errors.New("invalid streaming config")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// VADConfig tunes server-side voice activity detection on providers
// that support it.
type VADConfig struct {
	SilenceDurationMs int     `json:"silenceDurationMs,omitempty"`
	PrefixPaddingMs   int     `json:"prefixPaddingMs,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
}

// StreamingOptions carries the optional knobs of the first client message.
type StreamingOptions struct {
	PunctuationPolicy      string     `json:"punctuationPolicy,omitempty"`
	EnableVad              bool       `json:"enableVad,omitempty"`
	DictionaryPhrases      []string   `json:"dictionaryPhrases,omitempty"`
	Parallel               bool       `json:"parallel,omitempty"`
	VAD                    *VADConfig `json:"vad,omitempty"`
	MeetingMode            bool       `json:"meetingMode,omitempty"`
	WakeWords              []string   `json:"wakeWords,omitempty"`
	MeetingRequireWakeWord bool       `json:"meetingRequireWakeWord,omitempty"`
	FinalizeDelayMs        int        `json:"finalizeDelayMs,omitempty"`
	EchoSuppressMs         int        `json:"echoSuppressMs,omitempty"`
	EchoSimilarity         float64    `json:"echoSimilarity,omitempty"`
	MeetingOpenWindowMs    int        `json:"meetingOpenWindowMs,omitempty"`
	MeetingCooldownMs      int        `json:"meetingCooldownMs,omitempty"`
	MeetingOutputEnabled   bool       `json:"meetingOutputEnabled,omitempty"`
}

// StreamingConfig is the mandatory first text message on every streaming
// websocket. Audio frames sent before it are a protocol violation.
type StreamingConfig struct {
	PCM              bool              `json:"pcm"`
	ClientSampleRate int               `json:"clientSampleRate,omitempty"`
	EnableInterim    bool              `json:"enableInterim"`
	Degraded         bool              `json:"degraded"`
	NormalizePreset  string            `json:"normalizePreset,omitempty"`
	ContextPhrases   []string          `json:"contextPhrases,omitempty"`
	Options          *StreamingOptions `json:"options,omitempty"`
}

// Validate enforces the handshake field constraints.
func (c *StreamingConfig) Validate() error {
	if c.PCM && c.ClientSampleRate <= 0 {
		return fmt.Errorf("%w: clientSampleRate is required with pcm", ErrInvalidConfig)
	}
	if c.ClientSampleRate < 0 {
		return fmt.Errorf("%w: clientSampleRate must be positive", ErrInvalidConfig)
	}
	switch strings.TrimSpace(c.NormalizePreset) {
	case "", "none", "nfkc", "strict", "loose":
	default:
		return fmt.Errorf("%w: unknown normalizePreset %q", ErrInvalidConfig, c.NormalizePreset)
	}
	return nil
}

// ParseStreamingConfig decodes and validates the handshake message.
func ParseStreamingConfig(raw []byte) (StreamingConfig, error) {
	var cfg StreamingConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return StreamingConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return StreamingConfig{}, err
	}
	return cfg, nil
}

// AudioSpec describes the PCM the server expects on the wire.
type AudioSpec struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// SessionMessage is the first server message on every streaming websocket.
type SessionMessage struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"sessionId"`
	Provider        string      `json:"provider"`
	StartedAt       int64       `json:"startedAt"`
	InputSampleRate int         `json:"inputSampleRate"`
	AudioSpec       AudioSpec   `json:"audioSpec"`
}

// Word is a word-level timing from a provider, when available.
type Word struct {
	StartSec   float64  `json:"startSec"`
	EndSec     float64  `json:"endSec"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// TranscriptMessage carries one attributed per-provider transcript.
type TranscriptMessage struct {
	Type               MessageType `json:"type"`
	Provider           string      `json:"provider"`
	IsFinal            bool        `json:"isFinal"`
	Text               string      `json:"text"`
	Words              []Word      `json:"words,omitempty"`
	Timestamp          int64       `json:"timestamp"`
	Channel            string      `json:"channel"`
	LatencyMs          float64     `json:"latencyMs"`
	OriginCaptureTs    float64     `json:"originCaptureTs"`
	SpeakerID          string      `json:"speakerId,omitempty"`
	Confidence         *float64    `json:"confidence,omitempty"`
	PunctuationApplied bool        `json:"punctuationApplied,omitempty"`
	CasingApplied      bool        `json:"casingApplied,omitempty"`
	Degraded           bool        `json:"degraded,omitempty"`
}

// NormalizedMessage is one time-bucketed cross-provider row.
type NormalizedMessage struct {
	Type               MessageType `json:"type"`
	NormalizedID       string      `json:"normalizedId"`
	SegmentID          string      `json:"segmentId"`
	WindowID           int64       `json:"windowId"`
	WindowStartMs      int64       `json:"windowStartMs"`
	WindowEndMs        int64       `json:"windowEndMs"`
	Provider           string      `json:"provider"`
	TextRaw            string      `json:"textRaw"`
	TextNorm           string      `json:"textNorm"`
	TextDelta          string      `json:"textDelta,omitempty"`
	IsFinal            bool        `json:"isFinal"`
	Revision           int         `json:"revision"`
	LatencyMs          *float64    `json:"latencyMs,omitempty"`
	OriginCaptureTs    *float64    `json:"originCaptureTs,omitempty"`
	Confidence         *float64    `json:"confidence,omitempty"`
	PunctuationApplied bool        `json:"punctuationApplied,omitempty"`
	CasingApplied      bool        `json:"casingApplied,omitempty"`
	Words              []Word      `json:"words,omitempty"`
}

// ErrorMessage is surfaced before the socket closes on fatal classes.
type ErrorMessage struct {
	Type     MessageType `json:"type"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message"`
	Provider string      `json:"provider,omitempty"`
	Fatal    bool        `json:"fatal,omitempty"`
}

// Voice assistant messages.

type VoiceSessionMessage struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	StartedAt  int64       `json:"startedAt"`
	SampleRate int         `json:"sampleRate"`
}

type VoiceStateMessage struct {
	Type   MessageType `json:"type"`
	State  string      `json:"state"`
	TurnID string      `json:"turnId,omitempty"`
}

type VoiceUserTranscript struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"isFinal"`
	Channel string      `json:"channel,omitempty"`
}

type VoiceAssistantText struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turnId"`
	Text   string      `json:"text"`
	Delta  bool        `json:"delta,omitempty"`
}

type VoiceAudioStart struct {
	Type       MessageType `json:"type"`
	TurnID     string      `json:"turnId"`
	SampleRate int         `json:"sampleRate"`
}

type VoiceAudioEnd struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turnId"`
	Reason string      `json:"reason"`
}

type VoiceMeetingWindow struct {
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	ExpiresAt int64       `json:"expiresAt,omitempty"`
	Reason    string      `json:"reason"`
}

// Command is a client control message on the voice channel.
type Command struct {
	Type     MessageType `json:"type"`
	Name     string      `json:"name"`
	PlayedMs int64       `json:"playedMs,omitempty"`
}

const (
	CommandStopSpeaking = "stop_speaking"
	CommandBargeIn      = "barge_in"
	CommandResetHistory = "reset_history"
)

// Pong acknowledges a server keepalive ping.
type Pong struct {
	Type MessageType `json:"type"`
}

// ParseClientControl decodes a post-handshake text message: either a
// command or a pong. The streaming config is handled separately because
// it is only legal as the first message.
func ParseClientControl(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCommand:
		var msg Command
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Name {
		case CommandStopSpeaking, CommandBargeIn, CommandResetHistory:
		default:
			return nil, fmt.Errorf("unknown command %q", msg.Name)
		}
		return msg, nil
	case TypePong:
		return Pong{Type: TypePong}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
