// Package voice runs the assistant dialogue pipeline: speech-to-text
// finals become dialogue turns, a language model streams a reply, and
// synthesized PCM flows back to the client. The orchestrator owns the
// turn state machine (listening, thinking, speaking), barge-in
// handling with suppressed-transcript replay, and meeting-audio
// gating.
package voice

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openvoicelab/sttgate/internal/observability"
	"github.com/openvoicelab/sttgate/internal/protocol"
	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/session"
)

const (
	StateListening = "listening"
	StateThinking  = "thinking"
	StateSpeaking  = "speaking"
)

const (
	sourceMic     = "mic"
	sourceMeeting = "meeting"

	outboundSendTimeout = 600 * time.Millisecond
	introText           = "Meeting mode is on. Say the wake word, then continue speaking."
)

// AudioChunk is one decoded client audio frame routed to the
// orchestrator by the websocket handler.
type AudioChunk struct {
	Seq       uint32
	CaptureTs float64
	Payload   []byte
}

// Config carries the per-connection dialogue settings.
type Config struct {
	SystemPrompt    string
	HistoryMaxTurns int
	Voice           string

	MeetingMode          bool
	RequireWakeWord      bool
	WakeWords            []string
	MeetingOpenWindow    time.Duration
	MeetingCooldown      time.Duration
	EchoSuppressWindow   time.Duration
	EchoSimilarity       float64
	IntroEnabled         bool
	MeetingOutputEnabled bool
}

// Orchestrator wires STT, the dialogue model and TTS together.
type Orchestrator struct {
	stt     provider.Adapter
	llm     DialogueModel
	tts     TTSProvider
	metrics *observability.Metrics
	logger  *log.Logger
}

func NewOrchestrator(stt provider.Adapter, llm DialogueModel, tts TTSProvider, metrics *observability.Metrics, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{stt: stt, llm: llm, tts: tts, metrics: metrics, logger: logger}
}

type sttMessage struct {
	source string
	evt    provider.Event
}

type turnResult struct {
	turnID   string
	userText string
	reply    string
	err      error
}

// RunConnection drives one voice websocket connection until the
// inbound channel closes or the context ends.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, cfg Config, inbound <-chan any, outbound chan<- any) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	opts := provider.StreamingOptions{
		SampleRateHz:  o.stt.TargetSampleRate(),
		EnableInterim: true,
		EnableVad:     true,
	}

	micSession, err := o.stt.StartStreaming(ctx, opts)
	if err != nil {
		o.send(ctx, outbound, protocol.ErrorMessage{Type: protocol.TypeError, Code: "stt_connect_failed", Message: err.Error(), Fatal: true})
		return err
	}
	defer micSession.Close()

	var meetingSession provider.StreamingSession
	if cfg.MeetingMode {
		meetingSession, err = o.stt.StartStreaming(ctx, opts)
		if err != nil {
			o.send(ctx, outbound, protocol.ErrorMessage{Type: protocol.TypeError, Code: "stt_connect_failed", Message: err.Error(), Fatal: true})
			return err
		}
		defer meetingSession.Close()
	}

	sttCh := make(chan sttMessage, 256)
	go pumpSTT(ctx, sourceMic, micSession, sttCh)
	if meetingSession != nil {
		go pumpSTT(ctx, sourceMeeting, meetingSession, sttCh)
	}

	gate := NewWakeGate(cfg.WakeWords, cfg.RequireWakeWord, cfg.MeetingOpenWindow, cfg.MeetingCooldown)
	echo := NewEchoSuppressor(cfg.EchoSuppressWindow, cfg.EchoSimilarity)

	o.send(ctx, outbound, protocol.VoiceSessionMessage{
		Type:       protocol.TypeVoiceSession,
		SessionID:  sess.ID,
		StartedAt:  time.Now().UnixMilli(),
		SampleRate: TTSOutputSampleRate,
	})
	o.send(ctx, outbound, protocol.VoiceStateMessage{Type: protocol.TypeVoiceState, State: StateListening})

	history := []Message{{Role: "system", Content: cfg.SystemPrompt}}

	var (
		turnCancel           context.CancelFunc
		activeTurnID         string
		suppressedFinalParts []string
		suppressedInterim    string
		windowTimer          *time.Timer
		windowExpired        <-chan time.Time
	)
	turnDone := make(chan turnResult, 1)

	armWindowTimer := func(expiresAt time.Time) {
		if windowTimer != nil {
			windowTimer.Stop()
		}
		windowTimer = time.NewTimer(time.Until(expiresAt))
		windowExpired = windowTimer.C
	}
	defer func() {
		if windowTimer != nil {
			windowTimer.Stop()
		}
	}()

	turnActive := func() bool { return turnCancel != nil }

	startTurn := func(userText string) {
		userText = strings.TrimSpace(userText)
		if userText == "" || turnActive() {
			return
		}
		turnID := uuid.NewString()
		turnCtx, cancel := context.WithCancel(ctx)
		turnCancel = cancel
		activeTurnID = turnID

		o.send(ctx, outbound, protocol.VoiceUserTranscript{Type: protocol.TypeVoiceUserText, Text: userText, IsFinal: true})
		o.send(ctx, outbound, protocol.VoiceStateMessage{Type: protocol.TypeVoiceState, State: StateThinking, TurnID: turnID})

		snapshot := append([]Message(nil), history...)
		snapshot = append(snapshot, Message{Role: "user", Content: userText})
		go o.runAssistantTurn(turnCtx, turnID, cfg.Voice, snapshot, userText, echo, outbound, turnDone)
	}

	cancelTurn := func(reason string) {
		if !turnActive() {
			return
		}
		turnCancel()
		turnCancel = nil
		o.send(ctx, outbound, protocol.VoiceAudioEnd{Type: protocol.TypeVoiceAudioEnd, TurnID: activeTurnID, Reason: reason})
		activeTurnID = ""
		o.send(ctx, outbound, protocol.VoiceStateMessage{Type: protocol.TypeVoiceState, State: StateListening})
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("voice_turn_" + reason).Inc()
		}
	}

	flushSuppressed := func() string {
		parts := suppressedFinalParts
		if len(parts) == 0 && suppressedInterim != "" {
			parts = []string{suppressedInterim}
		}
		suppressedFinalParts = nil
		suppressedInterim = ""
		return strings.TrimSpace(strings.Join(parts, " "))
	}

	if cfg.MeetingMode && cfg.IntroEnabled {
		o.speakOnce(ctx, cfg.Voice, introText, outbound)
	}

	for {
		select {
		case <-ctx.Done():
			cancelTurn("session_closed")
			return ctx.Err()

		case item, ok := <-inbound:
			if !ok {
				cancelTurn("session_closed")
				_ = micSession.End(context.Background())
				if meetingSession != nil {
					_ = meetingSession.End(context.Background())
				}
				return nil
			}
			switch msg := item.(type) {
			case AudioChunk:
				target := micSession
				if meetingSession != nil && msg.Seq%2 == 1 {
					target = meetingSession
				}
				if err := target.SendAudio(ctx, msg.Payload, msg.CaptureTs); err != nil {
					o.logger.Printf("voice session=%s send audio: %v", sess.ID, err)
				}
			case protocol.Command:
				switch msg.Name {
				case protocol.CommandStopSpeaking:
					cancelTurn("stop_speaking")
					flushSuppressed()
				case protocol.CommandBargeIn:
					cancelTurn("barge_in")
					if text := flushSuppressed(); text != "" {
						startTurn(text)
					}
				case protocol.CommandResetHistory:
					cancelTurn("reset_history")
					flushSuppressed()
					history = history[:1]
					if gate.WindowOpen() {
						gate.Close()
						o.send(ctx, outbound, protocol.VoiceMeetingWindow{Type: protocol.TypeVoiceMeetingGate, State: "closed", Reason: "reset_history"})
					}
				}
			}

		case msg := <-sttCh:
			switch msg.evt.Type {
			case provider.EventError:
				if msg.evt.Fatal {
					o.send(ctx, outbound, protocol.ErrorMessage{Type: protocol.TypeError, Code: "stt_stream_failed", Message: msg.evt.Err.Error(), Fatal: true})
					cancelTurn("stt_failed")
					return msg.evt.Err
				}
				o.logger.Printf("voice session=%s stt %s error: %v", sess.ID, msg.source, msg.evt.Err)
			case provider.EventTranscript:
				t := msg.evt.Transcript
				if msg.source == sourceMeeting {
					if !t.IsFinal {
						continue
					}
					if echo.IsEcho(t.Text) {
						if o.metrics != nil {
							o.metrics.SessionEvents.WithLabelValues("meeting_echo_dropped").Inc()
						}
						continue
					}
					if cfg.MeetingOutputEnabled {
						o.send(ctx, outbound, protocol.VoiceUserTranscript{
							Type:    protocol.TypeVoiceUserText,
							Text:    t.Text,
							IsFinal: true,
							Channel: sourceMeeting,
						})
					}
					decision := gate.Evaluate(t.Text)
					if decision.WindowOpened || decision.WindowExtended {
						gateState := "opened"
						if decision.WindowExtended {
							gateState = "extended"
						}
						o.send(ctx, outbound, protocol.VoiceMeetingWindow{
							Type:      protocol.TypeVoiceMeetingGate,
							State:     gateState,
							ExpiresAt: decision.ExpiresAt.UnixMilli(),
							Reason:    "wake_word",
						})
						armWindowTimer(decision.ExpiresAt)
					}
					if !decision.Trigger {
						continue
					}
					if turnActive() {
						suppressedFinalParts = append(suppressedFinalParts, decision.Text)
						continue
					}
					startTurn(decision.Text)
					continue
				}

				// Mic channel.
				if turnActive() {
					if !t.IsFinal {
						suppressedInterim = t.Text
						continue
					}
					text := strings.TrimSpace(t.Text)
					if text == "" {
						continue
					}
					// The user talked over the assistant: discard the
					// in-flight turn and answer the new utterance.
					suppressedFinalParts = nil
					suppressedInterim = ""
					cancelTurn("barge_in")
					startTurn(text)
					continue
				}
				if !t.IsFinal {
					o.send(ctx, outbound, protocol.VoiceUserTranscript{Type: protocol.TypeVoiceUserText, Text: t.Text, IsFinal: false})
					continue
				}
				startTurn(t.Text)
			}

		case res := <-turnDone:
			if res.turnID != activeTurnID || !turnActive() {
				continue
			}
			turnCancel = nil
			activeTurnID = ""
			if res.err != nil {
				o.logger.Printf("voice session=%s turn failed: %v", sess.ID, res.err)
				o.send(ctx, outbound, protocol.ErrorMessage{Type: protocol.TypeError, Code: "assistant_turn_failed", Message: res.err.Error()})
			} else {
				history = append(history,
					Message{Role: "user", Content: res.userText},
					Message{Role: "assistant", Content: res.reply},
				)
				history = boundHistory(history, cfg.HistoryMaxTurns)
			}
			o.send(ctx, outbound, protocol.VoiceStateMessage{Type: protocol.TypeVoiceState, State: StateListening})
			if text := flushSuppressed(); text != "" {
				startTurn(text)
			}

		case <-windowExpired:
			windowExpired = nil
			if !gate.WindowOpen() {
				gate.Close()
				o.send(ctx, outbound, protocol.VoiceMeetingWindow{Type: protocol.TypeVoiceMeetingGate, State: "closed", Reason: "timeout"})
			}
		}
	}
}

// runAssistantTurn streams one LLM reply and synthesizes it sentence
// by sentence. Spoken sentences are registered with the echo
// suppressor before their audio is emitted.
func (o *Orchestrator) runAssistantTurn(ctx context.Context, turnID, voice string, messages []Message, userText string, echo *EchoSuppressor, outbound chan<- any, done chan<- turnResult) {
	stream, err := o.tts.StartStream(ctx, voice)
	if err != nil {
		done <- turnResult{turnID: turnID, userText: userText, err: err}
		return
	}
	defer stream.Close()

	audioDone := make(chan struct{})
	go func() {
		defer close(audioDone)
		started := false
		for evt := range stream.Events() {
			switch evt.Type {
			case TTSEventAudio:
				if !started {
					started = true
					o.send(ctx, outbound, protocol.VoiceStateMessage{Type: protocol.TypeVoiceState, State: StateSpeaking, TurnID: turnID})
					o.send(ctx, outbound, protocol.VoiceAudioStart{Type: protocol.TypeVoiceAudioStart, TurnID: turnID, SampleRate: TTSOutputSampleRate})
				}
				o.send(ctx, outbound, evt.PCM)
			case TTSEventFinal:
				if started {
					o.send(ctx, outbound, protocol.VoiceAudioEnd{Type: protocol.TypeVoiceAudioEnd, TurnID: turnID, Reason: "completed"})
				}
				return
			case TTSEventError:
				o.logger.Printf("voice turn=%s tts error: %s", turnID, evt.Detail)
				return
			}
		}
	}()

	var pending string
	speak := func(sentence string) error {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return nil
		}
		echo.Spoken(sentence)
		return stream.SendText(ctx, sentence)
	}

	reply, err := o.llm.StreamResponse(ctx, messages, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.send(ctx, outbound, protocol.VoiceAssistantText{Type: protocol.TypeVoiceAssistText, TurnID: turnID, Text: delta, Delta: true})
		var sentences []string
		sentences, pending = splitSentences(pending + delta)
		for _, s := range sentences {
			if err := speak(s); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		err = speak(pending)
	}
	if err == nil {
		o.send(ctx, outbound, protocol.VoiceAssistantText{Type: protocol.TypeVoiceAssistText, TurnID: turnID, Text: reply})
		_ = stream.CloseInput(ctx)
		select {
		case <-audioDone:
		case <-ctx.Done():
		}
	}
	done <- turnResult{turnID: turnID, userText: userText, reply: reply, err: err}
}

// speakOnce plays a fixed announcement outside the dialogue history.
func (o *Orchestrator) speakOnce(ctx context.Context, voice, text string, outbound chan<- any) {
	stream, err := o.tts.StartStream(ctx, voice)
	if err != nil {
		return
	}
	defer stream.Close()

	turnID := uuid.NewString()
	if err := stream.SendText(ctx, text); err != nil {
		return
	}
	_ = stream.CloseInput(ctx)

	started := false
	for evt := range stream.Events() {
		switch evt.Type {
		case TTSEventAudio:
			if !started {
				started = true
				o.send(ctx, outbound, protocol.VoiceAudioStart{Type: protocol.TypeVoiceAudioStart, TurnID: turnID, SampleRate: TTSOutputSampleRate})
			}
			o.send(ctx, outbound, evt.PCM)
		case TTSEventFinal, TTSEventError:
			if started {
				o.send(ctx, outbound, protocol.VoiceAudioEnd{Type: protocol.TypeVoiceAudioEnd, TurnID: turnID, Reason: "completed"})
			}
			return
		}
	}
}

func pumpSTT(ctx context.Context, source string, s provider.StreamingSession, out chan<- sttMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.Events():
			if !ok {
				return
			}
			select {
			case out <- sttMessage{source: source, evt: evt}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// send delivers with a bounded wait; a stalled client loses
// non-deliverable messages instead of wedging the pipeline.
func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) {
	timer := time.NewTimer(outboundSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-ctx.Done():
	case <-timer.C:
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
	}
}

// boundHistory trims to the newest maxTurns user/assistant pairs,
// always preserving the leading system message.
func boundHistory(history []Message, maxTurns int) []Message {
	if maxTurns <= 0 {
		maxTurns = 12
	}
	maxMessages := 1 + maxTurns*2
	if len(history) <= maxMessages {
		return history
	}
	trimmed := make([]Message, 0, maxMessages)
	trimmed = append(trimmed, history[0])
	trimmed = append(trimmed, history[len(history)-maxTurns*2:]...)
	return trimmed
}

// splitSentences returns the complete sentences in text and the
// unfinished remainder.
func splitSentences(text string) ([]string, string) {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '.', '!', '?', '\n', '。', '！', '？':
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	return sentences, string(runes[start:])
}
