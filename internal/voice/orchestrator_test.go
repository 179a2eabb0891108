package voice

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openvoicelab/sttgate/internal/protocol"
	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/session"
)

// fakeSTT hands out scriptable sessions in creation order, so tests
// can drive the mic and meeting channels independently.
type fakeSTT struct {
	mu       sync.Mutex
	sessions []*fakeSTTSession
	created  chan *fakeSTTSession
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{created: make(chan *fakeSTTSession, 4)}
}

func (f *fakeSTT) ID() string              { return "fake" }
func (f *fakeSTT) SupportsStreaming() bool { return true }
func (f *fakeSTT) SupportsBatch() bool     { return false }
func (f *fakeSTT) TargetSampleRate() int   { return 16000 }

func (f *fakeSTT) StartStreaming(context.Context, provider.StreamingOptions) (provider.StreamingSession, error) {
	s := &fakeSTTSession{events: make(chan provider.Event, 64)}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	f.created <- s
	return s, nil
}

func (f *fakeSTT) TranscribeFileFromPCM(context.Context, io.Reader, provider.StreamingOptions) (provider.BatchResult, error) {
	return provider.BatchResult{}, provider.ErrUnsupported
}

func (f *fakeSTT) session(t *testing.T) *fakeSTTSession {
	t.Helper()
	select {
	case s := <-f.created:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stt session created")
		return nil
	}
}

type fakeSTTSession struct {
	mu     sync.Mutex
	closed bool
	events chan provider.Event
	sent   int
}

func (s *fakeSTTSession) SendAudio(_ context.Context, _ []byte, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *fakeSTTSession) End(context.Context) error { return nil }

func (s *fakeSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSTTSession) Events() <-chan provider.Event { return s.events }

func (s *fakeSTTSession) emit(text string, isFinal bool) {
	s.events <- provider.Event{Type: provider.EventTranscript, Transcript: provider.PartialTranscript{
		Provider: "fake", Text: text, IsFinal: isFinal, Channel: provider.ChannelMic,
	}}
}

// blockingDialogue blocks its first call until released; later calls
// answer immediately.
type blockingDialogue struct {
	mu      sync.Mutex
	calls   [][]Message
	first   bool
	release chan struct{}
}

func newBlockingDialogue() *blockingDialogue {
	return &blockingDialogue{release: make(chan struct{})}
}

func (d *blockingDialogue) StreamResponse(ctx context.Context, messages []Message, onDelta DeltaHandler) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, append([]Message(nil), messages...))
	block := !d.first
	d.first = true
	d.mu.Unlock()

	if block {
		select {
		case <-d.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	reply := "Understood."
	if onDelta != nil {
		if err := onDelta(reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (d *blockingDialogue) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *blockingDialogue) call(i int) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

type collector struct {
	mu   sync.Mutex
	msgs []any
}

func (c *collector) run(outbound <-chan any) {
	for msg := range outbound {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}
}

func (c *collector) waitFor(t *testing.T, what string, pred func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	seen := 0
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for ; seen < len(c.msgs); seen++ {
			if pred(c.msgs[seen]) {
				msg := c.msgs[seen]
				c.mu.Unlock()
				return msg
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return nil
}

func (c *collector) neverSee(t *testing.T, wait time.Duration, what string, pred func(any) bool) {
	t.Helper()
	time.Sleep(wait)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.msgs {
		if pred(msg) {
			t.Fatalf("unexpected %s: %+v", what, msg)
		}
	}
}

func isState(state string) func(any) bool {
	return func(m any) bool {
		s, ok := m.(protocol.VoiceStateMessage)
		return ok && s.State == state
	}
}

func isAudioEnd(reason string) func(any) bool {
	return func(m any) bool {
		e, ok := m.(protocol.VoiceAudioEnd)
		return ok && (reason == "" || e.Reason == reason)
	}
}

type voiceHarness struct {
	stt     *fakeSTT
	llm     *blockingDialogue
	inbound chan any
	out     *collector
	runErr  chan error
	mic     *fakeSTTSession
	meeting *fakeSTTSession
}

func startVoice(t *testing.T, cfg Config) *voiceHarness {
	t.Helper()
	h := &voiceHarness{
		stt:     newFakeSTT(),
		llm:     newBlockingDialogue(),
		inbound: make(chan any, 16),
		out:     &collector{},
		runErr:  make(chan error, 1),
	}
	// First dialogue call should not block by default.
	h.llm.first = true

	o := NewOrchestrator(h.stt, h.llm, NewMockTTS(), nil, nil)
	sess := &session.Session{ID: "voice-test"}
	outbound := make(chan any, 256)
	go h.out.run(outbound)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		h.runErr <- o.RunConnection(ctx, sess, cfg, h.inbound, outbound)
	}()

	h.mic = h.stt.session(t)
	if cfg.MeetingMode {
		h.meeting = h.stt.session(t)
	}
	t.Cleanup(func() { close(h.inbound); <-h.runErr })
	return h
}

func TestFinalTranscriptRunsFullTurn(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys", HistoryMaxTurns: 12})

	h.mic.emit("hello there", true)

	h.out.waitFor(t, "user transcript", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && u.IsFinal && u.Text == "hello there"
	})
	h.out.waitFor(t, "thinking state", isState(StateThinking))
	h.out.waitFor(t, "speaking state", isState(StateSpeaking))
	h.out.waitFor(t, "audio start", func(m any) bool {
		_, ok := m.(protocol.VoiceAudioStart)
		return ok
	})
	h.out.waitFor(t, "pcm chunk", func(m any) bool {
		pcm, ok := m.([]byte)
		return ok && len(pcm) > 0
	})
	h.out.waitFor(t, "audio end", isAudioEnd("completed"))
	h.out.waitFor(t, "full assistant text", func(m any) bool {
		a, ok := m.(protocol.VoiceAssistantText)
		return ok && !a.Delta && a.Text == "Understood."
	})
}

func TestInterimForwardedWhileListening(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys"})

	h.mic.emit("hel", false)
	h.out.waitFor(t, "interim transcript", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && !u.IsFinal && u.Text == "hel"
	})
}

func TestFinalDuringTurnInterruptsIt(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys"})
	h.llm.first = false // first turn blocks in the dialogue call

	h.mic.emit("tell me a story", true)
	h.out.waitFor(t, "thinking state", isState(StateThinking))

	// The user speaking over the assistant discards the turn with no
	// command required.
	h.mic.emit("stop", true)
	h.out.waitFor(t, "barge-in audio end", isAudioEnd("barge_in"))
	h.out.waitFor(t, "interrupting turn completes", func(m any) bool {
		a, ok := m.(protocol.VoiceAssistantText)
		return ok && !a.Delta && a.Text == "Understood."
	})

	deadline := time.Now().Add(2 * time.Second)
	for h.llm.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.llm.callCount(); n != 2 {
		t.Fatalf("dialogue calls = %d, want 2", n)
	}
	second := h.llm.call(1)
	if second[len(second)-1].Content != "stop" {
		t.Fatalf("interrupting user message = %q", second[len(second)-1].Content)
	}
}

func TestBargeInCommandReplaysSuppressedInterim(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys"})
	h.llm.first = false // first turn blocks until released

	h.mic.emit("tell me a story", true)
	h.out.waitFor(t, "thinking state", isState(StateThinking))

	// Interims during a turn are held, not forwarded.
	h.mic.emit("actually stop", false)
	time.Sleep(50 * time.Millisecond)

	h.inbound <- protocol.Command{Type: protocol.TypeCommand, Name: protocol.CommandBargeIn}
	h.out.waitFor(t, "barge-in audio end", isAudioEnd("barge_in"))

	// The held interim becomes the next user turn.
	h.out.waitFor(t, "replayed user transcript", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && u.IsFinal && u.Text == "actually stop"
	})
	h.out.waitFor(t, "second turn completes", func(m any) bool {
		a, ok := m.(protocol.VoiceAssistantText)
		return ok && !a.Delta
	})

	if n := h.llm.callCount(); n != 2 {
		t.Fatalf("dialogue calls = %d, want 2", n)
	}
	second := h.llm.call(1)
	if second[len(second)-1].Content != "actually stop" {
		t.Fatalf("second turn user message = %q", second[len(second)-1].Content)
	}
}

func TestStopSpeakingCancelsWithoutReplay(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys"})
	h.llm.first = false

	h.mic.emit("long question", true)
	h.out.waitFor(t, "thinking state", isState(StateThinking))
	h.mic.emit("ignored aside", false)
	time.Sleep(50 * time.Millisecond)

	h.inbound <- protocol.Command{Type: protocol.TypeCommand, Name: protocol.CommandStopSpeaking}
	h.out.waitFor(t, "stop audio end", isAudioEnd("stop_speaking"))

	h.out.neverSee(t, 150*time.Millisecond, "replayed transcript", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && u.Text == "ignored aside"
	})
	if n := h.llm.callCount(); n != 1 {
		t.Fatalf("dialogue calls = %d, want 1", n)
	}
}

func TestResetHistoryWipesDialogue(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys", HistoryMaxTurns: 12})

	h.mic.emit("remember the number six", true)
	h.out.waitFor(t, "first turn done", func(m any) bool {
		a, ok := m.(protocol.VoiceAssistantText)
		return ok && !a.Delta
	})

	h.inbound <- protocol.Command{Type: protocol.TypeCommand, Name: protocol.CommandResetHistory}
	time.Sleep(50 * time.Millisecond)

	h.mic.emit("what number was it", true)
	h.out.waitFor(t, "listening after second turn", isState(StateListening))
	deadline := time.Now().Add(2 * time.Second)
	for h.llm.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := h.llm.call(1)
	if len(second) != 2 || second[0].Role != "system" || second[1].Content != "what number was it" {
		t.Fatalf("post-reset history = %+v, want system + user only", second)
	}
}

func TestMeetingWakeWordGatesTurns(t *testing.T) {
	h := startVoice(t, Config{
		SystemPrompt:      "sys",
		MeetingMode:       true,
		RequireWakeWord:   true,
		WakeWords:         []string{"assistant"},
		MeetingOpenWindow: 6 * time.Second,
	})

	h.meeting.emit("hello everyone", true)
	h.out.neverSee(t, 100*time.Millisecond, "turn without wake word", isState(StateThinking))

	h.meeting.emit("assistant what is the status", true)
	h.out.waitFor(t, "meeting window opened", func(m any) bool {
		w, ok := m.(protocol.VoiceMeetingWindow)
		return ok && w.State == "opened"
	})
	h.out.waitFor(t, "wake-word turn", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && u.IsFinal && u.Text == "what is the status"
	})
}

func TestMeetingEchoIsDropped(t *testing.T) {
	h := startVoice(t, Config{
		SystemPrompt:       "sys",
		MeetingMode:        true,
		EchoSuppressWindow: 3 * time.Second,
		EchoSimilarity:     0.8,
	})

	// "Understood." comes back through the meeting mic as an echo.
	h.mic.emit("please confirm", true)
	h.out.waitFor(t, "turn done", func(m any) bool {
		a, ok := m.(protocol.VoiceAssistantText)
		return ok && !a.Delta
	})

	h.meeting.emit("Understood", true)
	h.out.neverSee(t, 150*time.Millisecond, "echo-triggered turn", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && u.IsFinal && strings.Contains(strings.ToLower(u.Text), "understood")
	})
}

func TestMeetingOutputForwardsMeetingFinals(t *testing.T) {
	h := startVoice(t, Config{
		SystemPrompt:         "sys",
		MeetingMode:          true,
		RequireWakeWord:      true,
		WakeWords:            []string{"assistant"},
		MeetingOutputEnabled: true,
	})

	h.meeting.emit("reviewing the roadmap", true)
	h.out.waitFor(t, "forwarded meeting transcript", func(m any) bool {
		u, ok := m.(protocol.VoiceUserTranscript)
		return ok && u.IsFinal && u.Channel == "meeting" && u.Text == "reviewing the roadmap"
	})
	// Without the wake word the chatter is surfaced but starts no turn.
	h.out.neverSee(t, 100*time.Millisecond, "turn from meeting chatter", isState(StateThinking))
}

func TestAudioChunksRouteBySeqParity(t *testing.T) {
	h := startVoice(t, Config{SystemPrompt: "sys", MeetingMode: true})

	h.inbound <- AudioChunk{Seq: 0, Payload: make([]byte, 320)}
	h.inbound <- AudioChunk{Seq: 1, Payload: make([]byte, 320)}
	h.inbound <- AudioChunk{Seq: 2, Payload: make([]byte, 320)}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mic.mu.Lock()
		micSent := h.mic.sent
		h.mic.mu.Unlock()
		h.meeting.mu.Lock()
		meetingSent := h.meeting.sent
		h.meeting.mu.Unlock()
		if micSent == 2 && meetingSent == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("audio chunks not demuxed by sequence parity")
}
