// Package openairt implements the streaming adapter for the OpenAI
// Realtime transcription API. The provider speaks a JSON event protocol
// over a WebSocket: audio is appended as base64 PCM16, utterance
// boundaries are committed either by server-side VAD or by explicit
// commit messages, and finals arrive as per-item completion events whose
// order on the wire is not guaranteed to match audio order.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openvoicelab/sttgate/internal/provider"
)

const (
	// MandatedSampleRate is the only input rate this provider accepts.
	MandatedSampleRate = 24000

	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-transcribe"

	connectTimeout    = 10 * time.Second
	keepaliveInterval = 15 * time.Second
	closeTimeout      = 2 * time.Second

	// highWater bounds unacknowledged appended audio; sends back off in
	// 10 ms steps until the provider drains below it.
	highWater       = 5 << 20
	backoffInterval = 10 * time.Millisecond

	// commitDelay is how long after the first buffered audio a manual
	// commit fires when server VAD is off.
	commitDelay = time.Second
)

// Config configures the adapter. APIKey comes from OPENAI_API_KEY.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// CommitDelay overrides the manual commit schedule; zero keeps the
	// default. Used by tests.
	CommitDelay time.Duration
}

type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.CommitDelay <= 0 {
		cfg.CommitDelay = commitDelay
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) ID() string              { return "openai-realtime" }
func (a *Adapter) SupportsStreaming() bool { return true }
func (a *Adapter) SupportsBatch() bool     { return false }
func (a *Adapter) TargetSampleRate() int   { return MandatedSampleRate }

func (a *Adapter) Check() error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return provider.ErrMissingCredentials
	}
	return nil
}

func (a *Adapter) TranscribeFileFromPCM(context.Context, io.Reader, provider.StreamingOptions) (provider.BatchResult, error) {
	return provider.BatchResult{}, provider.ErrUnsupported
}

func (a *Adapter) StartStreaming(ctx context.Context, opts provider.StreamingOptions) (provider.StreamingSession, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	if opts.SampleRateHz != 0 && opts.SampleRateHz != MandatedSampleRate {
		return nil, fmt.Errorf("%w: got %d, need %d", provider.ErrInvalidSampleRate, opts.SampleRateHz, MandatedSampleRate)
	}

	u := strings.TrimRight(a.cfg.BaseURL, "/") + "?intent=transcription"
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, headers)
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	model := opts.Model
	if strings.TrimSpace(model) == "" {
		model = a.cfg.Model
	}
	commitAfter := a.cfg.CommitDelay
	if opts.FinalizeDelayMs > 0 {
		commitAfter = time.Duration(opts.FinalizeDelayMs) * time.Millisecond
	}

	s := &rtSession{
		conn:        conn,
		opts:        opts,
		serverVAD:   opts.EnableVad,
		commitDelay: commitAfter,
		events:      make(chan provider.Event, 256),
		ready:       make(chan struct{}),
		readDone:    make(chan struct{}),
		deadline:    time.Now().Add(connectTimeout),
		itemNext:    make(map[string]string),
		prevOf:      make(map[string]string),
		tracked:     make(map[string]bool),
		accum:       make(map[string]*strings.Builder),
		pending:     make(map[string]string),
	}

	if err := s.sendSessionUpdate(model); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session update: %w", err)
	}

	go s.readLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── outgoing protocol messages ──

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat         string            `json:"input_audio_format"`
	InputAudioNoiseReduction *noiseReduction   `json:"input_audio_noise_reduction,omitempty"`
	InputAudioTranscription  transcriptionOpts `json:"input_audio_transcription"`
	TurnDetection            *turnDetection    `json:"turn_detection"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type transcriptionOpts struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ── incoming protocol events ──

type serverEvent struct {
	Type           string `json:"type"`
	Delta          string `json:"delta,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           *struct {
		ID string `json:"id"`
	} `json:"item,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ── session ──

type rtSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	opts        provider.StreamingOptions
	serverVAD   bool
	commitDelay time.Duration
	deadline    time.Time

	events   chan provider.Event
	ready    chan struct{}
	readDone chan struct{}

	readyMu     sync.Mutex
	gotCreated  bool
	gotUpdated  bool
	readyClosed bool

	mu               sync.Mutex
	hasBufferedAudio bool
	bufferedBytes    int
	sendCarry        []byte
	appendGen        uint64
	lastCommitGen    uint64
	commitTimer      *time.Timer
	ended            bool

	// Item ordering state. tracked holds every item id seen in an
	// ordering event; itemNext maps previous_item_id -> item_id and
	// prevOf the reverse; cursor is the last finalized item.
	itemNext map[string]string
	prevOf   map[string]string
	tracked  map[string]bool
	accum    map[string]*strings.Builder
	pending  map[string]string
	cursor   string

	closeOnce  sync.Once
	eventsOnce sync.Once
}

func (s *rtSession) Events() <-chan provider.Event { return s.events }

func (s *rtSession) sendSessionUpdate(model string) error {
	var td *turnDetection
	if s.serverVAD {
		td = &turnDetection{Type: "server_vad"}
		if v := s.opts.VAD; v != nil {
			td.SilenceDurationMs = v.SilenceDurationMs
			td.PrefixPaddingMs = v.PrefixPaddingMs
			td.Threshold = v.Threshold
		}
	}
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:         "pcm16",
			InputAudioNoiseReduction: &noiseReduction{Type: "near_field"},
			InputAudioTranscription: transcriptionOpts{
				Model:    model,
				Language: s.opts.Language,
				Prompt:   promptFromPhrases(s.opts.ContextPhrases, s.opts.DictionaryPhrases),
			},
			TurnDetection: td,
		},
	})
}

// promptFromPhrases joins the de-duplicated union of context and
// dictionary phrases.
func promptFromPhrases(context, dictionary []string) string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(append([]string(nil), context...), dictionary...) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return strings.Join(out, ", ")
}

func (s *rtSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// awaitReady gates audio until both session.created and session.updated
// have been observed, bounded by the connect timeout.
func (s *rtSession) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(time.Until(s.deadline))
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		return provider.ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.readDone:
		return provider.ErrStreamClosed
	}
}

func (s *rtSession) SendAudio(ctx context.Context, chunk []byte, _ float64) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return provider.ErrStreamClosed
	}
	// Whole 16-bit samples only; carry a dangling byte to the next send.
	if len(s.sendCarry) > 0 {
		chunk = append(s.sendCarry, chunk...)
		s.sendCarry = nil
	}
	if len(chunk)%2 != 0 {
		s.sendCarry = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	if len(chunk) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Backpressure: wait for the outstanding buffer to drain.
	for {
		s.mu.Lock()
		over := s.bufferedBytes > highWater
		s.mu.Unlock()
		if !over {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.readDone:
			return provider.ErrStreamClosed
		case <-time.After(backoffInterval):
		}
	}

	if err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.hasBufferedAudio = true
	s.bufferedBytes += len(chunk)
	s.appendGen++
	if !s.serverVAD && s.commitTimer == nil {
		s.commitTimer = time.AfterFunc(s.commitDelay, func() { s.commit(false) })
	}
	s.mu.Unlock()
	return nil
}

// minBufferedBytes is 100 ms of mandated-rate PCM16; commits below it
// are rejected by the provider.
func minBufferedBytes() int {
	return MandatedSampleRate * 2 * 100 / 1000
}

// commit flushes the provider's audio buffer as an utterance boundary.
// Non-forced commits skip when too little audio is buffered; the next
// append reschedules.
func (s *rtSession) commit(force bool) {
	s.mu.Lock()
	if s.commitTimer != nil {
		s.commitTimer.Stop()
		s.commitTimer = nil
	}
	if !s.hasBufferedAudio {
		s.mu.Unlock()
		return
	}
	if !force && s.bufferedBytes < minBufferedBytes() {
		s.mu.Unlock()
		return
	}
	s.lastCommitGen = s.appendGen
	s.mu.Unlock()

	_ = s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// End force-commits any buffered audio. Repeated calls commit once.
func (s *rtSession) End(context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	s.commit(true)
	return nil
}

// Close commits remaining audio, then performs a bounded close
// handshake before tearing the socket down.
func (s *rtSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.End(context.Background())

		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		select {
		case <-s.readDone:
		case <-time.After(closeTimeout):
		}
		_ = s.conn.Close()
	})
	return nil
}

func (s *rtSession) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.readDone:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			// Failures surface through the read loop; ignore here.
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
		}
	}
}

func (s *rtSession) readLoop() {
	defer s.finish()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if isNormalClose(err) {
				return
			}
			s.emit(provider.Event{
				Type:  provider.EventError,
				Err:   fmt.Errorf("%w: %v", provider.ErrStreamClosed, err),
				Fatal: true,
			})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleEvent(&evt)
	}
}

func isNormalClose(err error) bool {
	if ce, ok := err.(*websocket.CloseError); ok {
		return (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseNoStatusReceived) && ce.Text == ""
	}
	return false
}

func (s *rtSession) finish() {
	s.eventsOnce.Do(func() {
		close(s.readDone)
		s.emitLocked(provider.Event{Type: provider.EventClosed})
		close(s.events)
	})
}

func (s *rtSession) emit(evt provider.Event) {
	select {
	case <-s.readDone:
	default:
		s.emitLocked(evt)
	}
}

func (s *rtSession) emitLocked(evt provider.Event) {
	select {
	case s.events <- evt:
	default:
		// Consumer has stalled past the channel depth; drop rather than
		// deadlock the read loop.
	}
}

func (s *rtSession) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created", "transcription_session.created":
		s.markReady(true, false)
	case "session.updated", "transcription_session.updated":
		s.markReady(false, true)

	case "conversation.item.created":
		itemID := evt.ItemID
		if itemID == "" && evt.Item != nil {
			itemID = evt.Item.ID
		}
		s.trackItem(itemID, evt.PreviousItemID)
		s.drainPending()

	case "input_audio_buffer.committed":
		s.trackItem(evt.ItemID, evt.PreviousItemID)
		s.clearBufferedUnlessFresh()
		s.drainPending()

	case "input_audio_buffer.cleared":
		s.clearBufferedUnlessFresh()

	case "conversation.item.input_audio_transcription.delta":
		s.handleDelta(evt.ItemID, evt.Delta)

	case "conversation.item.input_audio_transcription.completed":
		s.trackItem(evt.ItemID, evt.PreviousItemID)
		s.mu.Lock()
		s.pending[evt.ItemID] = evt.Transcript
		delete(s.accum, evt.ItemID)
		s.mu.Unlock()
		s.drainPending()

	case "conversation.item.input_audio_transcription.failed":
		// Item-scoped: drop that item's state, keep the session alive.
		s.mu.Lock()
		delete(s.accum, evt.ItemID)
		s.pending[evt.ItemID] = ""
		s.mu.Unlock()
		msg := "transcription failed"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(provider.Event{Type: provider.EventError, Err: fmt.Errorf("item %s: %s", evt.ItemID, msg)})
		s.drainPending()

	case "error":
		if evt.Error != nil && strings.Contains(strings.ToLower(evt.Error.Message), "buffer too small") {
			// Benign under the late-commit race; the audio is already
			// part of the next turn.
			return
		}
		msg := "provider error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(provider.Event{Type: provider.EventError, Err: fmt.Errorf("%s", msg), Fatal: true})
	}
}

func (s *rtSession) markReady(created, updated bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if created {
		s.gotCreated = true
	}
	if updated {
		s.gotUpdated = true
	}
	if s.gotCreated && s.gotUpdated && !s.readyClosed {
		s.readyClosed = true
		close(s.ready)
	}
}

// clearBufferedUnlessFresh implements the late-commit race guard: a
// committed/cleared event that arrives after new audio has been
// appended for the next turn must not zero the buffer state, or a
// subsequent End would skip its final commit.
func (s *rtSession) clearBufferedUnlessFresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendGen > s.lastCommitGen {
		return
	}
	s.hasBufferedAudio = false
	s.bufferedBytes = 0
}

func (s *rtSession) trackItem(itemID, prevID string) {
	if itemID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked[itemID] {
		return
	}
	s.tracked[itemID] = true
	s.prevOf[itemID] = prevID
	if prevID != "" {
		s.itemNext[prevID] = itemID
	}
}

// nextItem returns the item due for emission after the cursor. Before
// anything has been emitted the head is the tracked item whose
// predecessor is not tracked.
func (s *rtSession) nextItem() string {
	if s.cursor != "" {
		return s.itemNext[s.cursor]
	}
	for id, prev := range s.prevOf {
		if prev == "" || !s.tracked[prev] {
			return id
		}
	}
	return ""
}

func (s *rtSession) handleDelta(itemID, delta string) {
	if itemID == "" || delta == "" {
		return
	}
	s.mu.Lock()
	b, ok := s.accum[itemID]
	if !ok {
		b = &strings.Builder{}
		s.accum[itemID] = b
	}
	b.WriteString(delta)
	cumulative := b.String()
	interim := s.opts.EnableInterim
	s.mu.Unlock()

	if !interim {
		return
	}
	s.emit(provider.Event{Type: provider.EventTranscript, Transcript: provider.PartialTranscript{
		Provider:  "openai-realtime",
		IsFinal:   false,
		Text:      cumulative,
		Channel:   provider.ChannelMic,
		Timestamp: time.Now().UnixMilli(),
	}})
}

// drainPending emits queued finals in linked-list order from the head,
// regardless of completion arrival order. Whitespace-only finals skip
// emission but still advance the cursor.
func (s *rtSession) drainPending() {
	for {
		s.mu.Lock()
		next := s.nextItem()
		text, ok := s.pending[next]
		if next == "" || !ok {
			s.mu.Unlock()
			return
		}
		delete(s.pending, next)
		s.cursor = next
		s.mu.Unlock()

		if strings.TrimSpace(text) == "" {
			continue
		}
		s.emit(provider.Event{Type: provider.EventTranscript, Transcript: provider.PartialTranscript{
			Provider:           "openai-realtime",
			IsFinal:            true,
			Text:               text,
			Channel:            provider.ChannelMic,
			Timestamp:          time.Now().UnixMilli(),
			PunctuationApplied: true,
			CasingApplied:      true,
		}})
	}
}
