package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/openvoicelab/sttgate/internal/attribute"
	"github.com/openvoicelab/sttgate/internal/audio"
	"github.com/openvoicelab/sttgate/internal/frame"
	"github.com/openvoicelab/sttgate/internal/normalize"
	"github.com/openvoicelab/sttgate/internal/observability"
	"github.com/openvoicelab/sttgate/internal/protocol"
	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/session"
	"github.com/openvoicelab/sttgate/internal/store"
)

// ErrBacklogExceeded terminates a session whose audio backlog stayed
// over the byte limit past the overflow grace period.
var ErrBacklogExceeded = errors.New("audio backlog exceeded")

var (
	errClientGone  = errors.New("client closed the connection")
	errSessionDone = errors.New("session finished")
)

const (
	handshakeWait   = 30 * time.Second
	readWait        = 120 * time.Second
	writeWait       = 10 * time.Second
	drainWait       = 5 * time.Second
	persistWait     = 5 * time.Second
	outboundDepth   = 256
	maxMessageBytes = 2 << 20
)

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, session.KindStream)
}

func (s *Server) handleCompareWS(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, session.KindCompare)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, kind session.Kind) {
	adapters, err := s.resolveAdapters(r, kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade failed: %v", err)
		return
	}

	cfg, err := s.readHandshake(conn)
	if err != nil {
		closeWithError(conn, "invalid_config", err)
		return
	}

	ss, err := s.newStreamSession(conn, kind, cfg, adapters, r.URL.Query().Get("language"))
	if err != nil {
		closeWithError(conn, "session_start_failed", err)
		return
	}
	ss.readLoop()
	ss.shutdown()
}

// resolveAdapters picks the adapters named in the query, or defaults:
// one mock lane for /ws/stream, every streaming-capable provider for
// /ws/stream/compare. Every lane is validated against the availability
// cache before the upgrade.
func (s *Server) resolveAdapters(r *http.Request, kind session.Kind) ([]provider.Adapter, error) {
	var ids []string
	if raw := strings.TrimSpace(r.URL.Query().Get("providers")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	} else if id := strings.TrimSpace(r.URL.Query().Get("provider")); id != "" {
		ids = []string{id}
	}

	if len(ids) == 0 {
		if kind == session.KindCompare {
			for id, st := range s.health.Snapshot() {
				if st.Available && st.SupportsStreaming {
					ids = append(ids, id)
				}
			}
		} else {
			ids = []string{"mock"}
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no streaming providers available")
	}
	if kind != session.KindCompare && len(ids) > 1 {
		return nil, errors.New("multiple providers require the compare endpoint")
	}

	adapters := make([]provider.Adapter, 0, len(ids))
	for _, id := range ids {
		st, ok := s.health.Validate(id, "streaming")
		if !ok {
			if st.Reason != "" {
				return nil, fmt.Errorf("provider %s unavailable: %s", id, st.Reason)
			}
			return nil, fmt.Errorf("provider %s unavailable for streaming", id)
		}
		a, err := s.registry.Get(id)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// readHandshake enforces the config-first protocol: the first message
// on every streaming websocket must be a text StreamingConfig.
func (s *Server) readHandshake(conn *websocket.Conn) (protocol.StreamingConfig, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.StreamingConfig{}, fmt.Errorf("read streaming config: %w", err)
	}
	if mt != websocket.TextMessage {
		return protocol.StreamingConfig{}, errors.New("audio frame received before streaming config")
	}
	return protocol.ParseStreamingConfig(data)
}

func closeWithError(conn *websocket.Conn, code string, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(protocol.ErrorMessage{Type: protocol.TypeError, Code: code, Message: err.Error(), Fatal: true})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(writeWait))
	_ = conn.Close()
}

type frameItem struct {
	pcm  []byte
	meta audio.ChunkMeta
}

// lane is the per-provider leg of a streaming session: its own adapter
// session, capture attributor, optional resampler and a byte-accounted
// frame queue feeding a dedicated sender goroutine.
type lane struct {
	adapter   provider.Adapter
	stream    provider.StreamingSession
	attrib    *attribute.Attributor
	resampler *audio.Resampler
	window    *observability.LatencyWindow

	mu     sync.Mutex
	queue  []frameItem
	closed bool
	wake   chan struct{}

	lastSig string

	senderDone chan struct{}
	pumpDone   chan struct{}
	eventsDone chan struct{}
}

func (ln *lane) push(item frameItem) {
	ln.mu.Lock()
	if ln.closed {
		ln.mu.Unlock()
		return
	}
	ln.queue = append(ln.queue, item)
	ln.mu.Unlock()
	select {
	case ln.wake <- struct{}{}:
	default:
	}
}

func (ln *lane) closeQueue() {
	ln.mu.Lock()
	ln.closed = true
	ln.mu.Unlock()
	select {
	case ln.wake <- struct{}{}:
	default:
	}
}

func (ln *lane) pop(ctx context.Context) (frameItem, bool) {
	for {
		ln.mu.Lock()
		if len(ln.queue) > 0 {
			item := ln.queue[0]
			ln.queue = ln.queue[1:]
			ln.mu.Unlock()
			return item, true
		}
		closed := ln.closed
		ln.mu.Unlock()
		if closed {
			return frameItem{}, false
		}
		select {
		case <-ctx.Done():
			return frameItem{}, false
		case <-ln.wake:
		}
	}
}

func (ln *lane) queuedFrames() int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.queue)
}

// streamSession drives one streaming or compare websocket: single
// reader, single writer, one lane per provider.
type streamSession struct {
	server *Server
	conn   *websocket.Conn
	sess   *session.Session
	cfg    protocol.StreamingConfig
	lanes  []*lane

	ctx    context.Context
	cancel context.CancelCauseFunc

	outbound   chan any
	writerStop chan struct{}
	writerDone chan struct{}

	norm      *normalize.Normalizer
	degraded  bool
	inputRate int
	language  string

	missedPongs atomic.Int32

	backlogMu     sync.Mutex
	backlogBytes  int
	overflowTimer *time.Timer
	backlogWait   chan struct{}

	fatalOnce sync.Once
}

func (s *Server) newStreamSession(conn *websocket.Conn, kind session.Kind, cfg protocol.StreamingConfig, adapters []provider.Adapter, language string) (*streamSession, error) {
	providerIDs := make([]string, len(adapters))
	for i, a := range adapters {
		providerIDs[i] = a.ID()
	}

	inputRate := cfg.ClientSampleRate
	if !cfg.PCM || inputRate == 0 {
		inputRate = adapters[0].TargetSampleRate()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	ss := &streamSession{
		server:     s,
		conn:       conn,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan any, outboundDepth),
		writerStop: make(chan struct{}),
		writerDone: make(chan struct{}),
		norm:       normalize.New(normalize.DefaultBucketMs, normalize.PresetByName(cfg.NormalizePreset)),
		degraded:   cfg.Degraded,
		inputRate:  inputRate,
		language:   language,
	}

	// Start all adapter sessions; compare fan-out connects lanes
	// concurrently so one slow provider does not delay the rest.
	lanes := make([]*lane, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			stream, err := a.StartStreaming(gctx, s.streamingOptions(cfg, a, language))
			if err != nil {
				return fmt.Errorf("start %s: %w", a.ID(), err)
			}
			lanes[i] = &lane{
				adapter:    a,
				stream:     stream,
				attrib:     attribute.New(),
				window:     observability.NewLatencyWindow(s.cfg.LatencyWindowSize),
				wake:       make(chan struct{}, 1),
				senderDone: make(chan struct{}),
				eventsDone: make(chan struct{}),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ln := range lanes {
			if ln != nil {
				_ = ln.stream.Close()
			}
		}
		cancel(err)
		return nil, err
	}

	for _, ln := range lanes {
		if target := ln.adapter.TargetSampleRate(); target != inputRate {
			rs, err := audio.NewResampler(inputRate, target, audio.ResamplerConfig{
				Binary:  s.cfg.ResamplerBinary,
				LowPass: target < inputRate,
			})
			if err != nil {
				for _, l := range lanes {
					_ = l.stream.Close()
				}
				cancel(err)
				return nil, fmt.Errorf("resampler %d -> %d: %w", inputRate, target, err)
			}
			ln.resampler = rs
			ln.pumpDone = make(chan struct{})
		}
	}
	ss.lanes = lanes

	ss.sess = s.sessions.Create(kind, providerIDs, language, inputRate)
	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionEvents.WithLabelValues("session_start").Inc()
	s.logger.Printf("session_start session=%s kind=%s providers=%s rate=%d",
		ss.sess.ID, kind, strings.Join(providerIDs, ","), inputRate)

	go ss.runWriter()
	for _, ln := range ss.lanes {
		go ss.runSender(ln)
		if ln.resampler != nil {
			go ss.runResamplerPump(ln)
		}
		go ss.runEvents(ln)
	}
	go ss.runKeepalive()

	// A fatal cancel must unblock the pending read without closing the
	// conn, so the writer can still flush the error and close frame.
	go func() {
		<-ctx.Done()
		if cause := context.Cause(ctx); !errors.Is(cause, errSessionDone) && !errors.Is(cause, errClientGone) {
			_ = conn.SetReadDeadline(time.Now())
		}
	}()

	ss.send(protocol.SessionMessage{
		Type:            protocol.TypeSession,
		SessionID:       ss.sess.ID,
		Provider:        strings.Join(providerIDs, ","),
		StartedAt:       ss.sess.StartedAt.UnixMilli(),
		InputSampleRate: inputRate,
		AudioSpec: protocol.AudioSpec{
			SampleRate: adapters[0].TargetSampleRate(),
			Channels:   1,
			Format:     "pcm16le",
		},
	})
	return ss, nil
}

func (s *Server) streamingOptions(cfg protocol.StreamingConfig, a provider.Adapter, language string) provider.StreamingOptions {
	opts := provider.StreamingOptions{
		Language:        language,
		SampleRateHz:    a.TargetSampleRate(),
		Encoding:        "pcm16le",
		EnableInterim:   cfg.EnableInterim,
		ContextPhrases:  cfg.ContextPhrases,
		Model:           s.cfg.OpenAIStreamingModel,
		BatchModel:      s.cfg.OpenAIBatchModel,
		FallbackModel:   s.cfg.OpenAIBatchModelFallback,
		NormalizePreset: cfg.NormalizePreset,
	}
	if o := cfg.Options; o != nil {
		opts.EnableVad = o.EnableVad
		opts.DictionaryPhrases = o.DictionaryPhrases
		opts.PunctuationPolicy = o.PunctuationPolicy
		opts.FinalizeDelayMs = o.FinalizeDelayMs
		if o.VAD != nil {
			opts.VAD = &provider.VADSettings{
				SilenceDurationMs: o.VAD.SilenceDurationMs,
				PrefixPaddingMs:   o.VAD.PrefixPaddingMs,
				Threshold:         o.VAD.Threshold,
			}
		}
	}
	return opts
}

// readLoop ingests client frames until the peer closes or a fatal
// error cancels the session.
func (ss *streamSession) readLoop() {
	conn := ss.conn
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		ss.missedPongs.Store(0)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			// Client close starts the drain; the context stays alive so
			// queued audio still reaches the adapters.
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_ = ss.server.sessions.Touch(ss.sess.ID)

		switch mt {
		case websocket.BinaryMessage:
			ss.server.metrics.WSMessages.WithLabelValues("in", "binary").Inc()
			f, err := frame.Decode(data)
			if err != nil {
				ss.server.metrics.DroppedFrames.WithLabelValues("invalid").Inc()
				ss.fatal("invalid_frame", err)
				return
			}
			ss.ingestFrame(f)

		case websocket.TextMessage:
			ss.server.metrics.WSMessages.WithLabelValues("in", "text").Inc()
			ctrl, err := protocol.ParseClientControl(data)
			if err != nil {
				continue
			}
			if _, ok := ctrl.(protocol.Pong); ok {
				ss.missedPongs.Store(0)
			}
		}
	}
}

// ingestFrame copies the payload off the read buffer and queues it on
// every lane, charging the shared backlog account.
func (ss *streamSession) ingestFrame(f frame.Frame) {
	if len(f.Payload) == 0 {
		return
	}
	pcm := append([]byte(nil), f.Payload...)
	meta := audio.ChunkMeta{Seq: f.Seq, CaptureTs: f.CaptureTs, DurationMs: f.DurationMs}
	for _, ln := range ss.lanes {
		ln.push(frameItem{pcm: pcm, meta: meta})
		ss.addBacklog(len(pcm))
	}
}

func (ss *streamSession) addBacklog(n int) {
	ss.backlogMu.Lock()
	defer ss.backlogMu.Unlock()
	ss.backlogBytes += n
	if ss.backlogBytes > ss.server.cfg.MaxPcmQueueBytes && ss.overflowTimer == nil {
		ss.overflowTimer = time.AfterFunc(ss.server.cfg.OverflowGrace, ss.overflowFired)
	}
}

func (ss *streamSession) releaseBacklog(n int) {
	ss.backlogMu.Lock()
	defer ss.backlogMu.Unlock()
	ss.backlogBytes -= n
	// Recovery below the limit disarms the pending overflow timer.
	if ss.backlogBytes <= ss.server.cfg.MaxPcmQueueBytes && ss.overflowTimer != nil {
		ss.overflowTimer.Stop()
		ss.overflowTimer = nil
	}
	if ss.backlogWait != nil {
		close(ss.backlogWait)
		ss.backlogWait = nil
	}
}

// waitBacklogRoom blocks until n more bytes fit under the backlog
// limit. The replay feeder paces itself with it: the overflow watchdog
// exists for live clients outrunning a session, not for the server's
// own file feed, which can simply wait for the adapters to drain.
func (ss *streamSession) waitBacklogRoom(n int) error {
	for {
		ss.backlogMu.Lock()
		fits := ss.backlogBytes == 0 || ss.backlogBytes+n <= ss.server.cfg.MaxPcmQueueBytes
		var wait chan struct{}
		if !fits {
			if ss.backlogWait == nil {
				ss.backlogWait = make(chan struct{})
			}
			wait = ss.backlogWait
		}
		ss.backlogMu.Unlock()
		if fits {
			return nil
		}
		select {
		case <-wait:
		case <-ss.ctx.Done():
			return context.Cause(ss.ctx)
		}
	}
}

func (ss *streamSession) overflowFired() {
	ss.backlogMu.Lock()
	over := ss.backlogBytes > ss.server.cfg.MaxPcmQueueBytes
	bytes := ss.backlogBytes
	ss.overflowTimer = nil
	ss.backlogMu.Unlock()
	if over {
		ss.fatal("backlog_exceeded", fmt.Errorf("%w: %d bytes buffered over limit %d",
			ErrBacklogExceeded, bytes, ss.server.cfg.MaxPcmQueueBytes))
	}
}

// runSender serializes audio into one adapter session in frame order.
func (ss *streamSession) runSender(ln *lane) {
	defer close(ln.senderDone)
	for {
		item, ok := ln.pop(ss.ctx)
		if !ok {
			return
		}
		ss.releaseBacklog(len(item.pcm))

		if ln.resampler != nil {
			if err := ln.resampler.Write(item.pcm, item.meta); err != nil {
				ss.fatal("resampler_failed", fmt.Errorf("resampler write: %w", err))
				return
			}
			continue
		}
		ln.attrib.Enqueue(attribute.Entry{Seq: item.meta.Seq, CaptureTs: item.meta.CaptureTs, DurationMs: item.meta.DurationMs})
		if err := ln.stream.SendAudio(ss.ctx, item.pcm, item.meta.CaptureTs); err != nil {
			if ss.ctx.Err() == nil {
				ss.fatal("send_audio_failed", err)
			}
			return
		}
	}
}

// runResamplerPump forwards resampled chunks into the adapter,
// attributing them by the forwarded capture metadata.
func (ss *streamSession) runResamplerPump(ln *lane) {
	defer close(ln.pumpDone)
	for chunk := range ln.resampler.Output() {
		ln.attrib.Enqueue(attribute.Entry{Seq: chunk.Meta.Seq, CaptureTs: chunk.Meta.CaptureTs, DurationMs: chunk.Meta.DurationMs})
		if err := ln.stream.SendAudio(ss.ctx, chunk.PCM, chunk.Meta.CaptureTs); err != nil {
			if ss.ctx.Err() == nil {
				ss.fatal("send_audio_failed", err)
			}
			return
		}
	}
	if err := ln.resampler.Err(); err != nil {
		ss.fatal("resampler_failed", err)
	}
}

func (ss *streamSession) runEvents(ln *lane) {
	defer close(ln.eventsDone)
	for evt := range ln.stream.Events() {
		switch evt.Type {
		case provider.EventTranscript:
			ss.emitTranscript(ln, evt.Transcript)
		case provider.EventError:
			ss.server.metrics.ProviderErrors.WithLabelValues(ln.adapter.ID(), "stream").Inc()
			if evt.Fatal {
				ss.fatal("provider_failed", evt.Err)
				continue
			}
			ss.send(protocol.ErrorMessage{
				Type:     protocol.TypeError,
				Code:     "provider_error",
				Message:  evt.Err.Error(),
				Provider: ln.adapter.ID(),
			})
		case provider.EventClosed:
			return
		}
	}
}

func (ss *streamSession) emitTranscript(ln *lane, t provider.PartialTranscript) {
	if !t.IsFinal && !ss.cfg.EnableInterim {
		return
	}

	channel := t.Channel
	if channel == "" {
		channel = provider.ChannelMic
	}
	sig := channel + ":" + strconv.FormatBool(t.IsFinal) + ":" + t.Text
	if sig == ln.lastSig {
		return
	}
	ln.lastSig = sig

	origin, latency := ln.attrib.Next()
	ts := t.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	ss.send(protocol.TranscriptMessage{
		Type:               protocol.TypeTranscript,
		Provider:           ln.adapter.ID(),
		IsFinal:            t.IsFinal,
		Text:               t.Text,
		Words:              t.Words,
		Timestamp:          ts,
		Channel:            channel,
		LatencyMs:          latency,
		OriginCaptureTs:    origin,
		SpeakerID:          t.SpeakerID,
		Confidence:         t.Confidence,
		PunctuationApplied: t.PunctuationApplied,
		CasingApplied:      t.CasingApplied,
		Degraded:           ss.degraded,
	})

	ss.server.metrics.ObserveTranscriptLatency(ln.adapter.ID(), t.IsFinal, latency)
	_ = ss.server.sessions.RecordTranscript(ss.sess.ID, t.IsFinal)

	if t.IsFinal {
		ln.window.Observe(ln.adapter.ID(), latency)
		ss.server.latency.Observe(ln.adapter.ID(), latency)
		rec := store.TranscriptLog{
			ID:        uuid.NewString(),
			SessionID: ss.sess.ID,
			Provider:  ln.adapter.ID(),
			Channel:   channel,
			Text:      t.Text,
			IsFinal:   true,
			LatencyMs: &latency,
			CreatedAt: time.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistWait)
			defer cancel()
			if err := ss.server.store.SaveTranscript(ctx, rec); err != nil {
				ss.server.logger.Printf("session=%s save transcript: %v", ss.sess.ID, err)
			}
		}()
	}

	ss.send(ss.norm.Apply(normalize.Input{
		Provider:           ln.adapter.ID(),
		Text:               t.Text,
		IsFinal:            t.IsFinal,
		OriginCaptureTs:    origin,
		LatencyMs:          latency,
		Confidence:         t.Confidence,
		PunctuationApplied: t.PunctuationApplied,
		CasingApplied:      t.CasingApplied,
		Words:              t.Words,
	}))
}

func (ss *streamSession) runKeepalive() {
	interval := ss.server.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ss.ctx.Done():
			return
		case <-ticker.C:
			if int(ss.missedPongs.Add(1)) > ss.server.cfg.MaxMissedPongs {
				ss.fatal("keepalive_timeout", errors.New("client stopped answering keepalive pings"))
				return
			}
			_ = ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			ss.send(protocol.Envelope{Type: protocol.TypePing})
		}
	}
}

// runWriter is the single goroutine allowed to write the websocket.
// The outbound channel is never closed; the stop signal ends the loop
// after a non-blocking flush of whatever is still queued.
func (ss *streamSession) runWriter() {
	defer close(ss.writerDone)
	broken := false
	write := func(msg any) {
		if broken {
			return
		}
		_ = ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
		var err error
		if raw, ok := msg.([]byte); ok {
			err = ss.conn.WriteMessage(websocket.BinaryMessage, raw)
		} else {
			err = ss.conn.WriteJSON(msg)
		}
		if err != nil {
			// Peer is gone; keep draining so senders never block.
			ss.server.logger.Printf("session=%s ws write: %v", ss.sess.ID, err)
			broken = true
			return
		}
		ss.server.metrics.WSMessages.WithLabelValues("out", messageLabel(msg)).Inc()
	}
	for {
		select {
		case <-ss.writerStop:
			for {
				select {
				case msg := <-ss.outbound:
					write(msg)
				default:
					return
				}
			}
		case msg := <-ss.outbound:
			write(msg)
		}
	}
}

func messageLabel(msg any) string {
	switch m := msg.(type) {
	case []byte:
		return "binary"
	case protocol.TranscriptMessage:
		return string(m.Type)
	case protocol.NormalizedMessage:
		return string(m.Type)
	case protocol.SessionMessage:
		return string(m.Type)
	case protocol.ErrorMessage:
		return string(m.Type)
	case protocol.Envelope:
		return string(m.Type)
	default:
		return "other"
	}
}

func (ss *streamSession) send(msg any) {
	select {
	case ss.outbound <- msg:
	case <-ss.ctx.Done():
	}
}

// fatal reports one terminal error to the client and cancels the
// session. Only the first caller wins.
func (ss *streamSession) fatal(code string, err error) {
	ss.fatalOnce.Do(func() {
		select {
		case ss.outbound <- protocol.ErrorMessage{Type: protocol.TypeError, Code: code, Message: err.Error(), Fatal: true}:
		default:
		}
		ss.server.logger.Printf("session=%s fatal %s: %v", ss.sess.ID, code, err)
		ss.cancel(err)
	})
}

// shutdown drains or aborts the lanes, persists per-provider latency
// summaries and releases the connection.
func (ss *streamSession) shutdown() {
	cause := context.Cause(ss.ctx)
	clean := cause == nil || errors.Is(cause, errClientGone)

	for _, ln := range ss.lanes {
		ln.closeQueue()
	}
	if !clean {
		if errors.Is(cause, ErrBacklogExceeded) {
			for _, ln := range ss.lanes {
				ss.server.metrics.DroppedFrames.WithLabelValues("backlog").Add(float64(ln.queuedFrames()))
			}
		}
		ss.cancel(cause)
	}
	for _, ln := range ss.lanes {
		<-ln.senderDone
	}

	if clean {
		for _, ln := range ss.lanes {
			if ln.resampler != nil {
				ln.resampler.End()
			}
		}
		for _, ln := range ss.lanes {
			if ln.pumpDone != nil {
				<-ln.pumpDone
			}
		}
		endCtx, cancelEnd := context.WithTimeout(context.Background(), drainWait)
		for _, ln := range ss.lanes {
			if err := ln.stream.End(endCtx); err != nil {
				ss.server.logger.Printf("session=%s end %s: %v", ss.sess.ID, ln.adapter.ID(), err)
			}
		}
		cancelEnd()
	}

	for _, ln := range ss.lanes {
		_ = ln.stream.Close()
		if ln.resampler != nil {
			ln.resampler.Close()
		}
	}
	for _, ln := range ss.lanes {
		<-ln.eventsDone
	}

	ss.persistSummaries()

	if _, err := ss.server.sessions.End(ss.sess.ID); err == nil {
		ss.server.metrics.ActiveSessions.Dec()
	}
	ss.server.metrics.SessionEvents.WithLabelValues("session_end").Inc()
	ss.server.logger.Printf("session_end session=%s clean=%t", ss.sess.ID, clean)

	ss.cancel(errSessionDone)
	close(ss.writerStop)
	<-ss.writerDone

	closeCode := websocket.CloseNormalClosure
	if !clean {
		closeCode = websocket.CloseInternalServerErr
	}
	_ = ss.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""), time.Now().Add(writeWait))
	_ = ss.conn.Close()
}

func (ss *streamSession) persistSummaries() {
	endedAt := time.Now()
	for _, ln := range ss.lanes {
		// A lane that produced no finals still leaves a zero-count row,
		// so every session has a summary to look up afterwards.
		stats, _ := ln.window.StatsFor(ln.adapter.ID())
		summary := store.LatencySummary{
			ID:          uuid.NewString(),
			SessionID:   ss.sess.ID,
			Provider:    ln.adapter.ID(),
			Language:    ss.language,
			SampleCount: stats.Samples,
			AvgMs:       stats.AvgMS,
			P50Ms:       stats.P50MS,
			P95Ms:       stats.P95MS,
			MinMs:       stats.MinMS,
			MaxMs:       stats.MaxMS,
			StartedAt:   ss.sess.StartedAt,
			EndedAt:     endedAt,
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistWait)
		if err := ss.server.store.SaveLatencySummary(ctx, summary); err != nil {
			ss.server.logger.Printf("session=%s save latency summary: %v", ss.sess.ID, err)
		}
		cancel()
	}
}
