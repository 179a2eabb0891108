package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openvoicelab/sttgate/internal/frame"
	"github.com/openvoicelab/sttgate/internal/protocol"
	"github.com/openvoicelab/sttgate/internal/session"
	"github.com/openvoicelab/sttgate/internal/voice"
)

// handleVoiceWS bridges one websocket to the voice orchestrator:
// binary frames become routed audio chunks, text messages become
// commands, and everything the orchestrator emits is written back by a
// single writer goroutine.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		respondError(w, http.StatusServiceUnavailable, "voice assistant not configured")
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
	vcfg := s.voiceConfig(cfg)

	sess := s.sessions.Create(session.KindVoice, []string{"voice"}, "", voice.TTSOutputSampleRate)
	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionEvents.WithLabelValues("session_start").Inc()
	s.logger.Printf("session_start session=%s kind=voice meeting=%t", sess.ID, vcfg.MeetingMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan any, outboundDepth)
	outbound := make(chan any, outboundDepth)

	// Single writer. The channel is never closed because detached turn
	// goroutines may still attempt sends; the done signal ends it.
	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if pcm, ok := msg.([]byte); ok {
				err = conn.WriteMessage(websocket.BinaryMessage, pcm)
			} else {
				err = conn.WriteJSON(msg)
			}
			if err != nil {
				s.logger.Printf("session=%s ws write: %v", sess.ID, err)
				return false
			}
			s.metrics.WSMessages.WithLabelValues("out", messageLabel(msg)).Inc()
			return true
		}
		for {
			select {
			case <-writerStop:
				// Flush what the orchestrator queued before stopping.
				for {
					select {
					case msg := <-outbound:
						if !write(msg) {
							return
						}
					default:
						return
					}
				}
			case msg := <-outbound:
				if !write(msg) {
					return
				}
			}
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		runDone <- s.voice.RunConnection(ctx, sess, vcfg, inbound, outbound)
		cancel()
		// Expire the pending read so the handler can finish teardown
		// while the writer still flushes queued messages.
		_ = conn.SetReadDeadline(time.Now())
	}()

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	var missedPongs atomic.Int32
	conn.SetPongHandler(func(string) error {
		missedPongs.Store(0)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	// Same keepalive contract as the streaming sockets: control pings
	// plus a JSON ping, fatal once the missed-pong budget runs out.
	if interval := s.cfg.KeepaliveInterval; interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if int(missedPongs.Add(1)) > s.cfg.MaxMissedPongs {
						select {
						case outbound <- protocol.ErrorMessage{
							Type:    protocol.TypeError,
							Code:    "keepalive_timeout",
							Message: "client stopped answering keepalive pings",
							Fatal:   true,
						}:
						default:
						}
						s.logger.Printf("session=%s keepalive timeout", sess.ID)
						cancel()
						_ = conn.SetReadDeadline(time.Now())
						return
					}
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
					select {
					case outbound <- protocol.Envelope{Type: protocol.TypePing}:
					default:
					}
				}
			}
		}()
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_ = s.sessions.Touch(sess.ID)

		switch mt {
		case websocket.BinaryMessage:
			s.metrics.WSMessages.WithLabelValues("in", "binary").Inc()
			f, err := frame.Decode(data)
			if err != nil {
				s.metrics.DroppedFrames.WithLabelValues("invalid").Inc()
				continue
			}
			chunk := voice.AudioChunk{
				Seq:       f.Seq,
				CaptureTs: f.CaptureTs,
				Payload:   append([]byte(nil), f.Payload...),
			}
			select {
			case inbound <- chunk:
			default:
				s.metrics.DroppedFrames.WithLabelValues("voice_backlog").Inc()
			}

		case websocket.TextMessage:
			s.metrics.WSMessages.WithLabelValues("in", "text").Inc()
			ctrl, err := protocol.ParseClientControl(data)
			if err != nil {
				continue
			}
			switch msg := ctrl.(type) {
			case protocol.Pong:
				missedPongs.Store(0)
			case protocol.Command:
				select {
				case inbound <- msg:
				case <-ctx.Done():
				}
			}
		}
	}

	close(inbound)
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("session=%s voice run: %v", sess.ID, err)
	}
	close(writerStop)
	<-writerDone

	if _, err := s.sessions.End(sess.ID); err == nil {
		s.metrics.ActiveSessions.Dec()
	}
	s.metrics.SessionEvents.WithLabelValues("session_end").Inc()
	s.logger.Printf("session_end session=%s kind=voice", sess.ID)
	_ = conn.Close()
}

// voiceConfig folds the handshake options over the server defaults.
func (s *Server) voiceConfig(cfg protocol.StreamingConfig) voice.Config {
	vcfg := voice.Config{
		SystemPrompt:       s.cfg.VoiceSystemPrompt,
		HistoryMaxTurns:    s.cfg.VoiceHistoryMaxTurns,
		Voice:              s.cfg.VoiceTTSVoice,
		MeetingOpenWindow:  s.cfg.MeetingOpenWindow,
		MeetingCooldown:    s.cfg.MeetingCooldown,
		EchoSuppressWindow: s.cfg.EchoSuppressWindow,
		EchoSimilarity:     s.cfg.EchoSimilarity,
		IntroEnabled:       s.cfg.MeetingIntroEnabled,
	}
	o := cfg.Options
	if o == nil {
		return vcfg
	}
	vcfg.MeetingMode = o.MeetingMode
	vcfg.RequireWakeWord = o.MeetingRequireWakeWord
	vcfg.WakeWords = o.WakeWords
	vcfg.MeetingOutputEnabled = o.MeetingOutputEnabled
	if o.MeetingOpenWindowMs > 0 {
		vcfg.MeetingOpenWindow = time.Duration(o.MeetingOpenWindowMs) * time.Millisecond
	}
	if o.MeetingCooldownMs > 0 {
		vcfg.MeetingCooldown = time.Duration(o.MeetingCooldownMs) * time.Millisecond
	}
	if o.EchoSuppressMs > 0 {
		vcfg.EchoSuppressWindow = time.Duration(o.EchoSuppressMs) * time.Millisecond
	}
	if o.EchoSimilarity > 0 {
		vcfg.EchoSimilarity = o.EchoSimilarity
	}
	return vcfg
}
