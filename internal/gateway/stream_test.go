package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openvoicelab/sttgate/internal/config"
	"github.com/openvoicelab/sttgate/internal/frame"
	"github.com/openvoicelab/sttgate/internal/observability"
	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/session"
	"github.com/openvoicelab/sttgate/internal/store"
)

// Prometheus collectors register globally, so the test binary shares
// one Metrics instance across all gateway tests.
var testMetrics = observability.NewMetrics("gatewaytest")

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:  "gatewaytest",
		MaxPcmQueueBytes:  5 << 20,
		OverflowGrace:     500 * time.Millisecond,
		KeepaliveInterval: time.Minute,
		MaxMissedPongs:    2,
		LatencyWindowSize: 64,
		ResamplerBinary:   "ffmpeg",
	}
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *store.InMemoryStore
}

func newTestEnv(t *testing.T, cfg config.Config, adapters ...provider.Adapter) *testEnv {
	t.Helper()
	registry := provider.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}

	st := store.NewInMemoryStore()
	srv, err := NewServer(Deps{
		Config:   cfg,
		Registry: registry,
		Health:   provider.NewHealthCache(registry, time.Second),
		Sessions: session.NewManager(time.Minute),
		Store:    st,
		Metrics:  testMetrics,
		Latency:  observability.NewLatencyWindow(cfg.LatencyWindowSize),
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, http: ts, store: st}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, seq uint32, captureTs float64, pcm []byte) {
	t.Helper()
	data := frame.Encode(frame.Frame{Seq: seq, CaptureTs: captureTs, DurationMs: 250, Payload: pcm})
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
}

// collectJSON reads text messages until the server closes the socket
// or the deadline passes, returning them decoded in arrival order.
func collectJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) []map[string]any {
	t.Helper()
	var out []map[string]any
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return out
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad json from server: %v: %s", err, data)
		}
		out = append(out, m)
	}
}

func messagesOfType(msgs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestStreamConfigThenFinalTranscript(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		provider.NewMockAdapter("mock", provider.WithScript("hello world")))

	conn := env.dial(t, "/ws/stream?provider=mock")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": false})
	sendFrame(t, conn, 0, float64(time.Now().UnixMilli()), make([]byte, 8000))
	// Give the sender a moment to pass the frame through before the
	// drain starts.
	time.Sleep(50 * time.Millisecond)
	sendClose(t, conn)

	msgs := collectJSON(t, conn, 5*time.Second)

	sessions := messagesOfType(msgs, "session")
	if len(sessions) != 1 {
		t.Fatalf("session messages = %d, want 1", len(sessions))
	}
	if sessions[0]["provider"] != "mock" {
		t.Fatalf("session provider = %v", sessions[0]["provider"])
	}

	finals := messagesOfType(msgs, "transcript")
	if len(finals) != 1 {
		t.Fatalf("transcript messages = %v", finals)
	}
	if finals[0]["isFinal"] != true || finals[0]["text"] != "hello world" {
		t.Fatalf("final = %v", finals[0])
	}
	if lat, ok := finals[0]["latencyMs"].(float64); !ok || lat < 0 {
		t.Fatalf("latencyMs = %v", finals[0]["latencyMs"])
	}

	if norm := messagesOfType(msgs, "normalized"); len(norm) != 1 {
		t.Fatalf("normalized messages = %d, want 1", len(norm))
	}

	// The latency summary lands once the drain finishes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		summaries, err := env.store.RecentSummaries(context.Background(), 10)
		if err != nil {
			t.Fatalf("RecentSummaries() error = %v", err)
		}
		if len(summaries) == 1 {
			if summaries[0].Provider != "mock" || summaries[0].SampleCount != 1 {
				t.Fatalf("summary = %+v", summaries[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no latency summary persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionWithoutFinalsPersistsZeroSummary(t *testing.T) {
	env := newTestEnv(t, testConfig(), newStallAdapter())

	conn := env.dial(t, "/ws/stream?provider=stall")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": false})
	sendClose(t, conn)
	collectJSON(t, conn, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		summaries, err := env.store.RecentSummaries(context.Background(), 10)
		if err != nil {
			t.Fatalf("RecentSummaries() error = %v", err)
		}
		if len(summaries) == 1 {
			if summaries[0].Provider != "stall" || summaries[0].SampleCount != 0 {
				t.Fatalf("summary = %+v, want zero-count row", summaries[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no summary persisted for a session without finals")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamRejectsAudioBeforeConfig(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))

	conn := env.dial(t, "/ws/stream?provider=mock")
	sendFrame(t, conn, 0, 0, make([]byte, 320))

	msgs := collectJSON(t, conn, 2*time.Second)
	errs := messagesOfType(msgs, "error")
	if len(errs) != 1 {
		t.Fatalf("error messages = %v", msgs)
	}
	if !strings.Contains(errs[0]["message"].(string), "before streaming config") {
		t.Fatalf("error = %v", errs[0])
	}
}

func TestStreamRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))

	conn := env.dial(t, "/ws/stream?provider=mock")
	sendJSON(t, conn, map[string]any{"pcm": true})

	msgs := collectJSON(t, conn, 2*time.Second)
	errs := messagesOfType(msgs, "error")
	if len(errs) != 1 || errs[0]["code"] != "invalid_config" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestStreamUnknownProviderRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/stream?provider=nope"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial succeeded for unknown provider")
	}
	if res == nil || res.StatusCode != 400 {
		t.Fatalf("status = %v", res)
	}
}

// stallAdapter never becomes ready: SendAudio blocks until the session
// context dies, so ingress audio piles up in the gateway queue.
type stallAdapter struct{ events chan provider.Event }

func newStallAdapter() *stallAdapter {
	return &stallAdapter{events: make(chan provider.Event, 1)}
}

func (a *stallAdapter) ID() string              { return "stall" }
func (a *stallAdapter) SupportsStreaming() bool { return true }
func (a *stallAdapter) SupportsBatch() bool     { return false }
func (a *stallAdapter) TargetSampleRate() int   { return 16000 }

func (a *stallAdapter) StartStreaming(context.Context, provider.StreamingOptions) (provider.StreamingSession, error) {
	return &stallSession{events: a.events}, nil
}

func (a *stallAdapter) TranscribeFileFromPCM(context.Context, io.Reader, provider.StreamingOptions) (provider.BatchResult, error) {
	return provider.BatchResult{}, provider.ErrUnsupported
}

type stallSession struct {
	events    chan provider.Event
	closeOnce sync.Once
}

func (s *stallSession) SendAudio(ctx context.Context, _ []byte, _ float64) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallSession) End(context.Context) error { return nil }

func (s *stallSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *stallSession) Events() <-chan provider.Event { return s.events }

func TestBackpressureOverflowIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPcmQueueBytes = 32 << 10
	cfg.OverflowGrace = 100 * time.Millisecond
	env := newTestEnv(t, cfg, newStallAdapter())

	conn := env.dial(t, "/ws/stream?provider=stall")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": false})

	start := time.Now()
	for i := 0; i < 10; i++ {
		sendFrame(t, conn, uint32(i), float64(time.Now().UnixMilli()), make([]byte, 8000))
	}

	msgs := collectJSON(t, conn, 3*time.Second)
	errs := messagesOfType(msgs, "error")
	if len(errs) == 0 {
		t.Fatalf("no error message, got %v", msgs)
	}
	if !strings.Contains(errs[0]["message"].(string), "backlog exceeded") {
		t.Fatalf("error = %v", errs[0])
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fatal close took %v", elapsed)
	}
}

func TestDegradedFlagStampsEveryTranscript(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		provider.NewMockAdapter("mock", provider.WithScript("still here")))

	conn := env.dial(t, "/ws/stream?provider=mock")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": true, "degraded": true})
	sendFrame(t, conn, 0, float64(time.Now().UnixMilli()), make([]byte, 8000))
	time.Sleep(50 * time.Millisecond)
	sendClose(t, conn)

	msgs := collectJSON(t, conn, 5*time.Second)
	transcripts := messagesOfType(msgs, "transcript")
	if len(transcripts) == 0 {
		t.Fatalf("no transcripts, got %v", msgs)
	}
	for _, tr := range transcripts {
		if tr["degraded"] != true {
			t.Fatalf("transcript missing degraded stamp: %v", tr)
		}
	}
}

func TestRepeatedInterimsAreDeduplicated(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		provider.NewMockAdapter("mock", provider.WithScript("same text")))

	conn := env.dial(t, "/ws/stream?provider=mock")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": true})
	// The mock repeats the same interim on every send; only the first
	// may pass the signature check.
	for i := 0; i < 3; i++ {
		sendFrame(t, conn, uint32(i), float64(time.Now().UnixMilli()), make([]byte, 8000))
	}
	time.Sleep(100 * time.Millisecond)
	sendClose(t, conn)

	msgs := collectJSON(t, conn, 5*time.Second)
	var interims int
	for _, tr := range messagesOfType(msgs, "transcript") {
		if tr["isFinal"] != true {
			interims++
		}
	}
	if interims != 1 {
		t.Fatalf("interim count = %d, want 1", interims)
	}
}

func TestCompareFansOutToEveryProvider(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		provider.NewMockAdapter("alpha", provider.WithScript("from alpha")),
		provider.NewMockAdapter("beta", provider.WithScript("from beta")))

	conn := env.dial(t, "/ws/stream/compare?providers=alpha,beta")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": false})
	sendFrame(t, conn, 0, float64(time.Now().UnixMilli()), make([]byte, 8000))
	time.Sleep(50 * time.Millisecond)
	sendClose(t, conn)

	msgs := collectJSON(t, conn, 5*time.Second)
	got := map[string]string{}
	for _, tr := range messagesOfType(msgs, "transcript") {
		if tr["isFinal"] == true {
			got[tr["provider"].(string)] = tr["text"].(string)
		}
	}
	if got["alpha"] != "from alpha" || got["beta"] != "from beta" {
		t.Fatalf("finals = %v", got)
	}
}
