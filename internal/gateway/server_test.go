package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/voice"
)

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res
}

func TestHealthzAndProviders(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))

	var health map[string]any
	if res := getJSON(t, env.http.URL+"/healthz", &health); res.StatusCode != 200 {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	if health["status"] != "ok" {
		t.Fatalf("healthz = %v", health)
	}

	var providers struct {
		Providers map[string]provider.Status `json:"providers"`
	}
	getJSON(t, env.http.URL+"/v1/providers", &providers)
	st, ok := providers.Providers["mock"]
	if !ok || !st.Available || !st.SupportsStreaming {
		t.Fatalf("providers = %+v", providers)
	}

	res, err := http.Post(env.http.URL+"/v1/providers/refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("refresh status = %d", res.StatusCode)
	}
}

func TestLatencyEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))
	env.server.latency.Observe("mock", 120)
	env.server.latency.Observe("mock", 180)

	var snap struct {
		Providers []struct {
			Provider string  `json:"provider"`
			Samples  int     `json:"samples"`
			AvgMS    float64 `json:"avgMs"`
		} `json:"providers"`
	}
	getJSON(t, env.http.URL+"/v1/latency", &snap)
	if len(snap.Providers) != 1 || snap.Providers[0].Samples != 2 {
		t.Fatalf("latency snapshot = %+v", snap)
	}

	var perSession struct {
		Summaries []any `json:"summaries"`
	}
	res := getJSON(t, env.http.URL+"/v1/sessions/nosuch/latency", &perSession)
	if res.StatusCode != 200 || len(perSession.Summaries) != 0 {
		t.Fatalf("session latency = %d %+v", res.StatusCode, perSession)
	}
}

func TestOriginPolicy(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/stream?provider=mock"

	dialer := websocket.Dialer{}
	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, res, err := dialer.Dial(url, header); err == nil {
		t.Fatalf("cross-origin dial succeeded")
	} else if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status = %v", res)
	}

	// Same-host origins always pass.
	sameHost := http.Header{"Origin": []string{env.http.URL}}
	conn, _, err := dialer.Dial(url, sameHost)
	if err != nil {
		t.Fatalf("same-host dial: %v", err)
	}
	conn.Close()

	// Allow-listed origins pass too.
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://app.example.com"}
	env2 := newTestEnv(t, cfg, provider.NewMockAdapter("mock"))
	url2 := "ws" + strings.TrimPrefix(env2.http.URL, "http") + "/ws/stream?provider=mock"
	listed := http.Header{"Origin": []string{"http://app.example.com"}}
	conn2, _, err := dialer.Dial(url2, listed)
	if err != nil {
		t.Fatalf("allow-listed dial: %v", err)
	}
	conn2.Close()
}

func TestReplayUploadAndPlayback(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		provider.NewMockAdapter("mock", provider.WithScript("replayed speech")))

	pcm := make([]byte, 16000) // half a second at 16 kHz mono
	res, err := http.Post(env.http.URL+"/v1/replay/upload?sampleRate=16000",
		"application/octet-stream", bytes.NewReader(pcm))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var up struct {
		SessionID  string `json:"sessionId"`
		Bytes      int64  `json:"bytes"`
		SampleRate int    `json:"sampleRate"`
	}
	if err := json.NewDecoder(res.Body).Decode(&up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated || up.Bytes != 16000 {
		t.Fatalf("upload = %d %+v", res.StatusCode, up)
	}

	conn := env.dial(t, "/ws/replay?sessionId="+up.SessionID+"&provider=mock")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": false})

	msgs := collectJSON(t, conn, 5*time.Second)
	if len(messagesOfType(msgs, "session")) != 1 {
		t.Fatalf("no session message in %v", msgs)
	}
	finals := messagesOfType(msgs, "transcript")
	if len(finals) != 1 || finals[0]["text"] != "replayed speech" {
		t.Fatalf("finals = %v", finals)
	}
}

// slowDrainAdapter accepts audio at a fixed per-frame delay, so a
// replay can only advance as fast as the adapter drains.
type slowDrainAdapter struct {
	*provider.MockAdapter
	delay time.Duration
}

func (a *slowDrainAdapter) StartStreaming(ctx context.Context, opts provider.StreamingOptions) (provider.StreamingSession, error) {
	s, err := a.MockAdapter.StartStreaming(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &slowDrainSession{StreamingSession: s, delay: a.delay}, nil
}

type slowDrainSession struct {
	provider.StreamingSession
	delay time.Duration
}

func (s *slowDrainSession) SendAudio(ctx context.Context, pcm []byte, captureTs float64) error {
	time.Sleep(s.delay)
	return s.StreamingSession.SendAudio(ctx, pcm, captureTs)
}

func TestReplayLargerThanBacklogCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPcmQueueBytes = 16 << 10
	cfg.OverflowGrace = 50 * time.Millisecond
	env := newTestEnv(t, cfg, &slowDrainAdapter{
		MockAdapter: provider.NewMockAdapter("slow", provider.WithScript("long recording")),
		delay:       2 * time.Millisecond,
	})

	// Fifty 250 ms chunks at 16 kHz, far over the 16 KB backlog limit.
	pcm := make([]byte, 400<<10)
	res, err := http.Post(env.http.URL+"/v1/replay/upload?sampleRate=16000",
		"application/octet-stream", bytes.NewReader(pcm))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var up struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(res.Body).Decode(&up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	res.Body.Close()

	conn := env.dial(t, "/ws/replay?sessionId="+up.SessionID+"&provider=slow")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 16000, "enableInterim": false})

	msgs := collectJSON(t, conn, 10*time.Second)
	if errs := messagesOfType(msgs, "error"); len(errs) != 0 {
		t.Fatalf("replay failed: %v", errs)
	}
	finals := messagesOfType(msgs, "transcript")
	if len(finals) != 1 || finals[0]["text"] != "long recording" {
		t.Fatalf("finals = %v", finals)
	}
}

func TestReplayUnknownSessionRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/replay?sessionId=missing"
	if _, res, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("dial succeeded for unknown replay session")
	} else if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %v", res)
	}
}

func TestVoiceSessionHandshake(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))
	env.server.voice = voice.NewOrchestrator(
		provider.NewMockAdapter("voice-stt", provider.WithScript("turn it up")),
		voice.NewMockDialogue("Sure thing."),
		voice.NewMockTTS(),
		nil,
		log.New(io.Discard, "", 0),
	)

	conn := env.dial(t, "/ws/voice")
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 24000})
	sendFrame(t, conn, 0, float64(time.Now().UnixMilli()), make([]byte, 960))

	msgs := collectJSON(t, conn, 500*time.Millisecond)
	if len(messagesOfType(msgs, "voice_session")) != 1 {
		t.Fatalf("no voice_session in %v", msgs)
	}
	states := messagesOfType(msgs, "voice_state")
	if len(states) == 0 || states[0]["state"] != "listening" {
		t.Fatalf("states = %v", states)
	}
	interim := messagesOfType(msgs, "voice_user_transcript")
	if len(interim) == 0 || interim[0]["isFinal"] != false {
		t.Fatalf("user transcripts = %v", interim)
	}
}

func TestVoiceKeepaliveTimeoutIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 30 * time.Millisecond
	cfg.MaxMissedPongs = 1
	env := newTestEnv(t, cfg, provider.NewMockAdapter("mock"))
	env.server.voice = voice.NewOrchestrator(
		provider.NewMockAdapter("voice-stt"),
		voice.NewMockDialogue(),
		voice.NewMockTTS(),
		nil,
		log.New(io.Discard, "", 0),
	)

	conn := env.dial(t, "/ws/voice")
	// Swallow server pings so no pong ever goes back.
	conn.SetPingHandler(func(string) error { return nil })
	sendJSON(t, conn, map[string]any{"pcm": true, "clientSampleRate": 24000})

	msgs := collectJSON(t, conn, 2*time.Second)
	errs := messagesOfType(msgs, "error")
	if len(errs) == 0 || errs[0]["code"] != "keepalive_timeout" {
		t.Fatalf("messages = %v, want keepalive_timeout error", msgs)
	}
}

func TestVoiceUnconfiguredReturns503(t *testing.T) {
	env := newTestEnv(t, testConfig(), provider.NewMockAdapter("mock"))

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/voice"
	if _, res, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("dial succeeded without a voice orchestrator")
	} else if res == nil || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %v", res)
	}
}
