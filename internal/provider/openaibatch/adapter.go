// Package openaibatch implements the file-upload adapter for the OpenAI
// audio transcription endpoint. The whole PCM stream is collected in
// memory, wrapped in a WAV header and POSTed as multipart form data.
package openaibatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/openvoicelab/sttgate/internal/audio"
	"github.com/openvoicelab/sttgate/internal/protocol"
	"github.com/openvoicelab/sttgate/internal/provider"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1/audio/transcriptions"
	defaultModel        = "gpt-4o-transcribe"
	defaultSampleRate   = 16000
	defaultIdleTimeout  = 30 * time.Second
	defaultHardTimeout  = 5 * time.Minute
	verboseCapableModel = "whisper-1"
	maxErrorBodyPreview = 512
)

var (
	// ErrIdleTimeout aborts a transcription whose input stream stalls.
	ErrIdleTimeout = errors.New("batch input stream idle timeout")
	// ErrHardTimeout caps total transcription time.
	ErrHardTimeout = errors.New("batch transcription hard timeout")
)

// Config configures the adapter. APIKey comes from OPENAI_API_KEY.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	IdleTimeout   time.Duration
	HardTimeout   time.Duration
	HTTPClient    *http.Client
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
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = defaultHardTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) ID() string              { return "openai-batch" }
func (a *Adapter) SupportsStreaming() bool { return false }
func (a *Adapter) SupportsBatch() bool     { return true }
func (a *Adapter) TargetSampleRate() int   { return defaultSampleRate }

func (a *Adapter) Check() error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return provider.ErrMissingCredentials
	}
	return nil
}

func (a *Adapter) StartStreaming(context.Context, provider.StreamingOptions) (provider.StreamingSession, error) {
	return nil, provider.ErrUnsupported
}

// activityReader resets the idle timer on every successful read so a
// stalled upstream stream trips the watchdog instead of hanging the
// transcription forever.
type activityReader struct {
	r       io.Reader
	ctx     context.Context
	idle    *time.Timer
	timeout time.Duration
}

func (ar *activityReader) Read(p []byte) (int, error) {
	if err := ar.ctx.Err(); err != nil {
		return 0, context.Cause(ar.ctx)
	}
	n, err := ar.r.Read(p)
	if n > 0 {
		ar.idle.Reset(ar.timeout)
	}
	if err != nil && err != io.EOF {
		if cause := context.Cause(ar.ctx); cause != nil {
			return n, cause
		}
	}
	return n, err
}

func (a *Adapter) TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts provider.StreamingOptions) (provider.BatchResult, error) {
	if err := a.Check(); err != nil {
		return provider.BatchResult{}, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hard := time.AfterFunc(a.cfg.HardTimeout, func() { cancel(ErrHardTimeout) })
	defer hard.Stop()
	idle := time.AfterFunc(a.cfg.IdleTimeout, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, &activityReader{r: pcm, ctx: ctx, idle: idle, timeout: a.cfg.IdleTimeout}); err != nil {
		if cause := timeoutCause(ctx); cause != nil {
			return provider.BatchResult{}, cause
		}
		return provider.BatchResult{}, fmt.Errorf("collect pcm: %w", err)
	}
	// A timer may have fired while the final read was in flight.
	if cause := timeoutCause(ctx); cause != nil {
		return provider.BatchResult{}, cause
	}
	idle.Stop()

	rate := opts.SampleRateHz
	if rate <= 0 {
		rate = defaultSampleRate
	}
	wav, err := audio.EncodeWAVPCM16LE(raw.Bytes(), rate)
	if err != nil {
		return provider.BatchResult{}, fmt.Errorf("encode wav: %w", err)
	}

	primary := opts.BatchModel
	if strings.TrimSpace(primary) == "" {
		primary = a.cfg.Model
	}
	fallback := opts.FallbackModel
	if strings.TrimSpace(fallback) == "" {
		fallback = a.cfg.FallbackModel
	}

	res, err := a.transcribe(ctx, wav, primary, opts)
	if err == nil {
		return res, nil
	}
	if cause := timeoutCause(ctx); cause != nil {
		return provider.BatchResult{}, cause
	}
	var httpErr *statusError
	if errors.As(err, &httpErr) && fallback != "" && fallback != primary {
		return a.transcribe(ctx, wav, fallback, opts)
	}
	return provider.BatchResult{}, err
}

// timeoutCause reports which watchdog tripped, if any.
func timeoutCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrIdleTimeout) || errors.Is(cause, ErrHardTimeout) {
		return cause
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transcription endpoint returned %d: %s", e.code, e.body)
}

func (a *Adapter) transcribe(ctx context.Context, wav []byte, model string, opts provider.StreamingOptions) (provider.BatchResult, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return provider.BatchResult{}, err
	}
	if _, err := part.Write(wav); err != nil {
		return provider.BatchResult{}, err
	}
	fields := map[string]string{
		"model":             model,
		"chunking_strategy": "auto",
		"response_format":   responseFormat(model),
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if prompt := promptFromPhrases(opts.ContextPhrases, opts.DictionaryPhrases); prompt != "" {
		fields["prompt"] = prompt
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return provider.BatchResult{}, err
		}
	}
	if err := form.Close(); err != nil {
		return provider.BatchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL, &body)
	if err != nil {
		return provider.BatchResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return provider.BatchResult{}, fmt.Errorf("post transcription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
		return provider.BatchResult{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(preview))}
	}

	var parsed batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.BatchResult{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return provider.BatchResult{
		Text:  parsed.Text,
		Words: parsed.words(),
		Model: model,
	}, nil
}

// responseFormat picks verbose JSON only for models that support
// word-level timing; newer transcribe models reject it.
func responseFormat(model string) string {
	if model == verboseCapableModel {
		return "verbose_json"
	}
	return "json"
}

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

type batchResponse struct {
	Text     string     `json:"text"`
	Words    []wordJSON `json:"words"`
	Segments []struct {
		Words []wordJSON `json:"words"`
	} `json:"segments"`
}

type wordJSON struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// words flattens top-level or per-segment word timings, whichever the
// response format produced.
func (r *batchResponse) words() []protocol.Word {
	src := r.Words
	if len(src) == 0 {
		for _, seg := range r.Segments {
			src = append(src, seg.Words...)
		}
	}
	if len(src) == 0 {
		return nil
	}
	out := make([]protocol.Word, 0, len(src))
	for _, w := range src {
		out = append(out, protocol.Word{StartSec: w.Start, EndSec: w.End, Text: w.Word})
	}
	return out
}
