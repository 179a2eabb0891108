package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one dialogue history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DeltaHandler receives streamed reply fragments as they arrive.
type DeltaHandler func(delta string) error

// DialogueModel produces an assistant reply for a dialogue history.
type DialogueModel interface {
	StreamResponse(ctx context.Context, messages []Message, onDelta DeltaHandler) (string, error)
}

// HTTPDialogue talks to a chat-completions style HTTP endpoint. It
// accepts both SSE and NDJSON streaming bodies, and a plain JSON body
// as a single-delta fallback.
type HTTPDialogue struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

func NewHTTPDialogue(url, model, apiKey string) *HTTPDialogue {
	return &HTTPDialogue{
		url:    strings.TrimSpace(url),
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type dialogueRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

func (d *HTTPDialogue) StreamResponse(ctx context.Context, messages []Message, onDelta DeltaHandler) (string, error) {
	payload, err := json.Marshal(dialogueRequest{Model: d.model, Messages: messages, Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	res, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("dialogue http status %d: %s", res.StatusCode, string(body))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return d.consumeStreaming(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text != "" && onDelta != nil {
			if err := onDelta(text); err != nil {
				return "", err
			}
		}
		return text, nil
	}
	text := extractReplyText(obj)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

func (d *HTTPDialogue) consumeStreaming(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "data: [DONE]" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractReplyText(obj)
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

// extractReplyText digs a reply fragment out of the handful of shapes
// chat endpoints use.
func extractReplyText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				if s, ok := delta["content"].(string); ok {
					return s
				}
			}
			if msg, ok := choice["message"].(map[string]any); ok {
				if s, ok := msg["content"].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

// MockDialogue replies with scripted texts, one per call.
type MockDialogue struct {
	replies []string
	calls   int
}

func NewMockDialogue(replies ...string) *MockDialogue {
	return &MockDialogue{replies: replies}
}

func (m *MockDialogue) StreamResponse(_ context.Context, _ []Message, onDelta DeltaHandler) (string, error) {
	reply := "I heard you."
	if m.calls < len(m.replies) {
		reply = m.replies[m.calls]
	}
	m.calls++
	if onDelta != nil {
		for _, word := range strings.SplitAfter(reply, " ") {
			if err := onDelta(word); err != nil {
				return "", err
			}
		}
	}
	return reply, nil
}
