package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPDialogueConsumesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"Hello \"}\n\n"))
		w.Write([]byte("data: {\"delta\":\"world.\"}\n\n"))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	d := NewHTTPDialogue(srv.URL, "test-model", "key")
	var deltas []string
	reply, err := d.StreamResponse(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if reply != "Hello world." {
		t.Fatalf("reply = %q", reply)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %v", deltas)
	}
}

func TestHTTPDialogueConsumesChatCompletionJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"All good."}}]}`))
	}))
	defer srv.Close()

	d := NewHTTPDialogue(srv.URL, "test-model", "")
	reply, err := d.StreamResponse(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if reply != "All good." {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHTTPDialogueSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewHTTPDialogue(srv.URL, "test-model", "")
	if _, err := d.StreamResponse(context.Background(), nil, nil); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("error = %v, want status 429 surfaced", err)
	}
}

func TestSplitSentences(t *testing.T) {
	sentences, rest := splitSentences("First one. Second! And the tail")
	if len(sentences) != 2 || sentences[0] != "First one." || sentences[1] != "Second!" {
		t.Fatalf("sentences = %v", sentences)
	}
	if strings.TrimSpace(rest) != "And the tail" {
		t.Fatalf("rest = %q", rest)
	}

	sentences, rest = splitSentences("no boundary yet")
	if len(sentences) != 0 || rest != "no boundary yet" {
		t.Fatalf("sentences = %v, rest = %q", sentences, rest)
	}
}

func TestBoundHistoryKeepsSystemPrompt(t *testing.T) {
	history := []Message{{Role: "system", Content: "sys"}}
	for i := 0; i < 30; i++ {
		history = append(history, Message{Role: "user", Content: "u"}, Message{Role: "assistant", Content: "a"})
	}

	bounded := boundHistory(history, 3)
	if len(bounded) != 7 {
		t.Fatalf("len = %d, want system + 3 turns", len(bounded))
	}
	if bounded[0].Role != "system" {
		t.Fatalf("first message role = %q", bounded[0].Role)
	}
}
