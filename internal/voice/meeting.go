package voice

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

// WakeGate decides whether a meeting-channel final transcript may start
// an assistant turn. A matched wake word opens a window during which
// subsequent finals trigger without repeating it; each qualifying final
// extends the window. After a window closes, a cooldown blocks
// immediate re-triggering.
type WakeGate struct {
	mu         sync.Mutex
	wakeWords  []string
	required   bool
	openWindow time.Duration
	cooldown   time.Duration

	windowUntil   time.Time
	cooldownUntil time.Time
	nowFn         func() time.Time
}

// GateDecision reports the outcome of one transcript against the gate.
type GateDecision struct {
	Trigger bool
	// Text is the transcript with a matched wake-word prefix stripped.
	Text string
	// WindowOpened/WindowExtended describe window transitions for the
	// voice_meeting_window notification.
	WindowOpened   bool
	WindowExtended bool
	ExpiresAt      time.Time
}

func NewWakeGate(wakeWords []string, required bool, openWindow, cooldown time.Duration) *WakeGate {
	if openWindow <= 0 {
		openWindow = 6 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 1500 * time.Millisecond
	}
	words := make([]string, 0, len(wakeWords))
	for _, w := range wakeWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &WakeGate{
		wakeWords:  words,
		required:   required,
		openWindow: openWindow,
		cooldown:   cooldown,
		nowFn:      time.Now,
	}
}

// Evaluate runs one meeting final through the gate.
func (g *WakeGate) Evaluate(text string) GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.required {
		return GateDecision{Trigger: true, Text: text}
	}

	now := g.nowFn()
	if now.Before(g.windowUntil) {
		g.windowUntil = now.Add(g.openWindow)
		return GateDecision{Trigger: true, Text: text, WindowExtended: true, ExpiresAt: g.windowUntil}
	}

	if now.Before(g.cooldownUntil) {
		return GateDecision{}
	}

	rest, ok := matchWakePrefix(text, g.wakeWords)
	if !ok {
		return GateDecision{}
	}
	g.windowUntil = now.Add(g.openWindow)
	return GateDecision{Trigger: true, Text: rest, WindowOpened: true, ExpiresAt: g.windowUntil}
}

// WindowOpen reports whether the wake window is currently open.
func (g *WakeGate) WindowOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nowFn().Before(g.windowUntil)
}

// Close shuts the window immediately and starts the cooldown. Used by
// the window timeout and by reset_history.
func (g *WakeGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	g.windowUntil = now
	g.cooldownUntil = now.Add(g.cooldown)
}

// matchWakePrefix reports whether text starts with one of the wake
// words. ASCII wake words additionally require a word boundary after
// the match, so "ai" wakes on "ai, help" but not on "aiden please".
func matchWakePrefix(text string, wakeWords []string) (string, bool) {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	lower := strings.ToLower(trimmed)
	for _, w := range wakeWords {
		if !strings.HasPrefix(lower, w) {
			continue
		}
		rest := trimmed[len(w):]
		if isASCIIWord(w) && !atWordBoundary(rest) {
			continue
		}
		rest = strings.TrimLeftFunc(rest, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
		return rest, true
	}
	return "", false
}

func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x80 || !(c == '\'' || c == '-' ||
			('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')) {
			return false
		}
	}
	return len(s) > 0
}

func atWordBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r := []rune(rest)[0]
	return !(unicode.IsLetter(r) || unicode.IsDigit(r))
}

// EchoSuppressor drops meeting transcripts that are near-duplicates of
// something the assistant just said, so the assistant does not answer
// its own loudspeaker output.
type EchoSuppressor struct {
	mu         sync.Mutex
	window     time.Duration
	similarity float64
	recent     []echoEntry
	nowFn      func() time.Time
}

type echoEntry struct {
	bigrams  map[string]struct{}
	spokenAt time.Time
}

func NewEchoSuppressor(window time.Duration, similarity float64) *EchoSuppressor {
	if window <= 0 {
		window = 3 * time.Second
	}
	if similarity <= 0 || similarity > 1 {
		similarity = 0.8
	}
	return &EchoSuppressor{window: window, similarity: similarity, nowFn: time.Now}
}

// Spoken records one assistant sentence as it is played out.
func (e *EchoSuppressor) Spoken(text string) {
	b := bigrams(text)
	if len(b) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.nowFn()
	e.recent = append(e.recent, echoEntry{bigrams: b, spokenAt: now})
	e.prune(now)
}

// IsEcho reports whether an inbound transcript matches recently spoken
// assistant output closely enough to be discarded.
func (e *EchoSuppressor) IsEcho(text string) bool {
	b := bigrams(text)
	if len(b) == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.nowFn()
	e.prune(now)
	for _, entry := range e.recent {
		if jaccard(b, entry.bigrams) >= e.similarity {
			return true
		}
	}
	return false
}

func (e *EchoSuppressor) prune(now time.Time) {
	kept := e.recent[:0]
	for _, entry := range e.recent {
		if now.Sub(entry.spokenAt) <= e.window {
			kept = append(kept, entry)
		}
	}
	e.recent = kept
}

// bigrams tokenizes to lowercase words and returns the set of adjacent
// word pairs. Single-word texts use the word itself as the only entry.
func bigrams(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{})
	if len(words) == 1 {
		out[words[0]] = struct{}{}
		return out
	}
	for i := 0; i+1 < len(words); i++ {
		out[words[i]+" "+words[i+1]] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
