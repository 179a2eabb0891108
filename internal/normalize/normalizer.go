// Package normalize aligns transcripts from multiple providers into
// fixed-duration windows so they can be compared side by side, applying
// an optional text normalization preset and tracking per-window
// revisions.
package normalize

import (
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/openvoicelab/sttgate/internal/protocol"
)

const (
	// DefaultBucketMs matches the typical client audio chunk size.
	DefaultBucketMs = 250

	maxWindows  = 600
	maxTailRows = 500
)

// Preset names the text transforms applied before comparison.
type Preset struct {
	NFKC       bool
	StripPunct bool
	StripSpace bool
	Lowercase  bool
}

// PresetByName maps the handshake preset names onto transform sets.
func PresetByName(name string) Preset {
	switch strings.TrimSpace(name) {
	case "nfkc":
		return Preset{NFKC: true}
	case "loose":
		return Preset{NFKC: true, Lowercase: true}
	case "strict":
		return Preset{NFKC: true, StripPunct: true, StripSpace: true, Lowercase: true}
	default:
		return Preset{}
	}
}

// Input is one attributed transcript entering the normalizer.
type Input struct {
	Provider           string
	Text               string
	IsFinal            bool
	OriginCaptureTs    float64
	LatencyMs          float64
	Confidence         *float64
	PunctuationApplied bool
	CasingApplied      bool
	Words              []protocol.Word
}

type windowKey struct {
	windowID int64
	provider string
}

type windowRow struct {
	segmentID string
	textNorm  string
	revision  int
}

// Normalizer buckets transcripts by origin capture time. Safe for use
// from a single session goroutine; internal locking covers the replay
// export path.
type Normalizer struct {
	mu       sync.Mutex
	bucketMs int64
	preset   Preset
	windows  map[windowKey]*windowRow
	tail     []protocol.NormalizedMessage
}

func New(bucketMs int, preset Preset) *Normalizer {
	if bucketMs <= 0 {
		bucketMs = DefaultBucketMs
	}
	return &Normalizer{
		bucketMs: int64(bucketMs),
		preset:   preset,
		windows:  make(map[windowKey]*windowRow),
	}
}

// Apply folds one transcript into its window and returns the row to
// emit. Revision strictly increases per (windowId, provider).
func (n *Normalizer) Apply(in Input) protocol.NormalizedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()

	windowID := int64(in.OriginCaptureTs) / n.bucketMs
	windowStart := windowID * n.bucketMs

	textNorm := n.preset.apply(in.Text)

	key := windowKey{windowID: windowID, provider: in.Provider}
	row, ok := n.windows[key]
	var textDelta string
	if ok {
		row.revision++
		textDelta = suffixDelta(row.textNorm, textNorm)
		row.textNorm = textNorm
	} else {
		row = &windowRow{
			segmentID: uuid.NewString(),
			textNorm:  textNorm,
			revision:  1,
		}
		n.windows[key] = row
		n.evictOldWindows()
	}

	latency := in.LatencyMs
	origin := in.OriginCaptureTs
	msg := protocol.NormalizedMessage{
		Type:               protocol.TypeNormalized,
		NormalizedID:       uuid.NewString(),
		SegmentID:          row.segmentID,
		WindowID:           windowID,
		WindowStartMs:      windowStart,
		WindowEndMs:        windowStart + n.bucketMs,
		Provider:           in.Provider,
		TextRaw:            in.Text,
		TextNorm:           textNorm,
		TextDelta:          textDelta,
		IsFinal:            in.IsFinal,
		Revision:           row.revision,
		LatencyMs:          &latency,
		OriginCaptureTs:    &origin,
		Confidence:         in.Confidence,
		PunctuationApplied: in.PunctuationApplied,
		CasingApplied:      in.CasingApplied,
		Words:              in.Words,
	}

	n.tail = append(n.tail, msg)
	if len(n.tail) > maxTailRows {
		n.tail = n.tail[len(n.tail)-maxTailRows:]
	}
	return msg
}

// Tail returns a copy of the recently emitted rows, oldest first.
func (n *Normalizer) Tail() []protocol.NormalizedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]protocol.NormalizedMessage, len(n.tail))
	copy(out, n.tail)
	return out
}

func (n *Normalizer) evictOldWindows() {
	for len(n.windows) > maxWindows {
		var oldest windowKey
		first := true
		for k := range n.windows {
			if first || k.windowID < oldest.windowID {
				oldest = k
				first = false
			}
		}
		delete(n.windows, oldest)
	}
}

func (p Preset) apply(text string) string {
	if p.NFKC {
		text = norm.NFKC.String(text)
	}
	if p.StripPunct || p.StripSpace {
		var b strings.Builder
		b.Grow(len(text))
		for _, r := range text {
			if p.StripPunct && (unicode.IsPunct(r) || unicode.IsSymbol(r)) {
				continue
			}
			if p.StripSpace && unicode.IsSpace(r) {
				continue
			}
			b.WriteRune(r)
		}
		text = b.String()
	}
	if p.Lowercase {
		text = strings.ToLower(text)
	}
	return text
}

// suffixDelta returns the part of next beyond its longest common prefix
// with prev. An empty delta means next shrank or repeated.
func suffixDelta(prev, next string) string {
	pr := []rune(prev)
	nr := []rune(next)
	i := 0
	for i < len(pr) && i < len(nr) && pr[i] == nr[i] {
		i++
	}
	return string(nr[i:])
}
