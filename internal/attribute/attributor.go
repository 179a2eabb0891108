// Package attribute binds inbound audio capture timestamps to the
// transcripts they produce, so every emitted transcript carries a
// client-relative latency figure.
package attribute

import (
	"sync"
	"time"
)

// Entry is the capture metadata of one outbound audio send.
type Entry struct {
	CaptureTs  float64
	DurationMs float32
	Seq        uint32
}

// Attributor is a FIFO of capture timestamps. Provider events often
// arrive faster or slower than audio frames; the queue gives tight
// attribution for bursty paths and extrapolates otherwise.
type Attributor struct {
	mu     sync.Mutex
	queue  []Entry
	nextTs float64
	lastMs float32
	nowFn  func() time.Time
}

func New() *Attributor {
	return &Attributor{nowFn: time.Now}
}

// Enqueue records the capture meta of one audio send.
func (a *Attributor) Enqueue(e Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, e)
}

// Next returns the origin capture timestamp for the next transcript and
// the latency against the current wall clock. With an empty queue it
// extrapolates from the previous attribution by one frame duration.
func (a *Attributor) Next() (originCaptureTs float64, latencyMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := float64(a.nowFn().UnixMilli())
	if len(a.queue) > 0 {
		head := a.queue[0]
		a.queue = a.queue[1:]
		a.nextTs = head.CaptureTs + float64(head.DurationMs)
		a.lastMs = head.DurationMs
		return clampOrigin(head.CaptureTs, now)
	}

	if a.nextTs == 0 {
		// No audio seen yet; attribute to now with zero latency.
		return now, 0
	}
	origin := a.nextTs
	a.nextTs += float64(a.lastMs)
	return clampOrigin(origin, now)
}

// Depth reports the number of queued, unattributed sends.
func (a *Attributor) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Origin timestamps come from the client clock and must never exceed
// the server wall clock at emission; latency is never negative.
func clampOrigin(origin, now float64) (float64, float64) {
	if origin > now {
		return now, 0
	}
	return origin, now - origin
}
