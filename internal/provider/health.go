package provider

import (
	"sync"
	"time"
)

// Status is one provider's availability snapshot.
type Status struct {
	ID                string `json:"id"`
	Available         bool   `json:"available"`
	Reason            string `json:"reason,omitempty"`
	SupportsStreaming bool   `json:"supportsStreaming"`
	SupportsBatch     bool   `json:"supportsBatch"`
}

// HealthCache is a process-wide TTL cache over provider availability.
// Endpoint handlers and websocket upgraders consult it on every request;
// the refresh endpoint invalidates it.
type HealthCache struct {
	registry *Registry
	ttl      time.Duration

	mu        sync.Mutex
	snapshot  map[string]Status
	refreshed time.Time
	nowFn     func() time.Time
}

func NewHealthCache(registry *Registry, ttl time.Duration) *HealthCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &HealthCache{
		registry: registry,
		ttl:      ttl,
		nowFn:    time.Now,
	}
}

// Snapshot returns the cached availability map, refreshing when stale.
func (c *HealthCache) Snapshot() map[string]Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if c.snapshot == nil || now.Sub(c.refreshed) >= c.ttl {
		c.snapshot = c.probe()
		c.refreshed = now
	}

	out := make(map[string]Status, len(c.snapshot))
	for k, v := range c.snapshot {
		out[k] = v
	}
	return out
}

// Validate reports whether a provider is available for the requested
// capability ("streaming" or "batch").
func (c *HealthCache) Validate(id, capability string) (Status, bool) {
	st, ok := c.Snapshot()[id]
	if !ok || !st.Available {
		return st, false
	}
	switch capability {
	case "streaming":
		return st, st.SupportsStreaming
	case "batch":
		return st, st.SupportsBatch
	default:
		return st, true
	}
}

// Invalidate drops the cached snapshot so the next read probes again.
func (c *HealthCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
}

func (c *HealthCache) probe() map[string]Status {
	out := make(map[string]Status)
	for _, id := range c.registry.IDs() {
		a, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		st := Status{
			ID:                id,
			Available:         true,
			SupportsStreaming: a.SupportsStreaming(),
			SupportsBatch:     a.SupportsBatch(),
		}
		if checker, ok := a.(Checker); ok {
			if err := checker.Check(); err != nil {
				st.Available = false
				st.Reason = err.Error()
			}
		}
		out[id] = st
	}
	return out
}
