package cache

import (
	"sort"
	"strings"
	"sync"
)

// Metrics counts cache outcomes per key namespace (the key text before the
// first colon). A collector is injected into each Aside so tests can assert
// on, and reset, exactly the counters they produced.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// Counter is one namespace's tally.
type Counter struct {
	Namespace string  `json:"namespace"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
}

// withRate copies the counter with HitRate filled in; it is 0 before the
// first lookup.
func (c Counter) withRate() Counter {
	if total := c.Hits + c.Misses; total > 0 {
		c.HitRate = float64(c.Hits) / float64(total)
	}
	return c
}

func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]*Counter)}
}

func namespace(key string) string {
	if ns, _, ok := strings.Cut(key, ":"); ok {
		return ns
	}
	return key
}

func (m *Metrics) counter(key string) *Counter {
	ns := namespace(key)
	c, ok := m.counters[ns]
	if !ok {
		c = &Counter{Namespace: ns}
		m.counters[ns] = c
	}
	return c
}

func (m *Metrics) Hit(key string) {
	m.mu.Lock()
	m.counter(key).Hits++
	m.mu.Unlock()
}

func (m *Metrics) Miss(key string) {
	m.mu.Lock()
	m.counter(key).Misses++
	m.mu.Unlock()
}

func (m *Metrics) Error(key string) {
	m.mu.Lock()
	m.counter(key).Errors++
	m.mu.Unlock()
}

// Snapshot returns a copy of every counter sorted by namespace.
func (m *Metrics) Snapshot() []Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Counter, 0, len(m.counters))
	for _, c := range m.counters {
		out = append(out, c.withRate())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// Get returns the counter for one namespace.
func (m *Metrics) Get(ns string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[ns]; ok {
		return c.withRate()
	}
	return Counter{Namespace: ns}
}

func (m *Metrics) Reset() {
	m.mu.Lock()
	m.counters = make(map[string]*Counter)
	m.mu.Unlock()
}
