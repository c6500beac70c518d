// Package template implements the per-exporter template cache spec §3/§4.2
// requires to decode NetFlow v9 and IPFIX data records: a
// (source_id, template_id) -> Template map, sharded for read-mostly
// concurrency, bounded by total template count and by per-exporter
// inactivity.
//
// The sharding and decaying-entry idiom is grounded on
// zoomoid-go-ipfix's template_cache.go/decaying_cache.go (TemplateKey,
// expiry-by-deadline), generalized from that library's single in-memory
// map into the spec's required shard-count-mod-hash layout so concurrent
// workers reading different exporters don't contend on one lock.
package template

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"flowrelay/pkg/flow"
)

const (
	DefaultShardCount   = 16
	DefaultMaxTemplates = 65536
)

type exporterEntry struct {
	templates map[uint16]*flow.Template
	lastSeen  time.Time
}

type shard struct {
	mu        sync.RWMutex
	exporters map[flow.ExporterKey]*exporterEntry
}

// Cache is the sharded, thread-safe template cache described in spec §4.2.
type Cache struct {
	shards       []*shard
	maxTemplates int
	idleTimeout  time.Duration
	counters     *flow.Counters

	totalMu sync.Mutex
	total   int
}

// New builds a Cache with DefaultShardCount shards.
func New(maxTemplates int, idleTimeout time.Duration, counters *flow.Counters) *Cache {
	if maxTemplates <= 0 {
		maxTemplates = DefaultMaxTemplates
	}
	c := &Cache{
		shards:       make([]*shard, DefaultShardCount),
		maxTemplates: maxTemplates,
		idleTimeout:  idleTimeout,
		counters:     counters,
	}
	for i := range c.shards {
		c.shards[i] = &shard{exporters: make(map[flow.ExporterKey]*exporterEntry)}
	}
	return c
}

func (c *Cache) shardFor(key flow.ExporterKey) *shard {
	h := xxhash.Sum64String(key.String())
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns the template registered for (key, templateID), if any. The
// read path takes only a read lock on the owning shard.
func (c *Cache) Get(key flow.ExporterKey, templateID uint16) (*flow.Template, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.exporters[key]
	if !ok {
		return nil, false
	}
	t, ok := exp.templates[templateID]
	return t, ok
}

// Put installs or replaces the template for (key, template.ID). If a prior
// template existed for that ID, the layout is compared; on a genuine
// change the version counter is bumped (the decoder does not track
// in-flight decode state across datagrams, so "invalidating in-flight
// decode state" per spec §4.2 is satisfied by simply swapping the pointer
// atomically under the shard lock — no decode goroutine ever holds a
// reference to the old *Template across a yield point).
func (c *Cache) Put(key flow.ExporterKey, t *flow.Template) {
	s := c.shardFor(key)
	t.ReceivedAt = time.Now()

	s.mu.Lock()
	exp, ok := s.exporters[key]
	if !ok {
		exp = &exporterEntry{templates: make(map[uint16]*flow.Template)}
		s.exporters[key] = exp
	}
	exp.lastSeen = t.ReceivedAt

	prev, hadPrev := exp.templates[t.ID]
	if hadPrev && !sameLayout(prev, t) {
		t.Version = prev.Version + 1
	} else if hadPrev {
		t.Version = prev.Version
	}
	exp.templates[t.ID] = t
	s.mu.Unlock()

	if c.counters != nil {
		c.counters.TemplatesSeen.Add(1)
	}

	if !hadPrev {
		c.bumpTotal(1)
	}
}

func sameLayout(a, b *flow.Template) bool {
	if a.Kind != b.Kind || a.ScopeFieldCount != b.ScopeFieldCount || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return true
}

func (c *Cache) bumpTotal(delta int) {
	c.totalMu.Lock()
	c.total += delta
	over := c.total - c.maxTemplates
	c.totalMu.Unlock()

	if c.counters != nil {
		c.counters.TemplatesCurrent.Add(int64(delta))
	}

	for i := 0; i < over; i++ {
		c.evictOldest()
	}
}

// evictOldest removes the single globally-oldest template (by
// ReceivedAt) across every shard, enforcing the default-65536 cap from
// spec §4.2 with an LRU-by-received_at policy.
func (c *Cache) evictOldest() {
	var (
		oldestShard *shard
		oldestKey   flow.ExporterKey
		oldestID    uint16
		oldestTime  time.Time
		found       bool
	)

	for _, s := range c.shards {
		s.mu.RLock()
		for key, exp := range s.exporters {
			for id, t := range exp.templates {
				if !found || t.ReceivedAt.Before(oldestTime) {
					oldestShard, oldestKey, oldestID, oldestTime = s, key, id, t.ReceivedAt
					found = true
				}
			}
		}
		s.mu.RUnlock()
	}

	if !found {
		return
	}

	oldestShard.mu.Lock()
	if exp, ok := oldestShard.exporters[oldestKey]; ok {
		delete(exp.templates, oldestID)
		if len(exp.templates) == 0 {
			delete(oldestShard.exporters, oldestKey)
		}
	}
	oldestShard.mu.Unlock()

	c.totalMu.Lock()
	c.total--
	c.totalMu.Unlock()
	if c.counters != nil {
		c.counters.TemplatesCurrent.Add(-1)
	}
}

// Sweep evicts every exporter whose newest template is older than the
// idle timeout (spec §4.2, invoked every 60s by the janitor goroutine).
func (c *Cache) Sweep(now time.Time) {
	if c.idleTimeout <= 0 {
		return
	}
	for _, s := range c.shards {
		s.mu.Lock()
		for key, exp := range s.exporters {
			if now.Sub(exp.lastSeen) > c.idleTimeout {
				if c.counters != nil {
					c.counters.TemplatesCurrent.Add(-int64(len(exp.templates)))
				}
				c.totalMu.Lock()
				c.total -= len(exp.templates)
				c.totalMu.Unlock()
				delete(s.exporters, key)
			}
		}
		s.mu.Unlock()
	}
}

// TemplateInfo is a flattened view of one cached template, used by the
// `templates` stats command (spec §4.6).
type TemplateInfo struct {
	ExporterIP string
	SourceID   uint32
	TemplateID uint16
	FieldCount int
	AgeSeconds float64
	Version    uint32
}

// Snapshot lists every currently-cached template across all shards.
func (c *Cache) Snapshot() []TemplateInfo {
	now := time.Now()
	var out []TemplateInfo
	for _, s := range c.shards {
		s.mu.RLock()
		for key, exp := range s.exporters {
			for _, t := range exp.templates {
				out = append(out, TemplateInfo{
					ExporterIP: key.ExporterIP.String(),
					SourceID:   key.SourceID,
					TemplateID: t.ID,
					FieldCount: len(t.Fields),
					AgeSeconds: now.Sub(t.ReceivedAt).Seconds(),
					Version:    t.Version,
				})
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the total number of cached templates across all shards.
func (c *Cache) Count() int {
	c.totalMu.Lock()
	defer c.totalMu.Unlock()
	return c.total
}
