// Package ratelimit rate-limits the decoder's DEBUG-level orphan-template
// log lines per exporter, per spec §4.3 ("logged at DEBUG with rate-limit 1/min per
// exporter"). One golang.org/x/time/rate.Limiter per exporter key string, held in
// a bounded map so a botnet of spoofed source IPs cannot grow this
// unbounded.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedExporters = 4096

// PerExporter hands out a rate.Limiter per exporter key string, evicting
// the oldest-inserted entry once maxTrackedExporters is exceeded.
type PerExporter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	order    []string
	limit    rate.Limit
	burst    int
}

// New returns a PerExporter limiter allowing `eventsPerMinute` events per
// minute per exporter, with a burst of 1 (strict spec §4.3 "1/min").
func New(eventsPerMinute float64) *PerExporter {
	return &PerExporter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(eventsPerMinute / 60.0),
		burst:    1,
	}
}

// Allow reports whether a log line for the given exporter key may be
// emitted right now.
func (p *PerExporter) Allow(exporterKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[exporterKey]
	if !ok {
		if len(p.order) >= maxTrackedExporters {
			oldest := p.order[0]
			p.order = p.order[1:]
			delete(p.limiters, oldest)
		}
		lim = rate.NewLimiter(p.limit, p.burst)
		p.limiters[exporterKey] = lim
		p.order = append(p.order, exporterKey)
	}
	return lim.Allow()
}
