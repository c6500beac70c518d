// Package as implements the AS extractor and enricher from spec §4.4:
// it locates the src/dst AS fields a decoder already promoted onto a
// flow.Record, optionally fills in a zero AS from an external ASLookup
// collaborator, optionally rewrites the on-wire bytes, and feeds every
// non-zero AS number into the top-AS sketch the stats server reports.
//
// Grounded on the teacher's resolver.go for the "optional, best-effort,
// timeout-bounded external lookup" shape, generalized from hostnames to
// AS numbers and made synchronous-with-deadline instead of
// fire-and-forget, since spec §6 requires the core to *wait* up to the
// configured timeout rather than return a stale cached value immediately.
package as

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"flowrelay/internal/lookup"
	"flowrelay/pkg/flow"
)

// Enricher implements spec §4.4 over decoded records.
type Enricher struct {
	lookup.ASLookup

	enabled       bool
	enrichInPlace bool
	timeout       time.Duration

	sketch *Sketch
	logger *zap.Logger
}

// Options configures an Enricher; zero value disables lookup fallback and
// in-place rewriting while still feeding the sketch.
type Options struct {
	ASExtraction  bool
	EnrichInPlace bool
	Timeout       time.Duration
	ASLookup      lookup.ASLookup
}

// New builds an Enricher. A nil ASLookup is replaced with a no-op so
// callers never need a nil check.
func New(opts Options, logger *zap.Logger) *Enricher {
	l := opts.ASLookup
	if l == nil {
		l = lookup.NoopASLookup{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = lookup.DefaultTimeout
	}
	return &Enricher{
		ASLookup:      l,
		enabled:       opts.ASExtraction,
		enrichInPlace: opts.EnrichInPlace,
		timeout:       timeout,
		sketch:        NewSketch(),
		logger:        logger,
	}
}

// Sketch exposes the underlying top-AS sketch for the stats server.
func (e *Enricher) Sketch() *Sketch { return e.sketch }

// Enrich fills in a zero src/dst AS from the external lookup collaborator
// (if enabled), optionally rewrites the on-wire bytes, and records every
// resulting non-zero AS number into the sketch. It never returns an
// error: a lookup miss or timeout simply leaves the field at zero, which
// callers and the stats server already treat as "unknown".
func (e *Enricher) Enrich(ctx context.Context, rec *flow.Record) {
	if !e.enabled {
		e.observe(rec)
		return
	}

	if rec.SrcAS == 0 {
		if resolved, ok := e.resolve(ctx, rec.SrcAddr); ok {
			rec.SrcAS = resolved
			rec.ASPresent = rec.ASPresent || resolved != 0
			e.maybeRewrite(rec.SrcASFieldOffset, rec, resolved)
		}
	}
	if rec.DstAS == 0 {
		if resolved, ok := e.resolve(ctx, rec.DstAddr); ok {
			rec.DstAS = resolved
			rec.ASPresent = rec.ASPresent || resolved != 0
			e.maybeRewrite(rec.DstASFieldOffset, rec, resolved)
		}
	}

	e.observe(rec)
}

func (e *Enricher) observe(rec *flow.Record) {
	if rec.SrcAS != 0 {
		e.sketch.Observe(DirectionSrc, rec.SrcAS)
	}
	if rec.DstAS != 0 {
		e.sketch.Observe(DirectionDst, rec.DstAS)
	}
}

func (e *Enricher) resolve(parent context.Context, addr net.IP) (uint32, bool) {
	if len(addr) == 0 {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()
	return e.Lookup(ctx, addr)
}

// maybeRewrite overwrites the on-wire AS field in place when
// enrich_in_place is set and the field's declared length is at least 4
// bytes (spec §4.4); shorter declared lengths are left untouched since
// a 16/32-bit AS cannot losslessly fit, and the datagram's other bytes —
// including sequence numbers — are never touched either way.
func (e *Enricher) maybeRewrite(locate func() (offset, length int, ok bool), rec *flow.Record, value uint32) {
	if !e.enrichInPlace || value == 0 {
		return
	}
	offset, length, ok := locate()
	if !ok || length < 4 {
		return
	}
	for i, f := range rec.Fields {
		if f.Offset == offset && len(f.Value) == length {
			binary.BigEndian.PutUint32(rec.Fields[i].Value[length-4:length], value)
			return
		}
	}
}
