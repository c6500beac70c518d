package flow

import "sync/atomic"

// Counters holds the process-wide atomic counters from spec §3. Every
// field is updated with atomic ops from any goroutine; the stats server
// reads a consistent-enough snapshot without ever blocking the pipeline.
type Counters struct {
	PktsIn  atomic.Uint64
	BytesIn atomic.Uint64

	PktsOut  atomic.Uint64
	BytesOut atomic.Uint64

	PktsDroppedQueue           atomic.Uint64
	PktsDroppedDecode          atomic.Uint64
	PktsDroppedOrphanTemplate  atomic.Uint64
	PktsDroppedForward         atomic.Uint64

	TemplatesSeen   atomic.Uint64
	TemplatesCurrent atomic.Int64

	RecordsDecoded  atomic.Uint64
	RecordsWithAS   atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters suitable for display or
// serialization; unlike Counters it carries plain values, not atomics.
type Snapshot struct {
	PktsIn, BytesIn                                     uint64
	PktsOut, BytesOut                                   uint64
	PktsDroppedQueue, PktsDroppedDecode                 uint64
	PktsDroppedOrphanTemplate, PktsDroppedForward        uint64
	TemplatesSeen                                        uint64
	TemplatesCurrent                                     int64
	RecordsDecoded, RecordsWithAS                        uint64
}

// Snapshot reads every counter once. Individual fields may be from
// slightly different instants under concurrent updates, which is
// acceptable for a diagnostic surface — spec §5's conservation property
// (pkts_in = pkts_out + sum(dropped)) holds once no more updates land,
// which is the invariant the property tests in spec §8 exercise.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		PktsIn:                    c.PktsIn.Load(),
		BytesIn:                   c.BytesIn.Load(),
		PktsOut:                   c.PktsOut.Load(),
		BytesOut:                  c.BytesOut.Load(),
		PktsDroppedQueue:          c.PktsDroppedQueue.Load(),
		PktsDroppedDecode:         c.PktsDroppedDecode.Load(),
		PktsDroppedOrphanTemplate: c.PktsDroppedOrphanTemplate.Load(),
		PktsDroppedForward:        c.PktsDroppedForward.Load(),
		TemplatesSeen:             c.TemplatesSeen.Load(),
		TemplatesCurrent:          c.TemplatesCurrent.Load(),
		RecordsDecoded:            c.RecordsDecoded.Load(),
		RecordsWithAS:             c.RecordsWithAS.Load(),
	}
}

// TotalDropped sums every drop counter.
func (s Snapshot) TotalDropped() uint64 {
	return s.PktsDroppedQueue + s.PktsDroppedDecode + s.PktsDroppedOrphanTemplate + s.PktsDroppedForward
}
