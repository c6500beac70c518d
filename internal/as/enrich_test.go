package as

import (
	"context"
	"net"
	"testing"
	"time"

	"flowrelay/pkg/flow"
)

type fakeASLookup struct {
	asn uint32
	ok  bool
}

func (f fakeASLookup) Lookup(context.Context, net.IP) (uint32, bool) { return f.asn, f.ok }

func recordWithAS(srcAS, dstAS uint32, fieldLen int) *flow.Record {
	rec := flow.NewRecord(flow.NetFlowV9, flow.ExporterKey{}, net.ParseIP("203.0.113.1"), time.Now())
	rec.SrcAddr = net.ParseIP("198.51.100.1")
	rec.DstAddr = net.ParseIP("198.51.100.2")
	rec.SrcAS = srcAS
	rec.DstAS = dstAS

	buf := make([]byte, fieldLen)
	rec.Fields = append(rec.Fields, flow.RawField{ElementID: flow.IESrcAS, Value: buf, Offset: 0})
	rec.SetSrcASIndex(0)
	return rec
}

func TestEnrichDisabledOnlyObserves(t *testing.T) {
	e := New(Options{ASExtraction: false}, nil)
	rec := recordWithAS(65001, 65002, 4)
	e.Enrich(context.Background(), rec)

	if rec.SrcAS != 65001 || rec.DstAS != 65002 {
		t.Fatalf("disabled extraction must not alter existing AS values")
	}
	top := e.Sketch().TopK(DirectionSrc)
	if len(top) != 1 || top[0].ASNumber != 65001 {
		t.Fatalf("expected sketch to observe existing AS, got %v", top)
	}
}

func TestEnrichFillsZeroASFromLookup(t *testing.T) {
	e := New(Options{ASExtraction: true, ASLookup: fakeASLookup{asn: 777, ok: true}}, nil)
	rec := recordWithAS(0, 65002, 4)
	e.Enrich(context.Background(), rec)

	if rec.SrcAS != 777 {
		t.Fatalf("expected fallback lookup to fill SrcAS, got %d", rec.SrcAS)
	}
}

func TestEnrichInPlaceRewritesWireBytes(t *testing.T) {
	e := New(Options{ASExtraction: true, EnrichInPlace: true, ASLookup: fakeASLookup{asn: 999, ok: true}}, nil)
	rec := recordWithAS(0, 65002, 4)
	e.Enrich(context.Background(), rec)

	got := uint32(rec.Fields[0].Value[0])<<24 | uint32(rec.Fields[0].Value[1])<<16 | uint32(rec.Fields[0].Value[2])<<8 | uint32(rec.Fields[0].Value[3])
	if got != 999 {
		t.Fatalf("expected wire bytes rewritten to 999, got %d", got)
	}
}

func TestEnrichSkipsRewriteWhenFieldTooShort(t *testing.T) {
	e := New(Options{ASExtraction: true, EnrichInPlace: true, ASLookup: fakeASLookup{asn: 999, ok: true}}, nil)
	rec := recordWithAS(0, 65002, 2)
	e.Enrich(context.Background(), rec)

	if rec.Fields[0].Value[0] != 0 || rec.Fields[0].Value[1] != 0 {
		t.Fatalf("a <4 byte field must never be rewritten")
	}
}

func TestEnrichLookupMissLeavesZero(t *testing.T) {
	e := New(Options{ASExtraction: true, ASLookup: fakeASLookup{ok: false}}, nil)
	rec := recordWithAS(0, 0, 4)
	e.Enrich(context.Background(), rec)

	if rec.SrcAS != 0 || rec.DstAS != 0 {
		t.Fatalf("a lookup miss must leave AS fields at zero")
	}
	if len(e.Sketch().TopK(DirectionSrc)) != 0 {
		t.Fatalf("a zero AS must never be observed in the sketch")
	}
}
