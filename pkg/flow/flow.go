// Package flow holds the wire-independent data model shared by every stage
// of the relay pipeline: the raw datagram, the per-exporter template
// namespace, and the decoded flow record view.
package flow

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Version identifies which flow-export dialect produced a datagram.
type Version int

const (
	NetFlowV9 Version = 9
	IPFIX     Version = 10
)

func (v Version) String() string {
	switch v {
	case NetFlowV9:
		return "NetFlow v9"
	case IPFIX:
		return "IPFIX"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// Datagram is a byte buffer plus the exporter address and receive
// timestamp. Its bytes stay as received unless in-place AS enrichment
// overwrites an AS field. Ownership passes from ingress to exactly one
// worker; it is released once the forwarder is done with it.
type Datagram struct {
	Data       []byte
	SourceAddr *net.UDPAddr
	ReceivedAt time.Time
}

// ExporterKey namespaces templates per spec §3: the same IP with two
// different Source/Observation-Domain IDs is two independent template
// spaces.
type ExporterKey struct {
	ExporterIP netip.Addr
	SourceID   uint32
}

func (k ExporterKey) String() string {
	return fmt.Sprintf("%s/%d", k.ExporterIP, k.SourceID)
}

// TemplateKind distinguishes ordinary data templates from options templates.
type TemplateKind int

const (
	KindData TemplateKind = iota
	KindOptions
)

// FieldSpec describes one field in a template's on-wire layout.
//
// Length 0xFFFF marks an IPFIX variable-length field. EnterpriseID is
// non-zero only for IPFIX enterprise-specific information elements (the
// high bit of the wire element ID).
type FieldSpec struct {
	ElementID    uint16
	Length       uint16
	EnterpriseID uint32
}

const VariableLength = 0xFFFF

// Template is a single exporter's declaration of a data record's layout,
// keyed by (ExporterKey, TemplateID) in the template cache.
type Template struct {
	ID               uint16
	Kind             TemplateKind
	ScopeFieldCount  int
	Fields           []FieldSpec
	ReceivedAt       time.Time
	Version          uint32
	fixedRecordLen   int
	hasVariableField bool
}

// NewTemplate builds a Template and precomputes its minimum fixed record
// length so the decoder can cheaply test "enough bytes remain" per record.
func NewTemplate(id uint16, kind TemplateKind, scopeFieldCount int, fields []FieldSpec) *Template {
	t := &Template{
		ID:              id,
		Kind:            kind,
		ScopeFieldCount: scopeFieldCount,
		Fields:          fields,
	}
	for _, f := range fields {
		if f.Length == VariableLength {
			t.hasVariableField = true
			t.fixedRecordLen++ // at least the 1-byte length prefix
			continue
		}
		t.fixedRecordLen += int(f.Length)
	}
	return t
}

// MinRecordLen is the fewest bytes a single record under this template can
// occupy: every fixed field's declared length, plus one length-prefix byte
// per variable field.
func (t *Template) MinRecordLen() int {
	return t.fixedRecordLen
}

// HasVariableLength reports whether any field in this template is
// IPFIX variable-length.
func (t *Template) HasVariableLength() bool {
	return t.hasVariableField
}

// Well-known information element IDs used by the AS extractor (spec §3).
const (
	IESrcAS                 = 16
	IEDstAS                 = 17
	IESourceIPv4Address     = 8
	IEDestinationIPv4Address = 12
	IESourceIPv6Address     = 27
	IEDestinationIPv6Address = 28
	IEProtocolIdentifier    = 4
	IEOctetDeltaCount       = 1
	IEPacketDeltaCount      = 2
	IEIngressInterface      = 10
	IEEgressInterface       = 14
)

// RawField is one decoded (element, bytes) pair exactly as it appeared on
// the wire, before any well-known-field promotion.
type RawField struct {
	ElementID    uint16
	EnterpriseID uint32
	Value        []byte
	// Offset is the byte offset of Value within the owning Datagram's Data,
	// used by the enricher to rewrite AS bytes in place without re-walking
	// the record.
	Offset int
}

// Record is a single decoded flow record: the full list of raw fields plus
// a structured view of the well-known elements the extractor and enricher
// care about (spec §3).
type Record struct {
	Version    Version
	Exporter   ExporterKey
	ExporterIP net.IP
	ReceivedAt time.Time

	Fields []RawField

	SrcAS    uint32
	DstAS    uint32
	asFields struct {
		srcIdx, dstIdx int // index into Fields, -1 if absent
	}

	SrcAddr  net.IP
	DstAddr  net.IP
	Protocol uint8
	Octets   uint64
	Packets  uint64
	InputIf  uint16
	OutputIf uint16

	ASPresent bool
}

// SrcASFieldOffset returns the byte offset and declared length of the
// SrcAS field within the owning datagram, or ok=false if the template
// carried no IE 16 field.
func (r *Record) SrcASFieldOffset() (offset, length int, ok bool) {
	if r.asFields.srcIdx < 0 {
		return 0, 0, false
	}
	f := r.Fields[r.asFields.srcIdx]
	return f.Offset, len(f.Value), true
}

// DstASFieldOffset mirrors SrcASFieldOffset for IE 17.
func (r *Record) DstASFieldOffset() (offset, length int, ok bool) {
	if r.asFields.dstIdx < 0 {
		return 0, 0, false
	}
	f := r.Fields[r.asFields.dstIdx]
	return f.Offset, len(f.Value), true
}

// SetSrcASIndex and SetDstASIndex are used by the decoder while building a
// Record to remember which raw field (if any) carried the AS number, so
// the enricher can look it up/rewrite it without a second scan.
func (r *Record) SetSrcASIndex(i int) { r.asFields.srcIdx = i }
func (r *Record) SetDstASIndex(i int) { r.asFields.dstIdx = i }

// NewRecord returns a Record with no AS field located yet.
func NewRecord(version Version, exp ExporterKey, exporterIP net.IP, receivedAt time.Time) *Record {
	r := &Record{
		Version:    version,
		Exporter:   exp,
		ExporterIP: exporterIP,
		ReceivedAt: receivedAt,
	}
	r.asFields.srcIdx = -1
	r.asFields.dstIdx = -1
	return r
}
