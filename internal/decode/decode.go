// Package decode parses NetFlow v9 and IPFIX datagrams into flow.Record
// values, consulting and populating the per-exporter template cache as it
// goes (spec §4.3). This is "the hard part" the spec calls out: data
// records are not self-describing, so decoding is a stateful per-source
// protocol walk rather than a pure function of one datagram.
//
// The set-walking/template-set/options-set/data-set dispatch is grounded
// on the teacher's internal/parser/{parser,netflow9,ipfix}.go, generalized
// to: a shared field-decode loop for both dialects, IPFIX variable-length
// fields, IPFIX enterprise element IDs, and orphan-template accounting
// that the teacher's parser silently dropped (it just skipped sets with
// no template; here it is counted, per spec §4.3/§7).
package decode

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"flowrelay/internal/errlog"
	"flowrelay/internal/ratelimit"
	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

// Decoder turns raw datagrams into decoded flow records, using a shared
// Cache across every exporter and worker.
type Decoder struct {
	cache    *template.Cache
	counters *flow.Counters
	logger   *zap.Logger
	limiter  *ratelimit.PerExporter
	errs     *errlog.Ring
}

// New builds a Decoder. limiter may be nil to disable DEBUG log
// rate-limiting (tests do this to keep assertions deterministic).
func New(cache *template.Cache, counters *flow.Counters, logger *zap.Logger, limiter *ratelimit.PerExporter) *Decoder {
	return &Decoder{cache: cache, counters: counters, logger: logger, limiter: limiter}
}

// SetErrorLog attaches the ring buffer the `errors` stats command reads
// from. Optional: a Decoder with no error log simply doesn't record.
func (d *Decoder) SetErrorLog(r *errlog.Ring) { d.errs = r }

// Decode parses one datagram and returns every flow record it could
// decode. A non-nil error means the whole datagram was malformed at the
// header level and nothing was decoded; template installs and orphan
// counting still happen set-by-set even when later sets in the same
// datagram are dropped.
func (d *Decoder) Decode(dg *flow.Datagram) ([]*flow.Record, error) {
	data := dg.Data
	if len(data) < 2 {
		err := fmt.Errorf("packet too short: %d bytes", len(data))
		d.dropDecode(err)
		return nil, err
	}

	version := flow.Version(binary.BigEndian.Uint16(data[0:2]))
	switch version {
	case flow.NetFlowV9:
		return d.decodeNetflowV9(dg)
	case flow.IPFIX:
		return d.decodeIPFIX(dg)
	default:
		err := fmt.Errorf("unsupported version %d", version)
		d.dropDecode(err)
		return nil, err
	}
}

func (d *Decoder) dropDecode(err error) {
	if d.counters != nil {
		d.counters.PktsDroppedDecode.Add(1)
	}
	if d.errs != nil && err != nil {
		d.errs.Record("decode", err.Error())
	}
}

// exporterAddr normalizes a UDP source address to a netip.Addr, preferring
// the 4-byte form for IPv4 exporters so the same exporter always hashes to
// the same ExporterKey regardless of how the listener's socket reported it.
func exporterAddr(addr *net.UDPAddr) netip.Addr {
	if v4 := addr.IP.To4(); v4 != nil {
		if ip, ok := netip.AddrFromSlice(v4); ok {
			return ip
		}
	}
	if ip, ok := netip.AddrFromSlice(addr.IP.To16()); ok {
		return ip
	}
	return netip.Addr{}
}

func (d *Decoder) decodeNetflowV9(dg *flow.Datagram) ([]*flow.Record, error) {
	data := dg.Data
	if len(data) < netflowV9HeaderLen {
		err := fmt.Errorf("NetFlow v9 header truncated: %d bytes", len(data))
		d.dropDecode(err)
		return nil, err
	}

	hdr := parseNetflowV9Header(data)
	key := flow.ExporterKey{ExporterIP: exporterAddr(dg.SourceAddr), SourceID: hdr.SourceID}

	baseTime := time.Unix(int64(hdr.UnixSecs), 0)
	bootTime := baseTime.Add(-time.Duration(hdr.SysUptime) * time.Millisecond)

	var records []*flow.Record
	offset := netflowV9HeaderLen

	for setsParsed := 0; setsParsed < int(hdr.Count) && offset+setHeaderLen <= len(data); setsParsed++ {
		sh := parseSetHeader(data[offset:])
		if sh.Length < setHeaderLen || offset+int(sh.Length) > len(data) {
			// Malformed flowset length: stop here rather than read past
			// the buffer (spec §8 invariant 1 — never read beyond).
			d.dropDecode(fmt.Errorf("malformed NetFlow v9 flowset length %d at offset %d", sh.Length, offset))
			break
		}

		setData := data[offset+setHeaderLen : offset+int(sh.Length)]
		setBase := offset + setHeaderLen

		switch {
		case sh.ID == setIDNetflowV9Template:
			d.installNetflowV9Templates(setData, key)
		case sh.ID == setIDNetflowV9Options:
			d.installNetflowV9OptionsTemplate(setData, key)
		case sh.ID >= firstDataSetID:
			recs := d.decodeDataSet(dg, setData, setBase, key, sh.ID, flow.NetFlowV9, bootTime)
			records = append(records, recs...)
		}

		offset += int(sh.Length)
	}

	return records, nil
}

func (d *Decoder) decodeIPFIX(dg *flow.Datagram) ([]*flow.Record, error) {
	data := dg.Data
	if len(data) < ipfixHeaderLen {
		err := fmt.Errorf("IPFIX header truncated: %d bytes", len(data))
		d.dropDecode(err)
		return nil, err
	}

	hdr := parseIPFIXHeader(data)
	if int(hdr.Length) != len(data) {
		err := fmt.Errorf("IPFIX length mismatch: header says %d, got %d", hdr.Length, len(data))
		d.dropDecode(err)
		return nil, err
	}

	key := flow.ExporterKey{ExporterIP: exporterAddr(dg.SourceAddr), SourceID: hdr.ObservationDomainID}
	exportTime := time.Unix(int64(hdr.ExportTime), 0)

	var records []*flow.Record
	offset := ipfixHeaderLen

	for offset+setHeaderLen <= int(hdr.Length) {
		sh := parseSetHeader(data[offset:])
		if sh.Length < setHeaderLen || offset+int(sh.Length) > int(hdr.Length) {
			d.dropDecode(fmt.Errorf("malformed IPFIX set length %d at offset %d", sh.Length, offset))
			break
		}

		setData := data[offset+setHeaderLen : offset+int(sh.Length)]
		setBase := offset + setHeaderLen

		switch {
		case sh.ID == setIDIPFIXTemplate:
			d.installIPFIXTemplates(setData, key, flow.KindData)
		case sh.ID == setIDIPFIXOptions:
			d.installIPFIXOptionsTemplate(setData, key)
		case sh.ID >= firstDataSetID:
			recs := d.decodeDataSet(dg, setData, setBase, key, sh.ID, flow.IPFIX, exportTime)
			records = append(records, recs...)
		}

		offset += int(sh.Length)
	}

	return records, nil
}

// installNetflowV9Templates parses one or more back-to-back template
// definitions out of a NetFlow v9 template set (set_id 0).
func (d *Decoder) installNetflowV9Templates(data []byte, key flow.ExporterKey) {
	offset := 0
	for offset+4 <= len(data) {
		templateID := binary.BigEndian.Uint16(data[offset:])
		fieldCount := binary.BigEndian.Uint16(data[offset+2:])
		offset += 4

		fields := make([]flow.FieldSpec, 0, fieldCount)
		ok := true
		for i := 0; i < int(fieldCount); i++ {
			if offset+4 > len(data) {
				ok = false
				break
			}
			elementID := binary.BigEndian.Uint16(data[offset:])
			length := binary.BigEndian.Uint16(data[offset+2:])
			fields = append(fields, flow.FieldSpec{ElementID: elementID, Length: length})
			offset += 4
		}
		if !ok {
			d.dropDecode(fmt.Errorf("truncated NetFlow v9 template %d", templateID))
			return
		}

		if templateID >= firstDataSetID {
			d.cache.Put(key, flow.NewTemplate(templateID, flow.KindData, 0, fields))
		}
	}
}

// installNetflowV9OptionsTemplate parses the NetFlow v9 options template
// layout: template_id, option_scope_length, option_length, then
// scope-fields then option-fields (spec §4.3).
func (d *Decoder) installNetflowV9OptionsTemplate(data []byte, key flow.ExporterKey) {
	if len(data) < 6 {
		d.dropDecode(fmt.Errorf("truncated NetFlow v9 options template header"))
		return
	}
	templateID := binary.BigEndian.Uint16(data[0:2])
	scopeLen := binary.BigEndian.Uint16(data[2:4])
	optionLen := binary.BigEndian.Uint16(data[4:6])
	offset := 6

	scopeFieldCount := int(scopeLen) / 4
	optionFieldCount := int(optionLen) / 4

	fields := make([]flow.FieldSpec, 0, scopeFieldCount+optionFieldCount)
	for i := 0; i < scopeFieldCount+optionFieldCount; i++ {
		if offset+4 > len(data) {
			d.dropDecode(fmt.Errorf("truncated NetFlow v9 options template %d fields", templateID))
			return
		}
		elementID := binary.BigEndian.Uint16(data[offset:])
		length := binary.BigEndian.Uint16(data[offset+2:])
		fields = append(fields, flow.FieldSpec{ElementID: elementID, Length: length})
		offset += 4
	}

	if templateID >= firstDataSetID {
		d.cache.Put(key, flow.NewTemplate(templateID, flow.KindOptions, scopeFieldCount, fields))
	}
}

// installIPFIXTemplates parses one or more IPFIX template records out of
// a template set (set_id 2), including enterprise-specific element IDs
// (high bit set, followed by a 4-byte enterprise number).
func (d *Decoder) installIPFIXTemplates(data []byte, key flow.ExporterKey, kind flow.TemplateKind) {
	offset := 0
	for offset+4 <= len(data) {
		templateID := binary.BigEndian.Uint16(data[offset:])
		fieldCount := binary.BigEndian.Uint16(data[offset+2:])
		offset += 4

		fields := make([]flow.FieldSpec, 0, fieldCount)
		ok := true
		for i := 0; i < int(fieldCount); i++ {
			if offset+4 > len(data) {
				ok = false
				break
			}
			rawElementID := binary.BigEndian.Uint16(data[offset:])
			length := binary.BigEndian.Uint16(data[offset+2:])
			offset += 4

			elementID := rawElementID & 0x7FFF
			var enterpriseID uint32
			if rawElementID&0x8000 != 0 {
				if offset+4 > len(data) {
					ok = false
					break
				}
				enterpriseID = binary.BigEndian.Uint32(data[offset:])
				offset += 4
			}

			fields = append(fields, flow.FieldSpec{ElementID: elementID, Length: length, EnterpriseID: enterpriseID})
		}
		if !ok {
			d.dropDecode(fmt.Errorf("truncated IPFIX template %d", templateID))
			return
		}

		if templateID >= firstDataSetID {
			d.cache.Put(key, flow.NewTemplate(templateID, kind, 0, fields))
		}
	}
}

// installIPFIXOptionsTemplate parses the IPFIX options template layout:
// template_id, field_count, scope_field_count, then field_count ×
// (element_id, length) — the first scope_field_count of which are scope
// fields (spec §4.3).
func (d *Decoder) installIPFIXOptionsTemplate(data []byte, key flow.ExporterKey) {
	if len(data) < 6 {
		d.dropDecode(fmt.Errorf("truncated IPFIX options template header"))
		return
	}
	templateID := binary.BigEndian.Uint16(data[0:2])
	fieldCount := binary.BigEndian.Uint16(data[2:4])
	scopeFieldCount := binary.BigEndian.Uint16(data[4:6])
	offset := 6

	fields := make([]flow.FieldSpec, 0, fieldCount)
	for i := 0; i < int(fieldCount); i++ {
		if offset+4 > len(data) {
			d.dropDecode(fmt.Errorf("truncated IPFIX options template %d fields", templateID))
			return
		}
		rawElementID := binary.BigEndian.Uint16(data[offset:])
		length := binary.BigEndian.Uint16(data[offset+2:])
		offset += 4

		elementID := rawElementID & 0x7FFF
		var enterpriseID uint32
		if rawElementID&0x8000 != 0 {
			if offset+4 > len(data) {
				d.dropDecode(fmt.Errorf("truncated IPFIX options template %d enterprise number", templateID))
				return
			}
			enterpriseID = binary.BigEndian.Uint32(data[offset:])
			offset += 4
		}
		fields = append(fields, flow.FieldSpec{ElementID: elementID, Length: length, EnterpriseID: enterpriseID})
	}

	if templateID >= firstDataSetID {
		d.cache.Put(key, flow.NewTemplate(templateID, flow.KindOptions, int(scopeFieldCount), fields))
	}
}

// decodeDataSet looks up the template for setID and, if present, decodes
// every record in setData. setBase is setData's byte offset within the
// owning Datagram, so RawField.Value can alias directly into dg.Data
// (letting the enricher rewrite AS bytes in place with no extra copy).
func (d *Decoder) decodeDataSet(dg *flow.Datagram, setData []byte, setBase int, key flow.ExporterKey, setID uint16, version flow.Version, refTime time.Time) []*flow.Record {
	tmpl, ok := d.cache.Get(key, setID)
	if !ok {
		if d.counters != nil {
			d.counters.PktsDroppedOrphanTemplate.Add(1)
		}
		if d.errs != nil {
			d.errs.Record("orphan_template", fmt.Sprintf("set_id %d from %s has no known template", setID, key))
		}
		if d.logger != nil && (d.limiter == nil || d.limiter.Allow(key.String())) {
			d.logger.Debug("data set references unknown template",
				zap.String("exporter", key.String()),
				zap.Uint16("set_id", setID),
			)
		}
		return nil
	}

	var records []*flow.Record
	offset := 0
	exporterIP := dg.SourceAddr.IP

	for len(setData)-offset >= tmpl.MinRecordLen() {
		rec := flow.NewRecord(version, key, exporterIP, dg.ReceivedAt)
		recOK := true

		for _, f := range tmpl.Fields {
			length := int(f.Length)
			if f.Length == flow.VariableLength {
				l, consumed, ok := readVariableLength(setData, offset)
				if !ok {
					recOK = false
					break
				}
				length = l
				offset += consumed
			}
			if offset+length > len(setData) {
				recOK = false
				break
			}

			value := dg.Data[setBase+offset : setBase+offset+length]
			idx := len(rec.Fields)
			rec.Fields = append(rec.Fields, flow.RawField{
				ElementID:    f.ElementID,
				EnterpriseID: f.EnterpriseID,
				Value:        value,
				Offset:       setBase + offset,
			})
			promoteWellKnownField(rec, f.ElementID, value, idx, refTime)

			offset += length
		}

		if !recOK {
			break
		}
		records = append(records, rec)
		if d.counters != nil {
			d.counters.RecordsDecoded.Add(1)
			if rec.ASPresent {
				d.counters.RecordsWithAS.Add(1)
			}
		}
	}

	return records
}

// readVariableLength reads an IPFIX variable-length prefix at data[offset]
// per spec §4.3: a single 0xFF byte means "read the real length from the
// next two bytes", any other single byte value is the length itself.
func readVariableLength(data []byte, offset int) (length int, consumed int, ok bool) {
	if offset >= len(data) {
		return 0, 0, false
	}
	b0 := data[offset]
	if b0 != 0xFF {
		return int(b0), 1, true
	}
	if offset+3 > len(data) {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(data[offset+1 : offset+3])), 3, true
}

func readUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	case 8:
		return binary.BigEndian.Uint64(b)
	default:
		var v uint64
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
		return v
	}
}

// promoteWellKnownField copies a raw decoded field into Record's
// structured view when its element ID is one spec §3 names (srcAS, dstAS,
// addresses, protocol, counters, interfaces).
func promoteWellKnownField(rec *flow.Record, elementID uint16, value []byte, idx int, refTime time.Time) {
	switch elementID {
	case flow.IESrcAS:
		rec.SrcAS = uint32(readUint(value))
		rec.SetSrcASIndex(idx)
	case flow.IEDstAS:
		rec.DstAS = uint32(readUint(value))
		rec.SetDstASIndex(idx)
	case flow.IESourceIPv4Address, flow.IESourceIPv6Address:
		rec.SrcAddr = net.IP(value)
	case flow.IEDestinationIPv4Address, flow.IEDestinationIPv6Address:
		rec.DstAddr = net.IP(value)
	case flow.IEProtocolIdentifier:
		if len(value) > 0 {
			rec.Protocol = value[len(value)-1]
		}
	case flow.IEOctetDeltaCount:
		rec.Octets = readUint(value)
	case flow.IEPacketDeltaCount:
		rec.Packets = readUint(value)
	case flow.IEIngressInterface:
		rec.InputIf = uint16(readUint(value))
	case flow.IEEgressInterface:
		rec.OutputIf = uint16(readUint(value))
	}

	if rec.SrcAS != 0 && rec.DstAS != 0 {
		rec.ASPresent = true
	}
	_ = refTime // reserved for future flow-timing promotion (StartTime/EndTime), not required by spec §3
}
