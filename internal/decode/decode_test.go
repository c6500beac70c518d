package decode

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

func newDecoder() *Decoder {
	return New(template.New(0, time.Hour, nil), &flow.Counters{}, nil, nil)
}

func udpAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 2055}
}

func putU16(b []byte, off int, v uint16) { binary.BigEndian.PutUint16(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }

// buildNetflowV9Packet assembles a NetFlow v9 datagram with the given
// flowsets concatenated after the 20-byte header.
func buildNetflowV9Packet(sourceID uint32, flowsets ...[]byte) []byte {
	total := netflowV9HeaderLen
	for _, fs := range flowsets {
		total += len(fs)
	}
	data := make([]byte, total)
	putU16(data, 0, 9)
	putU16(data, 2, uint16(len(flowsets)))
	putU32(data, 4, 1000)
	putU32(data, 8, uint32(time.Now().Unix()))
	putU32(data, 12, 1)
	putU32(data, 16, sourceID)

	offset := netflowV9HeaderLen
	for _, fs := range flowsets {
		copy(data[offset:], fs)
		offset += len(fs)
	}
	return data
}

func netflowV9TemplateSet(templateID uint16, fields [][2]uint16) []byte {
	body := make([]byte, 4+4*len(fields))
	putU16(body, 0, templateID)
	putU16(body, 2, uint16(len(fields)))
	off := 4
	for _, f := range fields {
		putU16(body, off, f[0])
		putU16(body, off+2, f[1])
		off += 4
	}
	return wrapSet(setIDNetflowV9Template, body)
}

func wrapSet(setID uint16, body []byte) []byte {
	out := make([]byte, 4+len(body))
	putU16(out, 0, setID)
	putU16(out, 2, uint16(len(out)))
	copy(out[4:], body)
	return out
}

func TestDecodeNetflowV9TemplateThenData(t *testing.T) {
	d := newDecoder()

	tmplSet := netflowV9TemplateSet(256, [][2]uint16{
		{flow.IESrcAS, 4},
		{flow.IEDstAS, 4},
		{flow.IEOctetDeltaCount, 4},
	})
	pkt1 := buildNetflowV9Packet(1, tmplSet)

	dg1 := &flow.Datagram{Data: pkt1, SourceAddr: udpAddr("192.0.2.1"), ReceivedAt: time.Now()}
	recs, err := d.Decode(dg1)
	require.NoError(t, err)
	require.Empty(t, recs, "template-only datagram yields no records")

	dataBody := make([]byte, 12)
	putU32(dataBody, 0, 65001)
	putU32(dataBody, 4, 65002)
	putU32(dataBody, 8, 1500)
	dataSet := wrapSet(256, dataBody)

	pkt2 := buildNetflowV9Packet(1, dataSet)
	dg2 := &flow.Datagram{Data: pkt2, SourceAddr: udpAddr("192.0.2.1"), ReceivedAt: time.Now()}
	recs, err = d.Decode(dg2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(65001), recs[0].SrcAS)
	require.Equal(t, uint32(65002), recs[0].DstAS)
	require.True(t, recs[0].ASPresent)
	require.Equal(t, uint64(1500), recs[0].Octets)
}

func TestDecodeOrphanDataSetIsDroppedNotFatal(t *testing.T) {
	d := newDecoder()

	dataBody := make([]byte, 12)
	dataSet := wrapSet(999, dataBody)
	pkt := buildNetflowV9Packet(1, dataSet)

	dg := &flow.Datagram{Data: pkt, SourceAddr: udpAddr("192.0.2.2"), ReceivedAt: time.Now()}
	recs, err := d.Decode(dg)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Equal(t, uint64(1), d.counters.PktsDroppedOrphanTemplate.Load())
}

func TestDecodeNetflowV9TooShortHeader(t *testing.T) {
	d := newDecoder()
	dg := &flow.Datagram{Data: []byte{0, 9, 0, 1}, SourceAddr: udpAddr("192.0.2.3"), ReceivedAt: time.Now()}
	_, err := d.Decode(dg)
	require.Error(t, err)
	require.Equal(t, uint64(1), d.counters.PktsDroppedDecode.Load())
}

func TestDecodeDistinctSourceIDsNeedOwnTemplates(t *testing.T) {
	d := newDecoder()

	tmplSet := netflowV9TemplateSet(256, [][2]uint16{{flow.IESrcAS, 4}})
	pkt := buildNetflowV9Packet(1, tmplSet)
	_, err := d.Decode(&flow.Datagram{Data: pkt, SourceAddr: udpAddr("192.0.2.4"), ReceivedAt: time.Now()})
	require.NoError(t, err)

	dataSet := wrapSet(256, make([]byte, 4))
	pkt2 := buildNetflowV9Packet(2, dataSet)
	recs, err := d.Decode(&flow.Datagram{Data: pkt2, SourceAddr: udpAddr("192.0.2.4"), ReceivedAt: time.Now()})
	require.NoError(t, err)
	require.Empty(t, recs, "source_id 2 must not see source_id 1's template")
}

// --- IPFIX ---

func buildIPFIXPacket(observationDomainID uint32, sets ...[]byte) []byte {
	total := ipfixHeaderLen
	for _, s := range sets {
		total += len(s)
	}
	data := make([]byte, total)
	putU16(data, 0, 10)
	putU16(data, 2, uint16(total))
	putU32(data, 4, uint32(time.Now().Unix()))
	putU32(data, 8, 1)
	putU32(data, 12, observationDomainID)

	offset := ipfixHeaderLen
	for _, s := range sets {
		copy(data[offset:], s)
		offset += len(s)
	}
	return data
}

func ipfixTemplateSet(templateID uint16, fields [][2]uint16) []byte {
	body := make([]byte, 4+4*len(fields))
	putU16(body, 0, templateID)
	putU16(body, 2, uint16(len(fields)))
	off := 4
	for _, f := range fields {
		putU16(body, off, f[0])
		putU16(body, off+2, f[1])
		off += 4
	}
	return wrapSet(setIDIPFIXTemplate, body)
}

func TestDecodeIPFIXLengthMismatchIsDropped(t *testing.T) {
	d := newDecoder()
	pkt := buildIPFIXPacket(1)
	putU16(pkt, 2, uint16(len(pkt)+4)) // lie about length

	_, err := d.Decode(&flow.Datagram{Data: pkt, SourceAddr: udpAddr("192.0.2.5"), ReceivedAt: time.Now()})
	require.Error(t, err)
	require.Equal(t, uint64(1), d.counters.PktsDroppedDecode.Load())
}

func TestDecodeIPFIXVariableLengthField(t *testing.T) {
	d := newDecoder()

	tmplSet := ipfixTemplateSet(300, [][2]uint16{
		{flow.IESrcAS, 4},
		{flow.IEOctetDeltaCount, flow.VariableLength},
	})
	pkt1 := buildIPFIXPacket(5, tmplSet)
	_, err := d.Decode(&flow.Datagram{Data: pkt1, SourceAddr: udpAddr("192.0.2.6"), ReceivedAt: time.Now()})
	require.NoError(t, err)

	varValue := []byte{1, 2, 3}
	dataBody := make([]byte, 0, 4+1+len(varValue))
	asBytes := make([]byte, 4)
	putU32(asBytes, 0, 65010)
	dataBody = append(dataBody, asBytes...)
	dataBody = append(dataBody, byte(len(varValue)))
	dataBody = append(dataBody, varValue...)
	dataSet := wrapSet(300, dataBody)

	pkt2 := buildIPFIXPacket(5, dataSet)
	recs, err := d.Decode(&flow.Datagram{Data: pkt2, SourceAddr: udpAddr("192.0.2.6"), ReceivedAt: time.Now()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(65010), recs[0].SrcAS)
	require.Len(t, recs[0].Fields, 2)
	require.Equal(t, varValue, recs[0].Fields[1].Value)
}

func TestDecodeIPFIXEnterpriseElement(t *testing.T) {
	d := newDecoder()

	body := make([]byte, 4+8)
	putU16(body, 0, 400)
	putU16(body, 2, 1)
	putU16(body, 4, 0x8000|100) // enterprise bit + element 100
	putU16(body, 6, 4)
	putU32(body, 8, 12345) // enterprise number
	tmplSet := wrapSet(setIDIPFIXTemplate, body)

	pkt1 := buildIPFIXPacket(9, tmplSet)
	_, err := d.Decode(&flow.Datagram{Data: pkt1, SourceAddr: udpAddr("192.0.2.7"), ReceivedAt: time.Now()})
	require.NoError(t, err)

	dataSet := wrapSet(400, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	pkt2 := buildIPFIXPacket(9, dataSet)
	recs, err := d.Decode(&flow.Datagram{Data: pkt2, SourceAddr: udpAddr("192.0.2.7"), ReceivedAt: time.Now()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint16(100), recs[0].Fields[0].ElementID)
	require.Equal(t, uint32(12345), recs[0].Fields[0].EnterpriseID)
}

func TestDecodeTemplateRedefinitionBumpsVersionAndStillDecodes(t *testing.T) {
	d := newDecoder()

	tmplSet1 := netflowV9TemplateSet(500, [][2]uint16{{flow.IESrcAS, 4}})
	pkt1 := buildNetflowV9Packet(1, tmplSet1)
	_, err := d.Decode(&flow.Datagram{Data: pkt1, SourceAddr: udpAddr("192.0.2.8"), ReceivedAt: time.Now()})
	require.NoError(t, err)

	tmplSet2 := netflowV9TemplateSet(500, [][2]uint16{{flow.IESrcAS, 4}, {flow.IEDstAS, 4}})
	pkt2 := buildNetflowV9Packet(1, tmplSet2)
	_, err = d.Decode(&flow.Datagram{Data: pkt2, SourceAddr: udpAddr("192.0.2.8"), ReceivedAt: time.Now()})
	require.NoError(t, err)

	key := flow.ExporterKey{ExporterIP: netip.MustParseAddr("192.0.2.8"), SourceID: 1}
	tmpl, ok := d.cache.Get(key, 500)
	require.True(t, ok)
	require.Equal(t, uint32(1), tmpl.Version)

	dataSet := wrapSet(500, make([]byte, 8))
	pkt3 := buildNetflowV9Packet(1, dataSet)
	recs, err := d.Decode(&flow.Datagram{Data: pkt3, SourceAddr: udpAddr("192.0.2.8"), ReceivedAt: time.Now()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
