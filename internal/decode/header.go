package decode

import "encoding/binary"

const (
	netflowV9HeaderLen = 20
	ipfixHeaderLen     = 16

	setHeaderLen = 4

	setIDNetflowV9Template    = 0
	setIDNetflowV9Options     = 1
	setIDIPFIXTemplate        = 2
	setIDIPFIXOptions         = 3
	firstDataSetID            = 256
)

// netflowV9Header is the 20-byte NetFlow v9 packet header (spec §4.3).
type netflowV9Header struct {
	Count      uint16
	SysUptime  uint32
	UnixSecs   uint32
	Sequence   uint32
	SourceID   uint32
}

func parseNetflowV9Header(data []byte) netflowV9Header {
	return netflowV9Header{
		Count:     binary.BigEndian.Uint16(data[2:4]),
		SysUptime: binary.BigEndian.Uint32(data[4:8]),
		UnixSecs:  binary.BigEndian.Uint32(data[8:12]),
		Sequence:  binary.BigEndian.Uint32(data[12:16]),
		SourceID:  binary.BigEndian.Uint32(data[16:20]),
	}
}

// ipfixHeader is the 16-byte IPFIX message header (RFC 7011, spec §4.3).
type ipfixHeader struct {
	Length               uint16
	ExportTime           uint32
	Sequence             uint32
	ObservationDomainID  uint32
}

func parseIPFIXHeader(data []byte) ipfixHeader {
	return ipfixHeader{
		Length:              binary.BigEndian.Uint16(data[2:4]),
		ExportTime:          binary.BigEndian.Uint32(data[4:8]),
		Sequence:            binary.BigEndian.Uint32(data[8:12]),
		ObservationDomainID: binary.BigEndian.Uint32(data[12:16]),
	}
}

// setHeader is the 4-byte set/flowset header shared by both dialects.
type setHeader struct {
	ID     uint16
	Length uint16
}

func parseSetHeader(data []byte) setHeader {
	return setHeader{
		ID:     binary.BigEndian.Uint16(data[0:2]),
		Length: binary.BigEndian.Uint16(data[2:4]),
	}
}
