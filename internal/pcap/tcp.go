package pcap

import (
	"io"

	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/wire"
)

// TCPFlags holds the control bits this core inspects: SYN/ACK/FIN/RST are
// enough to track connection lifecycle without a full flag set.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << 0
	TCPFlagSYN TCPFlags = 1 << 1
	TCPFlagRST TCPFlags = 1 << 2
	TCPFlagACK TCPFlags = 1 << 4
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// TCPSegment is a parsed TCP header plus its payload slice (the caller's
// IPv4-layer payload, sliced past the TCP header — options beyond the fixed
// 20 bytes are skipped, not interpreted).
type TCPSegment struct {
	SourcePort      uint16
	DestinationPort uint16
	SeqNum          uint32
	AckNum          uint32
	DataOffset      uint8 // in 32-bit words
	Flags           TCPFlags
	WindowSize      uint16
	Checksum        uint16
	Payload         []byte
}

// ReadTCPSegment parses a TCP segment from the IPv4 payload bytes.
func ReadTCPSegment(payload []byte) (*TCPSegment, error) {
	if len(payload) < 20 {
		return nil, errorsx.InvalidPacketPayload("tcp segment shorter than fixed header", nil)
	}
	r := wire.NewReader(byteReader(payload))

	srcPort, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp source port", err)
	}
	dstPort, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp destination port", err)
	}
	seq, err := r.ReadUint32(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp seq", err)
	}
	ack, err := r.ReadUint32(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp ack", err)
	}
	offsetReserved, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp data offset", err)
	}
	dataOffset := offsetReserved >> 4

	flagsByte, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp flags", err)
	}
	window, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp window", err)
	}
	checksum, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidPacketPayload("tcp checksum", err)
	}
	if _, err := r.ReadUint16(wire.NetworkEndian); err != nil { // urgent pointer, unused
		return nil, errorsx.InvalidPacketPayload("tcp urgent pointer", err)
	}

	headerLen := int(dataOffset) * 4
	if headerLen < 20 || headerLen > len(payload) {
		return nil, errorsx.InvalidPacketPayload("tcp data offset out of range", nil)
	}

	return &TCPSegment{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		SeqNum:          seq,
		AckNum:          ack,
		DataOffset:      dataOffset,
		Flags:           TCPFlags(flagsByte),
		WindowSize:      window,
		Checksum:        checksum,
		Payload:         payload[headerLen:],
	}, nil
}

// byteReader adapts a byte slice to io.Reader without pulling in bytes.Reader
// just for this one call site's sequential consumption.
type byteReaderImpl struct {
	b   []byte
	pos int
}

func byteReader(b []byte) *byteReaderImpl { return &byteReaderImpl{b: b} }

func (r *byteReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
