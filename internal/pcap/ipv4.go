// Package pcap implements the packet-capture ingress: interface enumeration,
// IPv4 header parsing, TCP stream reassembly keyed by 4-tuple, and optional
// hostapd access-point lifecycle management. Byte access goes through
// internal/wire, building the Header from sequential NetworkEndian reads.
package pcap

import (
	"net"

	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/wire"
)

// Protocol is the IPv4 protocol number.
type Protocol uint8

const (
	ProtocolICMP Protocol = 0x01
	ProtocolTCP  Protocol = 0x06
	ProtocolUDP  Protocol = 0x11
)

// Flags holds the three top bits of the combined flags/fragment-offset
// field: reserved, don't-fragment, more-fragments.
type Flags uint8

const (
	FlagReserved      Flags = 0b100
	FlagDontFragment  Flags = 0b010
	FlagMoreFragments Flags = 0b001
)

// Header is a parsed IPv4 header. Options are unsupported: ReadHeader
// rejects any IHL other than 5.
type Header struct {
	Version                      uint8
	InternetHeaderLength         uint8
	DifferentiatedServiceCodePoint uint8
	ExplicitCongestionNotification uint8
	TotalLength                  uint16
	Identification                uint16
	Flags                         Flags
	FragmentOffset                uint16
	TimeToLive                    uint8
	Protocol                      Protocol
	HeaderChecksum                uint16
	SourceAddress                 net.IP
	DestinationAddress            net.IP
}

// HeaderLen is the fixed on-wire size of a no-options IPv4 header.
const HeaderLen = 20

// ReadHeader parses a 20-byte IPv4 header from r, field by field in
// declaration order. Called directly from the capture loop for every
// packet; options beyond the fixed 20 bytes are rejected, not skipped.
func ReadHeader(r *wire.Reader) (*Header, error) {
	versionIHL, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	version := versionIHL >> 4
	if version != 4 {
		return nil, errorsx.InvalidHeaderVersion(version)
	}

	ihl := versionIHL & 0xf
	if ihl != 5 {
		return nil, errorsx.InvalidHeaderIHL(ihl)
	}

	dscpEcn, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	dscp := dscpEcn >> 2
	ecn := dscpEcn & 3

	totalLength, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	identification, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}

	flagsFragOffset, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	flags := Flags(flagsFragOffset >> 13)
	fragOffset := flagsFragOffset & 0x1fff

	ttl, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	proto, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	checksum, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	srcBytes, err := r.ReadBytes(4)
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}
	dstBytes, err := r.ReadBytes(4)
	if err != nil {
		return nil, errorsx.InvalidHeaderRead(err)
	}

	return &Header{
		Version:                        version,
		InternetHeaderLength:           ihl,
		DifferentiatedServiceCodePoint: dscp,
		ExplicitCongestionNotification: ecn,
		TotalLength:                    totalLength,
		Identification:                 identification,
		Flags:                          flags,
		FragmentOffset:                 fragOffset,
		TimeToLive:                     ttl,
		Protocol:                       Protocol(proto),
		HeaderChecksum:                 checksum,
		SourceAddress:                  net.IP(srcBytes),
		DestinationAddress:             net.IP(dstBytes),
	}, nil
}

// WriteHeader serializes h in declaration order. Used only by tests to build
// synthetic packets; the ingress itself never re-encodes captured IPv4
// headers.
func WriteHeader(w *wire.Writer, h *Header) error {
	if err := w.WriteUint8(h.Version<<4 | h.InternetHeaderLength); err != nil {
		return err
	}
	if err := w.WriteUint8(h.DifferentiatedServiceCodePoint<<2 | h.ExplicitCongestionNotification); err != nil {
		return err
	}
	if err := w.WriteUint16(wire.NetworkEndian, h.TotalLength); err != nil {
		return err
	}
	if err := w.WriteUint16(wire.NetworkEndian, h.Identification); err != nil {
		return err
	}
	if err := w.WriteUint16(wire.NetworkEndian, uint16(h.Flags)<<13|h.FragmentOffset); err != nil {
		return err
	}
	if err := w.WriteUint8(h.TimeToLive); err != nil {
		return err
	}
	if err := w.WriteUint8(uint8(h.Protocol)); err != nil {
		return err
	}
	if err := w.WriteUint16(wire.NetworkEndian, h.HeaderChecksum); err != nil {
		return err
	}
	if err := w.WriteBytes(h.SourceAddress.To4()); err != nil {
		return err
	}
	return w.WriteBytes(h.DestinationAddress.To4())
}

// PayloadLength is the number of bytes following the header: total_length
// minus the header size in bytes (internet_header_length counts 32-bit
// words, so HeaderLen for the no-options case this core supports).
func (h *Header) PayloadLength() int {
	return int(h.TotalLength) - int(h.InternetHeaderLength)*4
}
