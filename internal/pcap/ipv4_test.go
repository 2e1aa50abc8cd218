package pcap

import (
	"bytes"
	"net"
	"testing"

	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/wire"
)

func sampleHeader() *Header {
	return &Header{
		Version:              4,
		InternetHeaderLength: 5,
		TotalLength:          40,
		Identification:       0xBEEF,
		Flags:                FlagDontFragment,
		TimeToLive:           64,
		Protocol:             ProtocolTCP,
		HeaderChecksum:       0x1234,
		SourceAddress:        net.IPv4(10, 0, 0, 1),
		DestinationAddress:   net.IPv4(93, 184, 216, 34),
	}
}

func TestWriteThenReadHeaderRoundTrips(t *testing.T) {
	h := sampleHeader()
	var buf bytes.Buffer
	if err := WriteHeader(wire.NewWriter(&buf), h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if buf.Len() != HeaderLen {
		t.Fatalf("expected %d bytes, got %d", HeaderLen, buf.Len())
	}

	got, err := ReadHeader(wire.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got.Version != 4 || got.InternetHeaderLength != 5 {
		t.Fatalf("unexpected version/ihl: %+v", got)
	}
	if got.Protocol != ProtocolTCP {
		t.Fatalf("expected TCP protocol, got %v", got.Protocol)
	}
	if !got.SourceAddress.Equal(h.SourceAddress) || !got.DestinationAddress.Equal(h.DestinationAddress) {
		t.Fatalf("address mismatch: %+v", got)
	}
	if got.Flags&FlagDontFragment == 0 {
		t.Fatal("expected DontFragment flag preserved")
	}
}

func TestReadHeaderRejectsNonIPv4Version(t *testing.T) {
	h := sampleHeader()
	h.Version = 6
	var buf bytes.Buffer
	WriteHeader(wire.NewWriter(&buf), h)

	_, err := ReadHeader(wire.NewReader(&buf))
	if err == nil {
		t.Fatal("expected error for non-v4 header")
	}
	var e *errorsx.Error
	if !asErrorsx(err, &e) || e.Kind != errorsx.KindInvalidHeader {
		t.Fatalf("expected KindInvalidHeader, got %v", err)
	}
}

func TestReadHeaderRejectsNonStandardIHL(t *testing.T) {
	h := sampleHeader()
	h.InternetHeaderLength = 6
	var buf bytes.Buffer
	WriteHeader(wire.NewWriter(&buf), h)

	_, err := ReadHeader(wire.NewReader(&buf))
	if err == nil {
		t.Fatal("expected error for options-bearing header")
	}
}

func TestPayloadLength(t *testing.T) {
	h := sampleHeader()
	h.TotalLength = 60
	if got := h.PayloadLength(); got != 40 {
		t.Fatalf("expected payload length 40, got %d", got)
	}
}

func asErrorsx(err error, target **errorsx.Error) bool {
	e, ok := err.(*errorsx.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
