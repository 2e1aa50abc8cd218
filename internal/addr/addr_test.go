package addr

import "testing"

func TestParseTcpAddressRoundTrip(t *testing.T) {
	a, err := ParseTcpAddress("example.com:443")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Host() != "example.com" || a.Port() != 443 {
		t.Fatalf("got host=%q port=%d", a.Host(), a.Port())
	}
	if !a.IsDomain() {
		t.Fatalf("expected domain address")
	}
}

func TestTcpAddressEqualIsStructural(t *testing.T) {
	a, _ := ParseTcpAddress("example.com:443")
	b, _ := ParseTcpAddress("example.com:443")
	c, _ := ParseTcpAddress("other.com:443")

	if !a.Equal(b) {
		t.Fatalf("expected equal addresses")
	}
	if a.Equal(c) {
		t.Fatalf("expected distinct addresses")
	}
}

func TestTcpAddressAsMapKey(t *testing.T) {
	a, _ := ParseTcpAddress("example.com:443")
	set := map[TcpAddress]bool{a: true}
	b, _ := ParseTcpAddress("example.com:443")
	if !set[b] {
		t.Fatalf("expected TcpAddress to be usable as a map key")
	}
}
