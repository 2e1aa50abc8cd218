package tlsctx

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c, err := New(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLoadOrCreateCAIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(dir, 64)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	c2, err := New(dir, 64)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if !c1.caCert.Equal(c2.caCert) {
		t.Fatal("second load produced a different root certificate than the first")
	}
}

func TestMintLeafCarriesSNIAsCNAndSAN(t *testing.T) {
	c := newTestContext(t)
	l, err := c.mintLeaf("example.com")
	if err != nil {
		t.Fatalf("mintLeaf: %v", err)
	}
	if len(l.cert.Certificate) == 0 {
		t.Fatal("expected at least one DER certificate in the chain")
	}
	parsed, err := x509.ParseCertificate(l.cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if parsed.Subject.CommonName != "example.com" {
		t.Fatalf("expected CN example.com, got %q", parsed.Subject.CommonName)
	}
	if len(parsed.DNSNames) != 1 || parsed.DNSNames[0] != "example.com" {
		t.Fatalf("expected SAN [example.com], got %v", parsed.DNSNames)
	}
}

func TestLeafForCachesSecondLookup(t *testing.T) {
	c := newTestContext(t)
	first, err := c.leafFor("example.com")
	if err != nil {
		t.Fatalf("leafFor: %v", err)
	}
	second, err := c.leafFor("example.com")
	if err != nil {
		t.Fatalf("leafFor second call: %v", err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatal("expected cached leaf to be reused, got a freshly minted certificate")
	}
}

func TestMaybeDecryptNoopWhenDisabled(t *testing.T) {
	c := newTestContext(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cs, ss, err := c.MaybeDecrypt(context.Background(), a, b, false)
	if err != nil {
		t.Fatalf("MaybeDecrypt: %v", err)
	}
	if cs != a || ss != b {
		t.Fatal("expected the original pair unchanged when shouldDecrypt is false")
	}
}

// captureWriteConn is a net.Conn that tees every Write into buf and
// discards all Reads, just enough surface for tls.Client to emit a
// ClientHello without a real peer on the other end.
type captureWriteConn struct {
	net.Conn
	buf *bytes.Buffer
}

func (c captureWriteConn) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (captureWriteConn) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (captureWriteConn) Close() error                       { return nil }
func (captureWriteConn) SetDeadline(time.Time) error         { return nil }
func (captureWriteConn) SetReadDeadline(time.Time) error     { return nil }
func (captureWriteConn) SetWriteDeadline(time.Time) error    { return nil }

func TestPeekSNIExtractsServerName(t *testing.T) {
	var buf bytes.Buffer
	tls.Client(captureWriteConn{buf: &buf}, &tls.Config{
		ServerName:         "intercepted.example",
		InsecureSkipVerify: true,
	}).HandshakeContext(context.Background())

	if buf.Len() == 0 {
		t.Fatal("expected the client to have written a ClientHello record")
	}

	br := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	sni, err := peekSNI(br)
	if err != nil {
		t.Fatalf("peekSNI: %v", err)
	}
	if sni != "intercepted.example" {
		t.Fatalf("expected sni=intercepted.example, got %q", sni)
	}

	// Peek must not have advanced the reader past the record it inspected;
	// the same bytes are still available for the real handshake to read.
	again, err := br.Peek(5)
	if err != nil {
		t.Fatalf("record header should still be readable after peekSNI: %v", err)
	}
	if again[0] != 0x16 {
		t.Fatalf("expected a TLS handshake record byte, got %#x", again[0])
	}
}
