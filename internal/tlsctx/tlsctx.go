// Package tlsctx implements the TLS context: root CA lifecycle, SNI-driven
// leaf certificate minting with single-flight deduplication and an LRU
// cache, and the client/server TLS configs used to terminate both legs of
// an intercepted connection. Grounded on the GetConfigForClient/ClientHello
// dance in other_examples' mitmproxy attacker.go and the SNI-peek-without-
// consuming pattern in other_examples' tcpproxy sni.go. Concurrent mint
// requests for the same SNI are coalesced through xsync.Map's LoadOrStore of
// an in-flight completion channel so only one certificate is generated per
// host, the same in-flight-request
// coalescing shape used elsewhere in this codebase for dial deduplication.
package tlsctx

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/logging"
)

const (
	leafSkew     = 5 * time.Minute
	leafValidity = 24 * time.Hour
	caValidity   = 10 * 365 * 24 * time.Hour

	caCertFile = "ca_cert.pem"
	caKeyFile  = "ca_key.pem"
)

// Kind enumerates the TLS failure modes named in the TLS context spec.
type Kind int

const (
	ServerHandshake Kind = iota
	ClientHandshake
	SniAbsent
	MintFailed
)

func (k Kind) String() string {
	switch k {
	case ServerHandshake:
		return "server_handshake"
	case ClientHandshake:
		return "client_handshake"
	case SniAbsent:
		return "sni_absent"
	case MintFailed:
		return "mint_failed"
	default:
		return "unknown"
	}
}

// Error wraps a TLS failure with its Kind, mirroring errorsx's {Kind,Op,Cause}
// shape for the TLS-specific failure taxonomy.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tls: %s: %s: %v", e.Kind, e.Op, e.Cause)
	}
	return fmt.Sprintf("tls: %s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

type leaf struct {
	cert     tls.Certificate
	notAfter time.Time
}

// Context is the single-process root CA plus leaf-certificate cache. It is
// safe for concurrent use.
type Context struct {
	log *logging.Logger

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	cache  otter.Cache[string, *leaf]
	minting *xsync.Map[string, chan struct{}]

	clientConfig *tls.Config
}

// New loads the root CA from dir, generating and persisting one if
// ca_cert.pem or ca_key.pem is missing. capacity bounds the leaf cache.
func New(dir string, capacity int) (*Context, error) {
	cert, key, err := loadOrCreateCA(dir)
	if err != nil {
		return nil, err
	}

	cache, err := otter.MustBuilder[string, *leaf](capacity).Build()
	if err != nil {
		return nil, errorsx.TLS("tlsctx.New", "leaf cache build failed", err)
	}

	return &Context{
		log:     logging.New("tlsctx"),
		caCert:  cert,
		caKey:   key,
		cache:   cache,
		minting: xsync.NewMap[string, chan struct{}](),
		clientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}

// RootCertPEM returns the PEM-encoded root certificate, for distribution to
// clients that need to trust it.
func (c *Context) RootCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.caCert.Raw})
}

// MaybeDecrypt optionally terminates TLS on both legs of a connection pair:
// if shouldDecrypt is false the pair is returned unchanged. Otherwise it
// peeks the SNI off incoming without
// consuming it, mints or fetches the matching leaf, and completes both TLS
// handshakes — client-side toward incoming, server-side toward outgoing.
func (c *Context) MaybeDecrypt(ctx context.Context, incoming, outgoing net.Conn, shouldDecrypt bool) (clientSide, serverSide net.Conn, err error) {
	if !shouldDecrypt {
		return incoming, outgoing, nil
	}

	br := bufio.NewReader(incoming)
	sni, err := peekSNI(br)
	if err != nil {
		return nil, nil, newErr(SniAbsent, "peek_sni", err)
	}

	cert, err := c.leafFor(sni)
	if err != nil {
		return nil, nil, newErr(MintFailed, "mint", err)
	}

	peeked := &prefetchedConn{Conn: incoming, r: br}

	serverConn := tls.Client(outgoing, &tls.Config{
		ServerName: sni,
		RootCAs:    c.clientConfig.RootCAs,
		MinVersion: tls.VersionTLS12,
	})
	if err := serverConn.HandshakeContext(ctx); err != nil {
		return nil, nil, newErr(ClientHandshake, "dial_upstream", err)
	}

	clientConn := tls.Server(peeked, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cert},
		NextProtos:   filterH2(serverConn.ConnectionState().NegotiatedProtocol),
	})
	if err := clientConn.HandshakeContext(ctx); err != nil {
		serverConn.Close()
		return nil, nil, newErr(ServerHandshake, "accept_client", err)
	}

	return clientConn, serverConn, nil
}

// filterH2 strips h2 from the ALPN offered to the client: HTTP/2 is not
// intercepted, so a connection that negotiated h2 upstream falls back to
// HTTP/1.1 with the client instead of propagating h2, which the proxy
// cannot speak on the intercepted leg.
func filterH2(negotiated string) []string {
	if negotiated == "h2" {
		return []string{"http/1.1"}
	}
	if negotiated == "" {
		return nil
	}
	return []string{negotiated}
}

// leafFor returns the cached leaf for sni, minting one with single-flight
// deduplication if absent or past its renewal window.
func (c *Context) leafFor(sni string) (*tls.Certificate, error) {
	if l, ok := c.cache.Get(sni); ok && time.Now().Before(l.notAfter.Add(-leafSkew)) {
		return &l.cert, nil
	}

	done := make(chan struct{})
	ch, loaded := c.minting.LoadOrStore(sni, done)
	if loaded {
		<-ch
		if l, ok := c.cache.Get(sni); ok {
			return &l.cert, nil
		}
		return nil, fmt.Errorf("mint for %s failed in another goroutine", sni)
	}

	defer func() {
		c.minting.Delete(sni)
		close(done)
	}()

	l, err := c.mintLeaf(sni)
	if err != nil {
		// Mint failures poison the cache entry only for the mint's
		// duration; nothing is stored on failure, so the next caller
		// retries from scratch.
		return nil, err
	}
	c.cache.Set(sni, l)
	return &l.cert, nil
}

func (c *Context) mintLeaf(sni string) (*leaf, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notBefore := now.Add(-leafSkew)
	notAfter := now.Add(leafValidity)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: sni},
		DNSNames:     []string{sni},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.caCert, &key.PublicKey, c.caKey)
	if err != nil {
		return nil, err
	}

	c.log.Printf("minted leaf cert sni=%s not_after=%s", sni, notAfter.Format(time.RFC3339))

	return &leaf{
		cert: tls.Certificate{
			Certificate: [][]byte{der, c.caCert.Raw},
			PrivateKey:  key,
		},
		notAfter: notAfter,
	}, nil
}

func loadOrCreateCA(dir string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		cert, key, err := parseCA(certPEM, keyPEM)
		if err == nil {
			return cert, key, nil
		}
		// Fall through and regenerate on a corrupt on-disk pair rather
		// than fail startup permanently.
	}

	cert, key, certPEMOut, keyPEMOut, err := generateCA()
	if err != nil {
		return nil, nil, errorsx.TLS("generate_root_ca", "", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, errorsx.IO("mkdir_ca_dir", err)
	}
	if err := os.WriteFile(certPath, certPEMOut, 0o644); err != nil {
		return nil, nil, errorsx.IO("write_ca_cert", err)
	}
	if err := os.WriteFile(keyPath, keyPEMOut, 0o600); err != nil {
		return nil, nil, errorsx.IO("write_ca_key", err)
	}

	return cert, key, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "skunk intercepting proxy CA"},
		NotBefore:             now.Add(-leafSkew),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return cert, key, certPEM, keyPEM, nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", caCertFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", caKeyFile)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	return cert, key, nil
}

// peekSNI reads the ClientHello's record header and body off br via Peek,
// leaving the bytes in br's buffer for the later real handshake to consume.
// Grounded on other_examples' tcpproxy ReadClientHelloInfo: a bufio.Peek
// followed by a throwaway tls.Server handshake against a read-only fake conn
// whose only purpose is to trigger GetConfigForClient with the parsed hello.
func peekSNI(br *bufio.Reader) (string, error) {
	const recordHeaderLen = 5
	hdr, err := br.Peek(recordHeaderLen)
	if err != nil {
		return "", err
	}
	const recordTypeHandshake = 0x16
	if hdr[0] != recordTypeHandshake {
		return "", fmt.Errorf("not a TLS handshake record")
	}
	recLen := int(hdr[3])<<8 | int(hdr[4])
	record, err := br.Peek(recordHeaderLen + recLen)
	if err != nil {
		return "", err
	}

	var hello *tls.ClientHelloInfo
	tls.Server(sniffConn{r: bytes.NewReader(record)}, &tls.Config{
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			hello = chi
			return nil, fmt.Errorf("sni peeked")
		},
	}).Handshake()

	if hello == nil || hello.ServerName == "" {
		return "", fmt.Errorf("ClientHello carried no SNI")
	}
	return hello.ServerName, nil
}

type sniffConn struct {
	r io.Reader
	net.Conn
}

func (c sniffConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (sniffConn) Write(p []byte) (int, error)   { return 0, io.EOF }
func (sniffConn) Close() error                  { return nil }
func (sniffConn) SetDeadline(time.Time) error    { return nil }
func (sniffConn) SetReadDeadline(time.Time) error  { return nil }
func (sniffConn) SetWriteDeadline(time.Time) error { return nil }

// prefetchedConn wraps the original connection so the bufio.Reader used to
// peek the SNI is consulted first, then falls through to incoming directly
// once its buffered bytes are exhausted.
type prefetchedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefetchedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
