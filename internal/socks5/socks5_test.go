package socks5

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/skunkproxy/skunk/internal/addr"
)

func dialAndGreet(t *testing.T, srvAddr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srvAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte{ver5, 1, methodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if reply[0] != ver5 || reply[1] != methodNoAuth {
		t.Fatalf("expected no-auth selected, got %v", reply)
	}
	return conn
}

func sendConnectDomain(t *testing.T, conn net.Conn, host string, port uint16) {
	t.Helper()
	req := []byte{ver5, cmdConnect, 0x00, atypDomain, byte(len(host))}
	req = append(req, host...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	req = append(req, portBuf...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func TestAcceptDeliversDestinationAndReplies(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Incoming, 1)
	go srv.Serve(ctx, func(_ context.Context, in *Incoming) {
		received <- in
	})

	conn := dialAndGreet(t, srv.Addr().String())
	defer conn.Close()
	sendConnectDomain(t, conn, "example.com", 443)

	select {
	case in := <-received:
		if in.TcpAddress().Host() != "example.com" || in.TcpAddress().Port() != 443 {
			t.Fatalf("unexpected destination: %v", in.TcpAddress())
		}
		if _, err := in.Accept(addr.NewTcpAddressIP(net.IPv4zero, 0)); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Incoming")
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read accept reply: %v", err)
	}
	if reply[0] != ver5 || reply[1] != repSuccess {
		t.Fatalf("expected success reply, got %v", reply)
	}
}

func TestRejectClosesConnection(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Incoming, 1)
	go srv.Serve(ctx, func(_ context.Context, in *Incoming) {
		received <- in
	})

	conn := dialAndGreet(t, srv.Addr().String())
	defer conn.Close()
	sendConnectDomain(t, conn, "blocked.example", 80)

	in := <-received
	if err := in.Reject(RejectConnectionRefused); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reject reply: %v", err)
	}
	if reply[1] != byte(RejectConnectionRefused) {
		t.Fatalf("expected REP=%d, got %d", RejectConnectionRefused, reply[1])
	}
}

func TestUnsupportedCommandRespondsCommandNotSupported(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, func(context.Context, *Incoming) {})

	conn := dialAndGreet(t, srv.Addr().String())
	defer conn.Close()

	const cmdBind = 0x02
	req := []byte{ver5, cmdBind, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repCommandNotSupported {
		t.Fatalf("expected REP=0x07, got %#x", reply[1])
	}
}
