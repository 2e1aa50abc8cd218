package pcap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/skunkproxy/skunk/internal/addr"
	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/logging"
	"github.com/skunkproxy/skunk/internal/wire"
)

// ethHeaderLen is the fixed Ethernet II header size; this ingress doesn't
// handle 802.1Q tags, matching the rest of the capture path's assumptions.
const ethHeaderLen = 14

// ListInterfaces enumerates capture-capable NICs by name.
func ListInterfaces() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, errorsx.IO("pcap.list_interfaces", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}

const (
	snaplen = 65535
	readTimeout = time.Second
)

// Incoming is a TCP stream recovered from captured traffic, handed to the
// caller once its SYN is observed and the handshake to the client has been
// completed by the virtual network itself (there is no real OS stack on
// this host to do it).
type Incoming struct {
	conn        net.Conn
	destination addr.TcpAddress
}

func (in *Incoming) TcpAddress() addr.TcpAddress { return in.destination }

// Stream returns the duplex connection: reads yield client->proxy bytes
// reassembled in order; writes are re-injected onto the wire as TCP segments
// addressed back to the client.
func (in *Incoming) Stream() net.Conn { return in.conn }

// Reset tears the virtual connection down with RST instead of a clean FIN.
// Used when the proxy never managed to establish the far side of the
// connection (a dial failure), so the client sees a failure rather than an
// orderly close it could mistake for the server ending the stream normally.
func (in *Incoming) Reset() error {
	if vc, ok := in.conn.(*virtualConn); ok {
		return vc.reset()
	}
	return in.conn.Close()
}

// Ingress owns one captured interface's virtual TCP network.
type Ingress struct {
	log    *logging.Logger
	handle *pcap.Handle
	iface  string

	flows *xsync.Map[uint64, *flowState]

	hostapd *hostapdProcess
}

type flowState struct {
	key           uint64
	clientMAC     net.HardwareAddr
	localMAC      net.HardwareAddr
	clientIP      net.IP
	localIP       net.IP
	clientPort    uint16
	localPort     uint16
	reasm         *reassembler
	writeSeq      uint32 // next sequence number the proxy will send
	writeAckOf    uint32 // last client sequence number acknowledged
	mu            sync.Mutex
}

// NewIngress opens iface for live capture. If apCountryCode is non-empty, a
// hostapd process is started first and torn down when Serve returns.
func NewIngress(iface string, apCountryCode string) (*Ingress, error) {
	handle, err := pcap.OpenLive(iface, snaplen, true, readTimeout)
	if err != nil {
		return nil, errorsx.IO("pcap.open_live", err)
	}
	if err := handle.SetBPFFilter("tcp"); err != nil {
		handle.Close()
		return nil, errorsx.IO("pcap.set_filter", err)
	}

	ing := &Ingress{
		log:    logging.New("pcap"),
		handle: handle,
		iface:  iface,
		flows:  xsync.NewMap[uint64, *flowState](),
	}

	if apCountryCode != "" {
		hp, err := startHostapd(iface, apCountryCode)
		if err != nil {
			handle.Close()
			return nil, err
		}
		ing.hostapd = hp
	}

	return ing, nil
}

// Serve runs the capture loop until ctx is cancelled, invoking onIncoming
// for each new TCP stream's SYN. It owns hostapd teardown on return: the
// capture loop runs until the shared cancellation context is done, then
// hostapd (if owned) is torn down before returning.
func (ing *Ingress) Serve(ctx context.Context, onIncoming func(context.Context, *Incoming)) error {
	defer ing.handle.Close()
	defer func() {
		if ing.hostapd != nil {
			ing.hostapd.stop()
		}
	}()

	packets := gopacket.NewPacketSource(ing.handle, ing.handle.LinkType()).Packets()
	for {
		select {
		case <-ctx.Done():
			return errorsx.ErrCancelled
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			ing.handlePacket(ctx, pkt, onIncoming)
		}
	}
}

// handlePacket decodes every captured frame through internal/wire's IPv4/TCP
// readers rather than gopacket's layer decoders; gopacket is used only to
// locate the Ethernet header (for MAC addressing) and, on the write side, to
// serialize outgoing segments with computed checksums.
func (ing *Ingress) handlePacket(ctx context.Context, pkt gopacket.Packet, onIncoming func(context.Context, *Incoming)) {
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return
	}

	raw := pkt.Data()
	if len(raw) <= ethHeaderLen {
		return
	}

	ip, err := ReadHeader(wire.NewReader(bytes.NewReader(raw[ethHeaderLen:])))
	if err != nil {
		// Not IPv4, or malformed in a way that doesn't matter here: the BPF
		// filter already restricts capture to TCP/IP traffic.
		return
	}
	if ip.Protocol != ProtocolTCP {
		return
	}
	if ip.FragmentOffset != 0 || ip.Flags&FlagMoreFragments != 0 {
		// Fragmentation reassembly is unsupported in core; drop with a
		// log line standing in for a metric counter.
		ing.log.Warn("pcap.fragment_dropped", fmt.Errorf("more-fragments or nonzero offset from %s", ip.SourceAddress))
		return
	}

	ipPayloadStart := ethHeaderLen + HeaderLen
	ipPayloadEnd := ethHeaderLen + int(ip.TotalLength)
	if ipPayloadEnd > len(raw) || ipPayloadEnd < ipPayloadStart {
		ipPayloadEnd = len(raw)
	}
	if ipPayloadStart > len(raw) {
		return
	}
	tcp, err := ReadTCPSegment(raw[ipPayloadStart:ipPayloadEnd])
	if err != nil {
		return
	}

	key := tupleKey(ip.SourceAddress, ip.DestinationAddress, tcp.SourcePort, tcp.DestinationPort)

	if tcp.Flags.Has(TCPFlagSYN) && !tcp.Flags.Has(TCPFlagACK) {
		ing.acceptSYN(ctx, eth, ip, tcp, key, onIncoming)
		return
	}

	fs, ok := ing.flows.Load(key)
	if !ok {
		return
	}

	if tcp.Flags.Has(TCPFlagRST) || tcp.Flags.Has(TCPFlagFIN) {
		fs.reasm.closeWithError(io.EOF)
		ing.flows.Delete(key)
		return
	}

	fs.mu.Lock()
	fs.writeAckOf = tcp.SeqNum + uint32(len(tcp.Payload))
	fs.mu.Unlock()
	fs.reasm.push(tcp.SeqNum, tcp.Payload)
}

func (ing *Ingress) acceptSYN(ctx context.Context, eth *layers.Ethernet, ip *Header, tcp *TCPSegment, key uint64, onIncoming func(context.Context, *Incoming)) {
	if _, exists := ing.flows.Load(key); exists {
		return
	}

	fs := &flowState{
		key:        key,
		localMAC:   eth.DstMAC,
		clientMAC:  eth.SrcMAC,
		clientIP:   ip.SourceAddress,
		localIP:    ip.DestinationAddress,
		clientPort: tcp.SourcePort,
		localPort:  tcp.DestinationPort,
		reasm:      newReassembler(),
		writeSeq:   1,
		writeAckOf: tcp.SeqNum + 1,
	}
	fs.reasm.init(tcp.SeqNum)
	ing.flows.Store(key, fs)

	if err := ing.sendSynAck(fs); err != nil {
		ing.log.Warn("pcap.synack", err)
		ing.flows.Delete(key)
		return
	}

	vc := &virtualConn{ing: ing, fs: fs}
	in := &Incoming{
		conn:        vc,
		destination: addr.NewTcpAddressIP(fs.localIP, fs.localPort),
	}
	onIncoming(ctx, in)
}

func (ing *Ingress) sendSynAck(fs *flowState) error {
	return ing.sendSegment(fs, layers.TCP{SYN: true, ACK: true}, nil)
}

// sendSegment crafts and transmits one TCP segment from the proxy back to
// the client, using gopacket/layers to serialize Ethernet/IPv4/TCP with
// checksums computed for us rather than hand-rolled.
func (ing *Ingress) sendSegment(fs *flowState, tmpl layers.TCP, payload []byte) error {
	fs.mu.Lock()
	seq := fs.writeSeq
	ack := fs.writeAckOf
	fs.mu.Unlock()

	eth := &layers.Ethernet{
		SrcMAC:       fs.localMAC,
		DstMAC:       fs.clientMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    fs.localIP,
		DstIP:    fs.clientIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(fs.localPort),
		DstPort: layers.TCPPort(fs.clientPort),
		Seq:     seq,
		Ack:     ack,
		SYN:     tmpl.SYN,
		ACK:     tmpl.ACK,
		FIN:     tmpl.FIN,
		RST:     tmpl.RST,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return errorsx.IO("pcap.serialize_segment", err)
	}
	if err := ing.handle.WritePacketData(buf.Bytes()); err != nil {
		return errorsx.IO("pcap.write_segment", err)
	}

	advance := uint32(len(payload))
	if tmpl.SYN || tmpl.FIN {
		advance++
	}
	fs.mu.Lock()
	fs.writeSeq += advance
	fs.mu.Unlock()
	return nil
}

// virtualConn implements net.Conn over one flowState: Read drains the
// reassembled inbound byte stream, Write re-injects outbound segments.
type virtualConn struct {
	ing *Ingress
	fs  *flowState
}

func (c *virtualConn) Read(p []byte) (int, error) { return c.fs.reasm.Read(p) }

func (c *virtualConn) Write(p []byte) (int, error) {
	const maxSegment = 1400
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxSegment {
			chunk = chunk[:maxSegment]
		}
		if err := c.ing.sendSegment(c.fs, layers.TCP{ACK: true}, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (c *virtualConn) Close() error {
	err := c.ing.sendSegment(c.fs, layers.TCP{FIN: true, ACK: true}, nil)
	c.ing.flows.Delete(c.fs.key)
	c.fs.reasm.closeWithError(io.EOF)
	return err
}

// reset tears the flow down with RST rather than FIN/ACK.
func (c *virtualConn) reset() error {
	err := c.ing.sendSegment(c.fs, layers.TCP{RST: true}, nil)
	c.ing.flows.Delete(c.fs.key)
	c.fs.reasm.closeWithError(io.EOF)
	return err
}

func (c *virtualConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: c.fs.localIP, Port: int(c.fs.localPort)}
}
func (c *virtualConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: c.fs.clientIP, Port: int(c.fs.clientPort)}
}
func (c *virtualConn) SetDeadline(time.Time) error      { return nil }
func (c *virtualConn) SetReadDeadline(time.Time) error  { return nil }
func (c *virtualConn) SetWriteDeadline(time.Time) error { return nil }
