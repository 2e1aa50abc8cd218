package pcap

import (
	"io"
	"net"
	"sync"

	"github.com/zeebo/xxh3"
)

// fourTuple identifies one TCP stream; hashed with xxh3 to key the
// concurrent flow table.
type fourTuple struct {
	srcIP   [16]byte
	dstIP   [16]byte
	srcPort uint16
	dstPort uint16
}

func tupleKey(srcIP, dstIP net.IP, srcPort, dstPort uint16) uint64 {
	var t fourTuple
	copy(t.srcIP[:], srcIP.To16())
	copy(t.dstIP[:], dstIP.To16())
	t.srcPort = srcPort
	t.dstPort = dstPort

	buf := make([]byte, 0, 36)
	buf = append(buf, t.srcIP[:]...)
	buf = append(buf, t.dstIP[:]...)
	buf = append(buf, byte(t.srcPort>>8), byte(t.srcPort))
	buf = append(buf, byte(t.dstPort>>8), byte(t.dstPort))
	return xxh3.Hash(buf)
}

// reassembler folds in-order and out-of-order TCP segments for one direction
// of a stream into a contiguous byte pipe, buffering segments that arrive
// ahead of the next expected sequence number.
type reassembler struct {
	mu       sync.Mutex
	nextSeq  uint32
	started  bool
	pending  map[uint32][]byte
	pr       *io.PipeReader
	pw       *io.PipeWriter
}

func newReassembler() *reassembler {
	pr, pw := io.Pipe()
	return &reassembler{pending: make(map[uint32][]byte), pr: pr, pw: pw}
}

// init anchors the stream at isn+1 (the sequence number of the first data
// byte, per RFC 793's SYN-consumes-one-sequence-number rule).
func (r *reassembler) init(isn uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.nextSeq = isn + 1
}

// push delivers a segment's payload at seq, writing any now-contiguous run
// (this segment plus previously buffered out-of-order segments) into the
// pipe. Segments are never retransmitted by this core, so a gap simply
// buffers until filled or the flow is closed.
func (r *reassembler) push(seq uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}
	r.mu.Lock()
	if !r.started {
		r.nextSeq = seq
		r.started = true
	}
	if seq == r.nextSeq {
		r.pending[seq] = payload
		r.drainLocked()
	} else if seqGreater(seq, r.nextSeq) {
		r.pending[seq] = payload
	}
	// Segments strictly before nextSeq are stale retransmissions; dropped.
	r.mu.Unlock()
}

func (r *reassembler) drainLocked() {
	for {
		buf, ok := r.pending[r.nextSeq]
		if !ok {
			return
		}
		delete(r.pending, r.nextSeq)
		r.nextSeq += uint32(len(buf))
		// Write under the lock is intentional: the pipe writer only
		// blocks until a reader drains it, never indefinitely, and
		// serializing writes here keeps delivery order exact.
		r.pw.Write(buf)
	}
}

func (r *reassembler) closeWithError(err error) {
	r.pw.CloseWithError(err)
}

func (r *reassembler) Read(p []byte) (int, error) { return r.pr.Read(p) }

// seqGreater compares sequence numbers with 32-bit wraparound semantics.
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}
