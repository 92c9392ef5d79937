package tcp

import "sort"

// segment is one received out-of-order run, keyed by its starting sequence
// number (absolute, not modulo 2^32 — callers normalize before inserting).
type segment struct {
	seq  uint64
	data []byte
}

func (s segment) end() uint64 { return s.seq + uint64(len(s.data)) }

// recvBuffer reassembles an incoming byte stream from segments that may
// arrive out of order or overlapping, exposing only the contiguous prefix
// starting at nxt, per §4.4 ("reassembly ring buffer ... contiguous-prefix
// only readable"). Writes strictly below nxt are silently ignored (Open
// Question O-3 resolved in favor of the simpler, idempotent-retransmit
// semantics: duplicate/old data is dropped rather than erroring).
type recvBuffer struct {
	nxt       uint64 // next sequence number expected / already delivered up to
	ready     []byte // contiguous bytes available to Read, ending at nxt
	delivered uint64 // seq at which ready[0] begins
	oo        []segment
	cap       int // total bytes (ready + held out-of-order) this buffer will admit
}

func newRecvBuffer(isn uint64, capacity int) *recvBuffer {
	return &recvBuffer{nxt: isn, delivered: isn, cap: capacity}
}

// Nxt returns RCV.NXT, the next sequence number expected.
func (b *recvBuffer) Nxt() uint64 { return b.nxt }

// Window reports how much new data (starting at nxt) the buffer can still
// admit before reassembly backs up, for the advertised receive window.
func (b *recvBuffer) Window() int {
	used := len(b.ready)
	for _, s := range b.oo {
		used += len(s.data)
	}
	w := b.cap - used
	if w < 0 {
		return 0
	}
	return w
}

// Insert admits a segment at absolute sequence seq. It returns how many
// bytes advanced RCV.NXT (possibly 0, if the segment was out of order or
// entirely old/duplicate).
func (b *recvBuffer) Insert(seq uint64, data []byte) int {
	if len(data) == 0 {
		return 0
	}
	end := seq + uint64(len(data))
	if end <= b.nxt {
		return 0 // entirely old/duplicate
	}
	if seq < b.nxt {
		data = data[b.nxt-seq:]
		seq = b.nxt
	}
	b.oo = append(b.oo, segment{seq: seq, data: data})
	sort.Slice(b.oo, func(i, j int) bool { return b.oo[i].seq < b.oo[j].seq })

	merged := b.oo[:0]
	for _, s := range b.oo {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if s.seq <= last.end() {
				if s.end() > last.end() {
					last.data = append(last.data, s.data[last.end()-s.seq:]...)
				}
				continue
			}
		}
		merged = append(merged, s)
	}
	b.oo = merged

	advanced := 0
	for len(b.oo) > 0 && b.oo[0].seq == b.nxt {
		s := b.oo[0]
		b.ready = append(b.ready, s.data...)
		b.nxt += uint64(len(s.data))
		advanced += len(s.data)
		b.oo = b.oo[1:]
	}
	return advanced
}

// Read drains up to len(p) contiguous bytes, returning how many were copied.
func (b *recvBuffer) Read(p []byte) int {
	n := copy(p, b.ready)
	b.ready = b.ready[n:]
	b.delivered += uint64(n)
	return n
}

// Readable reports how many bytes are available via Read.
func (b *recvBuffer) Readable() int { return len(b.ready) }

// sendBuffer is the outgoing byte ring: bytes are appended by the writer and
// released once acknowledged, per §4.4's send-buffer-ring description.
type sendBuffer struct {
	buf   []byte
	una   uint64 // SND.UNA: sequence of buf[0]
	nxt   uint64 // SND.NXT: sequence of the first byte not yet sent
	cap   int
}

func newSendBuffer(iss uint64, capacity int) *sendBuffer {
	return &sendBuffer{una: iss, nxt: iss, cap: capacity}
}

func (b *sendBuffer) Una() uint64 { return b.una }
func (b *sendBuffer) Nxt() uint64 { return b.nxt }

// Writable reports remaining capacity for the caller's write() call.
func (b *sendBuffer) Writable() int {
	w := b.cap - len(b.buf)
	if w < 0 {
		return 0
	}
	return w
}

// Write appends application data to the end of the buffer, to be sent as
// window/cwnd allow.
func (b *sendBuffer) Write(p []byte) int {
	n := b.Writable()
	if n > len(p) {
		n = len(p)
	}
	b.buf = append(b.buf, p[:n]...)
	return n
}

// Unsent returns bytes between SND.NXT and the end of the buffer, up to max
// bytes, for constructing the next outgoing segment.
func (b *sendBuffer) Unsent(max int) []byte {
	off := int(b.nxt - b.una)
	if off >= len(b.buf) {
		return nil
	}
	end := off + max
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[off:end]
}

// Sent advances SND.NXT after n bytes starting at the current NXT were put
// on the wire.
func (b *sendBuffer) Sent(n int) { b.nxt += uint64(n) }

// Ack releases acknowledged prefix bytes up to (not including) ack, trimming
// the retransmit-eligible portion of buf. Returns false if ack is not in the
// acceptable range [una, nxt]. ack may cover sequence numbers consumed by
// SYN/FIN that were never placed in buf, so the buffer trim is clamped to
// len(buf) while una still advances by the full acknowledged amount.
func (b *sendBuffer) Ack(ack uint64) bool {
	if ack < b.una || ack > b.nxt {
		return false
	}
	n := int(ack - b.una)
	if n > len(b.buf) {
		n = len(b.buf)
	}
	b.buf = b.buf[n:]
	b.una = ack
	return true
}

// Pending reports bytes sent but not yet acknowledged (in flight).
func (b *sendBuffer) Pending() int { return int(b.nxt - b.una) }
