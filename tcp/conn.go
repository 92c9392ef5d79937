package tcp

import (
	"errors"
	"math/rand"
	"time"

	"go.netsim.dev/hoststack/hosterr"
)

// State is a TCP connection state per RFC 793 §3.2, plus the two
// half-close-handling extras (FinWait2, Closing) the same diagram names.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Listen:
		return "Listen"
	case SynSent:
		return "SynSent"
	case SynRcvd:
		return "SynRcvd"
	case Established:
		return "Established"
	case FinWait1:
		return "FinWait1"
	case FinWait2:
		return "FinWait2"
	case CloseWait:
		return "CloseWait"
	case Closing:
		return "Closing"
	case LastAck:
		return "LastAck"
	case TimeWait:
		return "TimeWait"
	default:
		return "?"
	}
}

const (
	DefaultMSS       = 1460
	maxSynRetries    = 3
	synRetryInterval = 15 * time.Second
	msl              = 2 * time.Minute
	initialRTO       = time.Second
	maxRTO           = 60 * time.Second
	dupAckThreshold  = 3
)

// Segment is an inbound TCP segment handed to Conn.Input, already demuxed to
// this connection by the socket/hostctx layer.
type Segment struct {
	Header  Header
	Payload []byte
	Now     time.Time
}

// Output is an outgoing segment the state machine wants sent, returned from
// the various Conn methods rather than written directly, so callers (tests,
// hostctx) control the actual transmission.
type Output struct {
	Header  Header
	Payload []byte
}

// TimerKind distinguishes the different deadlines a Conn can be waiting on,
// for callers driving Conn off a single timer.Wheel per §4.4/§7.
type TimerKind int

const (
	TimerNone TimerKind = iota
	TimerRetransmit
	TimerTimeWait
	TimerSynRetry
)

// congestion holds the sender-side congestion state (RFC 5681): slow start
// below ssthresh, congestion avoidance above it, and a 3-dup-ACK window
// adjustment (ssthresh halved, cwnd inflated). No segment is retransmitted
// on duplicate ACKs; retransmission happens only through RetransmitDue.
type congestion struct {
	cwnd       int
	ssthresh   int
	dupAcks    int
	inRecovery bool
}

func newCongestion(mss int) congestion {
	return congestion{cwnd: mss, ssthresh: 65535}
}

func (c *congestion) onNewAck(ackedBytes, mss int) {
	c.dupAcks = 0
	c.inRecovery = false
	if c.cwnd < c.ssthresh {
		c.cwnd += mss // slow start: +1 MSS per ACK
	} else {
		c.cwnd += mss * mss / c.cwnd // congestion avoidance: ~+1 MSS per RTT
	}
}

// onDupAck records a duplicate ACK and reports whether fast retransmit
// should fire now (exactly at the threshold, once per loss event).
func (c *congestion) onDupAck(mss int) bool {
	c.dupAcks++
	if c.dupAcks == dupAckThreshold && !c.inRecovery {
		c.ssthresh = c.cwnd / 2
		if c.ssthresh < mss {
			c.ssthresh = mss
		}
		c.cwnd = c.ssthresh + dupAckThreshold*mss
		c.inRecovery = true
		return true
	}
	if c.inRecovery {
		c.cwnd += mss
	}
	return false
}

func (c *congestion) onRTOExpired(mss int) {
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < mss {
		c.ssthresh = mss
	}
	c.cwnd = mss
	c.dupAcks = 0
	c.inRecovery = false
}

// Conn is one TCP connection's state machine plus its send/receive
// sequence variables and buffers. It is not safe for concurrent use from
// multiple goroutines; callers serialize access the way hostctx serializes
// per-host event processing (§1.1).
type Conn struct {
	state State

	localMSS, remoteMSS int
	iss, irs            uint64 // initial send/receive sequence numbers
	snd                 *sendBuffer
	rcv                 *recvBuffer
	cong                congestion

	sndWnd uint32 // last window advertised by the peer

	rto         time.Duration
	synRetries  int
	retransmits int

	finSent, finAcked bool
	finRecvd          bool

	timeWaitDeadline time.Time

	// pendingErr is a hard error delivered asynchronously (an ICMP
	// destination-unreachable whose embedded quad matched this connection,
	// per §4.4's ICMP coupling), returned to the application by the next
	// Read; Write does not report it.
	pendingErr error

	rng *rand.Rand
}

// NewActive creates a Conn in Closed, about to send the active-open SYN
// (OpenActive builds that SYN and enters SynSent).
func NewActive(now time.Time, seed int64) *Conn {
	c := &Conn{state: Closed, localMSS: DefaultMSS, rto: initialRTO, rng: rand.New(rand.NewSource(seed))}
	c.iss = uint64(c.rng.Uint32())
	c.snd = newSendBuffer(c.iss, 65536)
	return c
}

// NewPassive creates a Conn in Listen, waiting for an inbound SYN.
func NewPassive(seed int64) *Conn {
	c := &Conn{state: Listen, localMSS: DefaultMSS, rto: initialRTO, rng: rand.New(rand.NewSource(seed))}
	c.iss = uint64(c.rng.Uint32())
	return c
}

func (c *Conn) State() State { return c.state }

// RcvNxt reports RCV.NXT, the next sequence number expected from the peer,
// for callers (tests, hostctx) that need to reason about acceptability
// without duplicating the state machine's bookkeeping.
func (c *Conn) RcvNxt() uint64 { return c.rcv.Nxt() }

// OpenActive produces the initial SYN segment and transitions to SynSent.
// The SYN occupies one sequence number, so SND.NXT advances past ISS
// immediately (RFC 793 §3.3).
func (c *Conn) OpenActive() Output {
	c.state = SynSent
	c.snd.Sent(1)
	return Output{Header: Header{
		Seq:   uint32(c.iss),
		Flags: FlagSYN,
		Opts:  Options{HasMSS: true, MSS: uint16(c.localMSS)},
	}}
}

// acceptable implements the RFC 793 §3.3 segment-acceptability test for the
// four length/window combinations.
func acceptable(segLen int, seq, rcvNxt uint64, rcvWnd uint32) bool {
	switch {
	case segLen == 0 && rcvWnd == 0:
		return seq == rcvNxt
	case segLen == 0 && rcvWnd > 0:
		return seq >= rcvNxt && seq < rcvNxt+uint64(rcvWnd)
	case segLen > 0 && rcvWnd == 0:
		return false
	default:
		end := seq + uint64(segLen) - 1
		return (seq >= rcvNxt && seq < rcvNxt+uint64(rcvWnd)) ||
			(end >= rcvNxt && end < rcvNxt+uint64(rcvWnd))
	}
}

// Input feeds one inbound segment through the state machine, returning any
// segments to transmit in response and a timer directive. RST handling
// follows the state-specific rules in §4.4: in Listen/SynSent a non-matching
// segment is simply discarded (not connection-ending); elsewhere an
// acceptable RST aborts the connection with ConnectionReset.
func (c *Conn) Input(seg Segment) ([]Output, TimerKind, error) {
	h := seg.Header
	switch c.state {
	case Closed:
		return nil, TimerNone, hosterr.New("tcp.Input", hosterr.NotConnected)

	case Listen:
		if h.Has(FlagRST) {
			return nil, TimerNone, nil
		}
		if h.Has(FlagACK) {
			return []Output{c.rst(h.Ack)}, TimerNone, nil
		}
		if !h.Has(FlagSYN) {
			return nil, TimerNone, nil
		}
		c.irs = uint64(h.Seq)
		c.remoteMSS = DefaultMSS
		if h.Opts.HasMSS {
			c.remoteMSS = int(h.Opts.MSS)
		}
		c.rcv = newRecvBuffer(c.irs+1, 65536)
		c.snd = newSendBuffer(c.iss, 65536)
		c.snd.Sent(1) // our SYN occupies one sequence number
		c.cong = newCongestion(c.effectiveMSS())
		c.sndWnd = uint32(h.Window)
		c.state = SynRcvd
		return []Output{{Header: Header{
			Seq: uint32(c.iss), Ack: uint32(c.rcv.Nxt()),
			Window: uint16(min(c.rcv.Window(), 0xffff)),
			Flags:  FlagSYN | FlagACK,
			Opts:   Options{HasMSS: true, MSS: uint16(c.localMSS)},
		}}}, TimerRetransmit, nil

	case SynSent:
		if h.Has(FlagACK) && (uint64(h.Ack) <= c.iss || uint64(h.Ack) > c.snd.Nxt()) {
			if h.Has(FlagRST) {
				return nil, TimerNone, nil
			}
			return []Output{c.rst(h.Ack)}, TimerNone, nil
		}
		if h.Has(FlagRST) {
			if h.Has(FlagACK) {
				c.state = Closed
				return nil, TimerNone, hosterr.New("tcp.Input", hosterr.ConnectionReset)
			}
			return nil, TimerNone, nil
		}
		if !h.Has(FlagSYN) {
			return nil, TimerNone, nil
		}
		c.irs = uint64(h.Seq)
		c.remoteMSS = DefaultMSS
		if h.Opts.HasMSS {
			c.remoteMSS = int(h.Opts.MSS)
		}
		c.rcv = newRecvBuffer(c.irs+1, 65536)
		c.cong = newCongestion(c.effectiveMSS())
		c.sndWnd = uint32(h.Window)
		if h.Has(FlagACK) {
			c.snd.Ack(uint64(h.Ack))
			c.state = Established
			return []Output{{Header: Header{
				Seq: uint32(c.snd.Nxt()), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
				Window: uint16(min(c.rcv.Window(), 0xffff)),
			}}}, TimerNone, nil
		}
		// simultaneous open
		c.state = SynRcvd
		return []Output{{Header: Header{
			Seq: uint32(c.iss), Ack: uint32(c.rcv.Nxt()), Flags: FlagSYN | FlagACK,
			Window: uint16(min(c.rcv.Window(), 0xffff)),
		}}}, TimerRetransmit, nil

	default:
		return c.inputEstablished(seg)
	}
}

// effectiveMSS is the smaller of what each side offered.
func (c *Conn) effectiveMSS() int {
	if c.remoteMSS > 0 && c.remoteMSS < c.localMSS {
		return c.remoteMSS
	}
	return c.localMSS
}

func (c *Conn) rst(ack uint32) Output {
	return Output{Header: Header{Seq: ack, Flags: FlagRST}}
}

// inputEstablished handles every post-handshake state: acceptability check,
// RST abort, data delivery/ACK, congestion bookkeeping, and FIN sequencing.
func (c *Conn) inputEstablished(seg Segment) ([]Output, TimerKind, error) {
	h := seg.Header
	segLen := len(seg.Payload)
	if h.Has(FlagSYN) && !h.Has(FlagRST) {
		return []Output{c.rst(h.Ack)}, TimerNone, nil
	}
	if !acceptable(segLen, uint64(h.Seq), c.rcv.Nxt(), uint32(c.rcv.Window())) {
		if h.Has(FlagRST) {
			return nil, TimerNone, nil
		}
		return []Output{{Header: Header{
			Seq: uint32(c.snd.Nxt()), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
		}}}, TimerNone, nil
	}
	if h.Has(FlagRST) {
		// RFC 5961 §3.2: an RST merely inside the window, but not exactly at
		// RCV.NXT, only elicits a challenge ACK rather than tearing down the
		// connection outright — guards against off-path blind resets.
		if uint64(h.Seq) != c.rcv.Nxt() {
			return []Output{{Header: Header{
				Seq: uint32(c.snd.Nxt()), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
			}}}, TimerNone, nil
		}
		closingState := c.state == Closing || c.state == TimeWait || c.state == LastAck
		c.state = Closed
		if closingState {
			return nil, TimerNone, nil
		}
		return nil, TimerNone, hosterr.New("tcp.Input", hosterr.ConnectionReset)
	}

	var out []Output
	timer := TimerNone

	if h.Has(FlagACK) {
		c.handleAck(h)
		switch c.state {
		case SynRcvd:
			c.state = Established
		case FinWait1:
			if c.finAcked {
				c.state = FinWait2
			}
		case Closing:
			if c.finAcked {
				c.state = TimeWait
				c.timeWaitDeadline = seg.Now.Add(msl * 2)
				timer = TimerTimeWait
			}
		case LastAck:
			if c.finAcked {
				c.state = Closed
				return nil, TimerNone, nil
			}
		}
	}

	if segLen > 0 {
		c.rcv.Insert(uint64(h.Seq), seg.Payload)
		out = append(out, Output{Header: Header{
			Seq: uint32(c.snd.Nxt()), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
		}})
	}

	if h.Has(FlagFIN) {
		c.finRecvd = true
		c.rcv.nxt++ // FIN consumes one sequence number
		out = append(out, Output{Header: Header{
			Seq: uint32(c.snd.Nxt()), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
		}})
		switch c.state {
		case Established:
			c.state = CloseWait
		case FinWait1:
			if c.finAcked {
				c.state = TimeWait
				c.timeWaitDeadline = seg.Now.Add(msl * 2)
				timer = TimerTimeWait
			} else {
				c.state = Closing
			}
		case FinWait2:
			c.state = TimeWait
			c.timeWaitDeadline = seg.Now.Add(msl * 2)
			timer = TimerTimeWait
		}
	}

	return out, timer, nil
}

// handleAck applies an ACK to the send side: releases acknowledged bytes,
// updates congestion state (new-ACK growth, dup-ACK window adjustment; the
// dup-ACK path sends nothing), and notes whether our own FIN has now been
// acknowledged.
func (c *Conn) handleAck(h Header) {
	ack := uint64(h.Ack)
	c.sndWnd = uint32(h.Window)
	if ack == c.snd.Una() && c.snd.Pending() > 0 {
		c.cong.onDupAck(c.effectiveMSS())
		return
	}
	if !c.snd.Ack(ack) {
		return
	}
	finSeq := c.snd.Una() // placeholder; exact tracking below
	_ = finSeq
	if c.finSent && ack == c.expectedFinAck() {
		c.finAcked = true
	}
	c.cong.onNewAck(0, c.effectiveMSS())
	c.retransmits = 0
	c.rto = initialRTO
}

// expectedFinAck is the ACK number that acknowledges our FIN. Close already
// advances SND.NXT past the FIN's own sequence number, so that's the value
// the peer must echo back.
func (c *Conn) expectedFinAck() uint64 { return c.snd.Nxt() }

// Write queues application data for transmission and returns the bytes it
// could fit, plus any segment ready to send immediately within the window.
func (c *Conn) Write(p []byte) (int, *Output) {
	if c.state != Established && c.state != CloseWait {
		return 0, nil
	}
	n := c.snd.Write(p)
	return n, c.pump()
}

// pump builds one outgoing data segment from whatever's unsent, bounded by
// the peer's advertised window and our congestion window.
func (c *Conn) pump() *Output {
	allowed := int(c.sndWnd) - c.snd.Pending()
	if cw := c.cong.cwnd - c.snd.Pending(); cw < allowed {
		allowed = cw
	}
	if allowed <= 0 {
		return nil
	}
	max := c.effectiveMSS()
	if allowed < max {
		max = allowed
	}
	data := c.snd.Unsent(max)
	if len(data) == 0 {
		return nil
	}
	seq := c.snd.Nxt()
	c.snd.Sent(len(data))
	return &Output{Header: Header{
		Seq: uint32(seq), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
	}, Payload: data}
}

// Read drains reassembled application data.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.takePendingErr(); err != nil {
		return 0, err
	}
	n := c.rcv.Read(p)
	if n == 0 && c.finRecvd && (c.state == CloseWait || c.state == Closing || c.state == LastAck || c.state == TimeWait || c.state == Closed) {
		return 0, hosterr.New("tcp.Read", hosterr.NotConnected)
	}
	return n, nil
}

// DeliverError applies a hard asynchronous error — an ICMP destination-
// unreachable whose embedded quad matched this connection (§4.4's ICMP
// coupling) — to the connection. A Conn in Listen, SynSent or SynRcvd moves
// to Closed immediately; an Established-or-later Conn keeps its state. In
// every case err is stored, returned by the next Read and visible through
// PendingError; Write does not report it.
func (c *Conn) DeliverError(err error) {
	c.pendingErr = err
	if c.state == SynSent || c.state == SynRcvd || c.state == Listen {
		c.state = Closed
	}
}

func (c *Conn) takePendingErr() error {
	err := c.pendingErr
	c.pendingErr = nil
	return err
}

// PendingError peeks at (without clearing) any hard error DeliverError
// applied, for a caller like hostctx's active-connect path that needs to
// notice an aborted handshake without going through Read.
func (c *Conn) PendingError() error { return c.pendingErr }

// Close begins an active close, producing the FIN segment per state.
func (c *Conn) Close() (*Output, error) {
	switch c.state {
	case Established:
		c.state = FinWait1
	case CloseWait:
		c.state = LastAck
	default:
		return nil, hosterr.Wrap("tcp.Close", hosterr.InvalidInput, errors.New("not closable from "+c.state.String()))
	}
	c.finSent = true
	seq := c.snd.Nxt()
	out := Output{Header: Header{Seq: uint32(seq), Ack: uint32(c.rcv.Nxt()), Flags: FlagFIN | FlagACK}}
	c.snd.nxt++ // FIN occupies one sequence number
	return &out, nil
}

// RetransmitDue is called by the caller's timer.Wheel when the retransmit
// timer fires: it applies exponential backoff and returns the next segment
// to resend, or nil plus an error if the SYN retry budget (§4.4: 3 retries
// at a 15s base interval) is exhausted.
func (c *Conn) RetransmitDue() (*Output, error) {
	if c.state == SynSent || c.state == Listen || c.state == SynRcvd {
		if c.synRetries >= maxSynRetries {
			c.state = Closed
			return nil, hosterr.New("tcp.RetransmitDue", hosterr.TimedOut)
		}
		c.synRetries++
		if c.state == SynSent {
			return &Output{Header: Header{Seq: uint32(c.iss), Flags: FlagSYN,
				Opts: Options{HasMSS: true, MSS: uint16(c.localMSS)}}}, nil
		}
		return &Output{Header: Header{Seq: uint32(c.iss), Ack: uint32(c.rcv.Nxt()), Flags: FlagSYN | FlagACK}}, nil
	}
	c.cong.onRTOExpired(c.effectiveMSS())
	c.retransmits++
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	data := c.snd.buf
	if len(data) == 0 && !c.finSent {
		return nil, nil
	}
	return &Output{Header: Header{
		Seq: uint32(c.snd.Una()), Ack: uint32(c.rcv.Nxt()), Flags: FlagACK,
	}, Payload: data}, nil
}

// TimeWaitExpired releases the connection once the 2*MSL quiet time
// (RFC 793 §3.5) has elapsed.
func (c *Conn) TimeWaitExpired(now time.Time) bool {
	return c.state == TimeWait && !now.Before(c.timeWaitDeadline)
}

func (c *Conn) NextRTO() time.Duration {
	if c.state == SynSent || c.state == SynRcvd {
		return synRetryInterval
	}
	return c.rto
}
