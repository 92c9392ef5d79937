// Package udp implements the UDP datagram header codec and the per-socket
// control block described in §4.5 of the spec: binding, a bounded incoming
// queue, broadcast send gating (SetBroadcast), and ICMP-error-to-async-error
// surfacing. Inbound datagrams, broadcast ones included, are delivered to a
// single control block; they are not copied to several sockets.
package udp

import (
	"encoding/binary"
	"net"
	"sync"

	"go.netsim.dev/hoststack/hosterr"
)

const HeaderLen = 8

// Header is a parsed UDP datagram header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Parse decodes a UDP header and returns it with the remaining payload.
// Checksum is parsed but, per §6, never validated on receive.
func Parse(b []byte) (Header, []byte, bool) {
	if len(b) < HeaderLen {
		return Header{}, nil, false
	}
	h := Header{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}
	end := int(h.Length)
	if end < HeaderLen || end > len(b) {
		return Header{}, nil, false
	}
	return h, b[HeaderLen:end], true
}

// Marshal serializes h and payload, computing the checksum over pseudoSum
// (an IPv4/IPv6 pseudo-header accumulator, as with tcp.Marshal). Passing a
// pseudoSum of 0 with h.Checksum already 0 emits the permitted "no checksum"
// form for IPv4.
func Marshal(h Header, payload []byte, pseudoSum uint32) []byte {
	length := HeaderLen + len(payload)
	b := make([]byte, length)
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(length))
	copy(b[HeaderLen:], payload)
	if pseudoSum != 0 {
		binary.BigEndian.PutUint16(b[6:8], checksum(b, pseudoSum))
	}
	return b
}

func checksum(segment []byte, pseudoSum uint32) uint16 {
	sum := pseudoSum
	for i := 0; i+1 < len(segment); i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if len(segment)%2 == 1 {
		sum += uint32(segment[len(segment)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if v := ^uint16(sum); v != 0 {
		return v
	}
	return 0xffff // all-zero checksum means "none"; RFC 768 reserves it
}

// Datagram is one received UDP payload, queued for a bound socket to read.
type Datagram struct {
	Src     net.IP
	SrcPort uint16
	Payload []byte
}

const defaultQueueLen = 64

// ControlBlock is the per-socket UDP state: its binding, incoming queue,
// and the async error/broadcast/TTL knobs a socket layer exposes via
// setsockopt-like calls, grounded on the same control-block shape as the
// stack's ARP/NDP tables use for bounded per-entity state.
type ControlBlock struct {
	mu sync.Mutex

	localIP   net.IP
	localPort uint16
	connected bool
	peerIP    net.IP
	peerPort  uint16

	ttl        uint8
	broadcast  bool
	queue      []Datagram
	queueCap   int
	asyncErr   error
	closed     bool
	wake       chan struct{}
}

func NewControlBlock() *ControlBlock {
	return &ControlBlock{ttl: 64, queueCap: defaultQueueLen, wake: make(chan struct{}, 1)}
}

// Bind fixes the local address/port this socket receives on.
func (c *ControlBlock) Bind(ip net.IP, port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localIP = ip
	c.localPort = port
}

// Connect restricts this socket to datagrams from/to a single peer, per the
// connected-UDP convenience mode §4.5 describes.
func (c *ControlBlock) Connect(ip net.IP, port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.peerIP = ip
	c.peerPort = port
}

func (c *ControlBlock) SetBroadcast(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = on
}

func (c *ControlBlock) SetTTL(ttl uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

func (c *ControlBlock) LocalAddr() (net.IP, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localIP, c.localPort
}

func (c *ControlBlock) PeerAddr() (net.IP, uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerIP, c.peerPort, c.connected
}

// BuildSendTo constructs one outgoing datagram for send_to, rejecting
// broadcast destinations unless SO_BROADCAST has been set (§8 scenario 6),
// and rejecting a non-matching peer when connected.
func (c *ControlBlock) BuildSendTo(dst net.IP, dstPort uint16, payload []byte, isBroadcast bool) (Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected && (!dst.Equal(c.peerIP) || dstPort != c.peerPort) {
		return Header{}, hosterr.New("udp.send_to", hosterr.InvalidInput)
	}
	if isBroadcast && !c.broadcast {
		return Header{}, hosterr.New("udp.send_to", hosterr.AddrNotAvailable)
	}
	return Header{SrcPort: c.localPort, DstPort: dstPort}, nil
}

// Deliver enqueues an inbound datagram, dropping the oldest queued datagram
// if the bounded queue is full (parallels the ARP queue's bounded-FIFO
// behavior) and signaling the single waker.
func (c *ControlBlock) Deliver(d Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected && (!d.Src.Equal(c.peerIP) || d.SrcPort != c.peerPort) {
		return
	}
	if len(c.queue) >= c.queueCap {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, d)
	c.signal()
}

// RecvFrom dequeues the oldest pending datagram.
func (c *ControlBlock) RecvFrom() (Datagram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.asyncErr; err != nil {
		c.asyncErr = nil
		return Datagram{}, err
	}
	if len(c.queue) == 0 {
		return Datagram{}, hosterr.New("udp.recv_from", hosterr.WouldBlock)
	}
	d := c.queue[0]
	c.queue = c.queue[1:]
	return d, nil
}

// DeliverError surfaces an ICMP-triggered async error (e.g. port
// unreachable) to the next recv call, per §4.5.
func (c *ControlBlock) DeliverError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncErr = err
	c.signal()
}

func (c *ControlBlock) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel a socket-layer reactor selects on for readiness.
func (c *ControlBlock) Wake() <-chan struct{} { return c.wake }

func (c *ControlBlock) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *ControlBlock) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
