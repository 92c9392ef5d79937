package hostctx

import (
	"net"
	"strconv"
	"time"

	"go.netsim.dev/hoststack/hosterr"
	"go.netsim.dev/hoststack/icmp"
	"go.netsim.dev/hoststack/ipv4"
	"go.netsim.dev/hoststack/ipv6"
	"go.netsim.dev/hoststack/socket"
	"go.netsim.dev/hoststack/tcp"
	"go.netsim.dev/hoststack/udp"
)

func localKey(ip net.IP, port uint16) string {
	if ip == nil {
		ip = net.IPv4zero
	}
	return ip.String() + "#" + strconv.Itoa(int(port))
}

// wrapV4 prepends an IPv4 header around payload, for locally-originated
// TCP/UDP/ICMP traffic that bypasses the usual application Write path (ICMP
// errors, RSTs for unclaimed ports).
func wrapV4(src, dst net.IP, proto uint8, payload []byte) []byte {
	h := ipv4.Header{
		Version: 4, IHL: 5, TotalLength: uint16(ipv4.HeaderLen + len(payload)),
		TTL: 64, Protocol: proto, Src: src, Dst: dst,
	}
	return append(h.Marshal(), payload...)
}

func wrapV6(src, dst net.IP, nextHeader uint8, payload []byte) []byte {
	h := ipv6.Header{
		PayloadLen: uint16(len(payload)), NextHeader: nextHeader,
		HopLimit: 64, Src: ipv6.AddrFromIP(src), Dst: ipv6.AddrFromIP(dst),
	}
	return append(h.Marshal(), payload...)
}

// --- TCP ---

func (c *Context) dispatchTCPv4(src, dst net.IP, payload []byte, now time.Time) {
	c.dispatchTCP(src, dst, payload, now, false)
}

func (c *Context) dispatchTCPv6(src, dst ipv6.Addr, payload []byte, now time.Time) {
	c.dispatchTCP(src.IP(), dst.IP(), payload, now, true)
}

// dispatchTCP routes one inbound TCP segment to the matching active
// connection, the matching listener's accept queue, or (if neither claims
// the four-tuple) answers with a bare RST, per RFC 793 §3.4's "a reset is
// sent whenever a segment arrives that apparently is not intended for the
// current connection."
func (c *Context) dispatchTCP(src, dst net.IP, payload []byte, now time.Time, v6 bool) {
	h, body, ok := tcp.Parse(payload)
	if !ok {
		return
	}
	key := tcp.NewConnKey(dst, src, h.DstPort, h.SrcPort)
	seg := tcp.Segment{Header: h, Payload: append([]byte(nil), body...), Now: now}

	if conn, ok := c.lookupTCPConn(key); ok {
		outs, _, _ := conn.Input(seg)
		for _, o := range outs {
			c.sendTCP(dst, src, h.DstPort, h.SrcPort, o, now, v6)
		}
		c.reapTCPConn(key, conn)
		return
	}
	if ln, ok := c.lookupTCPListener(dst, h.DstPort); ok {
		outs, err := ln.Segment(src, h.SrcPort, seg)
		if err != nil {
			return // backlog full: SYN silently dropped, peer retries
		}
		for _, o := range outs {
			c.sendTCP(dst, src, h.DstPort, h.SrcPort, o, now, v6)
		}
		return
	}
	if !h.Has(tcp.FlagRST) {
		c.sendTCP(dst, src, h.DstPort, h.SrcPort, rstFor(h, len(body)), now, v6)
	}
}

// rstFor builds the bare RST RFC 793 §3.4 prescribes for a segment that
// doesn't match any connection or listener on this host.
func rstFor(h tcp.Header, segLen int) tcp.Output {
	if h.Has(tcp.FlagACK) {
		return tcp.Output{Header: tcp.Header{Seq: h.Ack, Flags: tcp.FlagRST}}
	}
	ack := uint64(h.Seq) + uint64(segLen)
	if h.Has(tcp.FlagSYN) || h.Has(tcp.FlagFIN) {
		ack++
	}
	return tcp.Output{Header: tcp.Header{Ack: uint32(ack), Flags: tcp.FlagRST | tcp.FlagACK}}
}

func (c *Context) sendTCP(localIP, remoteIP net.IP, localPort, remotePort uint16, out tcp.Output, now time.Time, v6 bool) {
	h := out.Header
	h.SrcPort = localPort
	h.DstPort = remotePort
	h.Window = 65535
	if v6 {
		pseudo := tcp.PseudoSumIPv6(ipv6.AddrFromIP(localIP), ipv6.AddrFromIP(remoteIP), tcp.HeaderLen+len(out.Payload))
		seg := tcp.Marshal(h, out.Payload, pseudo)
		c.EgressV6(ipv6.AddrFromIP(remoteIP), wrapV6(localIP, remoteIP, ipv6.ProtoTCP, seg), now, nil)
		return
	}
	var srcArr, dstArr [4]byte
	copy(srcArr[:], localIP.To4())
	copy(dstArr[:], remoteIP.To4())
	pseudo := tcp.PseudoSumIPv4(srcArr, dstArr, tcp.HeaderLen+len(out.Payload))
	seg := tcp.Marshal(h, out.Payload, pseudo)
	c.EgressV4(remoteIP, wrapV4(localIP, remoteIP, 6, seg), now, nil)
}

func (c *Context) lookupTCPConn(key tcp.ConnKey) (*tcp.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.tcpConns[key]
	return conn, ok
}

func (c *Context) reapTCPConn(key tcp.ConnKey, conn *tcp.Conn) {
	if conn.State() != tcp.Closed {
		return
	}
	c.mu.Lock()
	delete(c.tcpConns, key)
	c.mu.Unlock()
}

func (c *Context) lookupTCPListener(localIP net.IP, port uint16) (*tcp.Listener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ln, ok := c.tcpListeners[localKey(localIP, port)]; ok {
		return ln, true
	}
	wildcard := net.IPv4zero
	if localIP.To4() == nil {
		wildcard = net.IPv6unspecified
	}
	ln, ok := c.tcpListeners[localKey(wildcard, port)]
	return ln, ok
}

// Listen creates a bound, listening TCP socket backed by a tcp.Listener
// keyed by local (IP, port), installed as fd's resource so Sockets.Close
// tears it down, per §4.4/§4.6.
func (c *Context) Listen(fd socket.FD, localIP net.IP, localPort uint16, backlog int) error {
	key := localKey(localIP, localPort)
	c.mu.Lock()
	if _, exists := c.tcpListeners[key]; exists {
		c.mu.Unlock()
		return hosterr.New("hostctx.Listen", hosterr.AlreadyExists)
	}
	c.connSeed++
	ln := tcp.NewListener(localIP, localPort, backlog, c.connSeed)
	c.tcpListeners[key] = ln
	c.mu.Unlock()

	return c.Sockets.SetResource(fd, ln, func() error {
		c.mu.Lock()
		delete(c.tcpListeners, key)
		c.mu.Unlock()
		return nil
	})
}

// Accept pops the oldest established-but-unaccepted connection off fd's
// listener, transfers it into the active-connection table, and binds it to
// newFD (already allocated via Sockets.Socket).
func (c *Context) Accept(fd, newFD socket.FD) (net.IP, uint16, error) {
	res, err := c.Sockets.Resource(fd)
	if err != nil {
		return nil, 0, err
	}
	ln, ok := res.(*tcp.Listener)
	if !ok {
		return nil, 0, hosterr.New("hostctx.Accept", hosterr.InvalidInput)
	}

	conn, key, err := ln.Accept()
	if err != nil {
		return nil, 0, err
	}
	ln.Forget(key)

	c.mu.Lock()
	c.tcpConns[key] = conn
	c.mu.Unlock()

	if err := c.Sockets.SetResource(newFD, conn, func() error {
		c.mu.Lock()
		delete(c.tcpConns, key)
		c.mu.Unlock()
		return nil
	}); err != nil {
		return nil, 0, err
	}
	return net.IP(append([]byte(nil), key.RemoteIP[:]...)), key.RemotePort, nil
}

// Connect creates an actively-opened TCP connection for fd, registers it in
// the active-connection table keyed by the resulting four-tuple, and returns
// the SYN segment to transmit.
func (c *Context) Connect(fd socket.FD, localIP, remoteIP net.IP, localPort, remotePort uint16, now time.Time) (*tcp.Output, error) {
	key := tcp.NewConnKey(localIP, remoteIP, localPort, remotePort)
	c.mu.Lock()
	if _, exists := c.tcpConns[key]; exists {
		c.mu.Unlock()
		return nil, hosterr.New("hostctx.Connect", hosterr.AlreadyExists)
	}
	c.connSeed++
	seed := c.connSeed
	c.mu.Unlock()

	conn := tcp.NewActive(now, seed)
	out := conn.OpenActive()

	c.mu.Lock()
	c.tcpConns[key] = conn
	c.mu.Unlock()

	if err := c.Sockets.SetResource(fd, conn, func() error {
		c.mu.Lock()
		delete(c.tcpConns, key)
		c.mu.Unlock()
		return nil
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Read drains reassembled application data (or a pending async error) from
// fd's TCP connection.
func (c *Context) Read(fd socket.FD, buf []byte) (int, error) {
	res, err := c.Sockets.Resource(fd)
	if err != nil {
		return 0, err
	}
	conn, ok := res.(*tcp.Conn)
	if !ok {
		return 0, hosterr.New("hostctx.Read", hosterr.InvalidInput)
	}
	return conn.Read(buf)
}

// Write queues p on fd's TCP connection and, if the window allows it,
// transmits the resulting segment immediately.
func (c *Context) Write(fd socket.FD, p []byte, localIP, remoteIP net.IP, localPort, remotePort uint16, now time.Time, v6 bool) (int, error) {
	res, err := c.Sockets.Resource(fd)
	if err != nil {
		return 0, err
	}
	conn, ok := res.(*tcp.Conn)
	if !ok {
		return 0, hosterr.New("hostctx.Write", hosterr.InvalidInput)
	}
	n, out := conn.Write(p)
	if out != nil {
		c.sendTCP(localIP, remoteIP, localPort, remotePort, *out, now, v6)
	}
	return n, nil
}

// CloseSocket releases fd and whatever tcp/udp resource it fronts.
func (c *Context) CloseSocket(fd socket.FD) error {
	return c.Sockets.Close(fd)
}

// --- UDP ---

func (c *Context) dispatchUDPv4(src, dst net.IP, payload []byte, now time.Time) {
	c.dispatchUDP(src, dst, payload, now, false)
}

func (c *Context) dispatchUDPv6(src, dst ipv6.Addr, payload []byte, now time.Time) {
	c.dispatchUDP(src.IP(), dst.IP(), payload, now, true)
}

func (c *Context) dispatchUDP(src, dst net.IP, payload []byte, now time.Time, v6 bool) {
	h, body, ok := udp.Parse(payload)
	if !ok {
		return
	}
	cb, ok := c.lookupUDPBlock(dst, h.DstPort)
	if !ok {
		c.sendPortUnreachable(src, dst, payload, v6, now)
		return
	}
	cb.Deliver(udp.Datagram{Src: src, SrcPort: h.SrcPort, Payload: append([]byte(nil), body...)})
}

// sendPortUnreachable answers a datagram for a port nothing is bound to with
// an ICMP destination-unreachable (port unreachable), throttled by the
// host's ErrorLimiter per RFC 1812 §4.3.2.8.
func (c *Context) sendPortUnreachable(remoteSrc, localDst net.IP, origDatagram []byte, v6 bool, now time.Time) {
	if !c.icmpLimiter.Allow() {
		return
	}
	if v6 {
		origHdr := ipv6.Header{
			PayloadLen: uint16(len(origDatagram)), NextHeader: ipv6.ProtoUDP,
			HopLimit: 64, Src: ipv6.AddrFromIP(localDst), Dst: ipv6.AddrFromIP(remoteSrc),
		}
		msg := icmp.BuildV6Error(icmp.V6DestUnreachable, icmp.V6CodePortUnreach, origHdr, origDatagram, ipv6.MinMTU)
		body := icmp.MarshalV6(msg, ipv6.AddrFromIP(localDst), ipv6.AddrFromIP(remoteSrc))
		c.EgressV6(ipv6.AddrFromIP(remoteSrc), wrapV6(localDst, remoteSrc, ipv6.ProtoICMPv6, body), now, nil)
		return
	}
	origHdr := ipv4.Header{
		Version: 4, IHL: 5, TotalLength: uint16(ipv4.HeaderLen + len(origDatagram)),
		TTL: 64, Protocol: 17, Src: localDst, Dst: remoteSrc,
	}
	msg := icmp.BuildV4Error(icmp.V4DestUnreachable, icmp.V4CodePortUnreachable, origHdr, origDatagram, 1500)
	c.EgressV4(remoteSrc, wrapV4(localDst, remoteSrc, 1, icmp.MarshalV4(msg)), now, nil)
}

func (c *Context) lookupUDPBlock(localIP net.IP, port uint16) (*udp.ControlBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.udpBlocks[localKey(localIP, port)]; ok {
		return cb, true
	}
	wildcard := net.IPv4zero
	if localIP.To4() == nil {
		wildcard = net.IPv6unspecified
	}
	cb, ok := c.udpBlocks[localKey(wildcard, port)]
	return cb, ok
}

// BindUDP creates a ControlBlock bound to (localIP, localPort) and installs
// it as fd's resource.
func (c *Context) BindUDP(fd socket.FD, localIP net.IP, localPort uint16) error {
	key := localKey(localIP, localPort)
	cb := udp.NewControlBlock()
	cb.Bind(localIP, localPort)

	c.mu.Lock()
	c.udpBlocks[key] = cb
	c.mu.Unlock()

	return c.Sockets.SetResource(fd, cb, func() error {
		c.mu.Lock()
		delete(c.udpBlocks, key)
		c.mu.Unlock()
		cb.Close()
		return nil
	})
}

// SendTo builds and transmits one UDP datagram from fd's ControlBlock.
func (c *Context) SendTo(fd socket.FD, localIP, dstIP net.IP, dstPort uint16, payload []byte, now time.Time, v6 bool) error {
	res, err := c.Sockets.Resource(fd)
	if err != nil {
		return err
	}
	cb, ok := res.(*udp.ControlBlock)
	if !ok {
		return hosterr.New("hostctx.SendTo", hosterr.InvalidInput)
	}
	isBroadcast := !v6 && dstIP.Equal(net.IPv4bcast)
	h, err := cb.BuildSendTo(dstIP, dstPort, payload, isBroadcast)
	if err != nil {
		return err
	}
	length := udp.HeaderLen + len(payload)
	if v6 {
		pseudo := udpPseudoV6(ipv6.AddrFromIP(localIP), ipv6.AddrFromIP(dstIP), length)
		return c.EgressV6(ipv6.AddrFromIP(dstIP), wrapV6(localIP, dstIP, ipv6.ProtoUDP, udp.Marshal(h, payload, pseudo)), now, nil)
	}
	var srcArr, dstArr [4]byte
	copy(srcArr[:], localIP.To4())
	copy(dstArr[:], dstIP.To4())
	pseudo := udpPseudoV4(srcArr, dstArr, length)
	return c.EgressV4(dstIP, wrapV4(localIP, dstIP, 17, udp.Marshal(h, payload, pseudo)), now, nil)
}

// RecvFrom dequeues the oldest pending datagram (or surfaces an async
// error) from fd's ControlBlock.
func (c *Context) RecvFrom(fd socket.FD) (udp.Datagram, error) {
	res, err := c.Sockets.Resource(fd)
	if err != nil {
		return udp.Datagram{}, err
	}
	cb, ok := res.(*udp.ControlBlock)
	if !ok {
		return udp.Datagram{}, hosterr.New("hostctx.RecvFrom", hosterr.InvalidInput)
	}
	return cb.RecvFrom()
}

func udpPseudoV4(src, dst [4]byte, length int) uint32 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += 17
	sum += uint32(length)
	return sum
}

func udpPseudoV6(src, dst [16]byte, length int) uint32 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
	}
	add(src[:])
	add(dst[:])
	sum += uint32(length)
	sum += 17
	return sum
}
