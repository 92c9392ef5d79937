// Package hostctx aggregates one simulated host's entire network state —
// interfaces, routing, ARP/NDP/MLD, sockets, and the DNS resolver hook —
// behind a single Context that the discrete-event simulator swaps in and
// out as it dispatches events to hosts, per §1.1/§4.8 of the spec.
package hostctx

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.netsim.dev/hoststack/arp"
	"go.netsim.dev/hoststack/dns"
	"go.netsim.dev/hoststack/hosterr"
	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/icmp"
	"go.netsim.dev/hoststack/internal/log"
	"go.netsim.dev/hoststack/ipv4"
	"go.netsim.dev/hoststack/ipv6"
	"go.netsim.dev/hoststack/mld"
	"go.netsim.dev/hoststack/ndp"
	"go.netsim.dev/hoststack/routes"
	"go.netsim.dev/hoststack/socket"
	"go.netsim.dev/hoststack/tcp"
	"go.netsim.dev/hoststack/timer"
	"go.netsim.dev/hoststack/udp"
)

var logger = log.Tag("HOSTCTX")

// RawHandler receives every inbound IP packet for a registered next-header
// value before the stack's own TCP/UDP/ICMP demux gets it, per §4.9's raw
// protocol handler registration.
type RawHandler func(src, dst net.IP, payload []byte)

// extKey identifies an extension slot by the caller-chosen name passed to
// PutExtension, mirroring the teacher's per-NIC extension registries but
// generalized to the whole host. Slots are not keyed by the value's Go type:
// values of different types stored under one name replace each other.
type extKey struct{ name string }

// Context is one host's complete network state. Only one goroutine may
// hold it entered at a time (see Enter/Leave); nothing internally
// synchronizes across Context instances belonging to different hosts.
type Context struct {
	ID string

	Interfaces *iface.Table
	RoutesV4   *routes.Table
	RoutesV6   *routes.Table
	ARP        *arp.Table
	Neighbors  *ndp.NeighborCache
	NDPLists   *ndp.Lists
	MLD        *mld.Node
	Sockets    *socket.Table
	Resolver   *dns.Resolver
	Timers     *timer.Wheel

	icmpLimiter *icmp.ErrorLimiter
	ndpDispatch *ndp.Dispatcher
	mldDispatch *mld.Dispatcher

	mu           sync.Mutex
	entered      bool
	enteredBy    string
	rawHandlers  map[uint8][]RawHandler
	extensions   map[extKey]interface{}
	activeRecv   iface.ID
	now          func() time.Time

	// tcpListeners holds one *tcp.Listener per bound-and-listening local
	// (IP, port), and tcpConns holds every actively-opened or accepted
	// connection keyed by its full four-tuple — together these enforce §3's
	// "at most one TCP connection exists per four-tuple" invariant, since
	// Listener itself also keys its accepted connections by ConnKey.
	tcpListeners map[string]*tcp.Listener
	tcpConns     map[tcp.ConnKey]*tcp.Conn
	udpBlocks    map[string]*udp.ControlBlock

	connSeed int64
}

// New constructs an empty Context for a host named id. Callers register
// interfaces and routes afterward via the embedded tables. nowFn drives the
// host's timer wheel (and any other wall-clock reads this Context makes
// internally, e.g. when stamping inbound TCP/UDP traffic); pass nil to use
// the real clock.
func New(id string, nowFn func() time.Time) *Context {
	if nowFn == nil {
		nowFn = time.Now
	}
	c := &Context{
		ID:           id,
		Interfaces:   iface.NewTable(),
		RoutesV4:     routes.New(),
		RoutesV6:     routes.New(),
		ARP:          arp.NewTable(),
		Neighbors:    ndp.NewNeighborCache(),
		NDPLists:     ndp.NewLists(),
		MLD:          mld.NewNode(),
		Sockets:      socket.NewTable(),
		Resolver:     dns.NewResolver(),
		Timers:       timer.New(nowFn),
		icmpLimiter:  icmp.NewErrorLimiter(10, 10),
		rawHandlers:  make(map[uint8][]RawHandler),
		extensions:   make(map[extKey]interface{}),
		now:          nowFn,
		tcpListeners: make(map[string]*tcp.Listener),
		tcpConns:     make(map[tcp.ConnKey]*tcp.Conn),
		udpBlocks:    make(map[string]*udp.ControlBlock),
	}
	c.ndpDispatch = ndp.NewDispatcher(c.handleNDPEvent, 0)
	c.mldDispatch = mld.NewDispatcher(c.handleMLDEvent, 0)
	return c
}

// Enter marks the context as the single active scope for the calling
// event, detecting re-entrance — two events for the same host must never
// overlap, per §1.1's single-threaded-per-host model.
func (c *Context) Enter(owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entered {
		return hosterr.New("hostctx.Enter", hosterr.AlreadyExists)
	}
	c.entered = true
	c.enteredBy = owner
	return nil
}

// Leave releases the scope entered by owner.
func (c *Context) Leave(owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.entered || c.enteredBy != owner {
		return hosterr.New("hostctx.Leave", hosterr.InvalidInput)
	}
	c.entered = false
	c.enteredBy = ""
	return nil
}

// RegisterRawHandler installs h for every inbound IP packet whose next
// protocol number is proto, ahead of the stack's own demux (§4.9).
func (c *Context) RegisterRawHandler(proto uint8, h RawHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawHandlers[proto] = append(c.rawHandlers[proto], h)
}

func (c *Context) rawHandlersFor(proto uint8) []RawHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RawHandler(nil), c.rawHandlers[proto]...)
}

// PutExtension installs a module-keyed extension value, last-write-wins and
// idempotent, the way the teacher keys per-NIC option bags.
func (c *Context) PutExtension(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extensions[extKey{name}] = value
}

func (c *Context) GetExtension(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.extensions[extKey{name}]
	return v, ok
}

func (c *Context) RemoveExtension(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.extensions, extKey{name})
}

// Classification is the result of link-layer ingress triage, per §4.8.
type Classification int

const (
	ClassPassThrough Classification = iota
	ClassConsumed
	ClassForNetworking
)

// Dispatch bundles the hooks Ingress offers a caller for events it cannot
// fully resolve on its own: an inline ICMP echo reply, and (historically)
// protocol callbacks now handled internally by the Context's own TCP/UDP
// connection tables — kept only for EchoReply and any future raw sink, since
// dropping them outright would break existing RegisterRawHandler-style
// integrations that still pass a Dispatch{} value.
type Dispatch struct {
	// EchoReply is invoked with a ready-to-send ICMP echo reply datagram
	// (header+payload, no IP header) when this host answers a ping.
	EchoReply func(dst net.IP, reply []byte)
}

// IngressV4 classifies and, for IP traffic, dispatches one received IPv4
// packet: raw handlers run first, then the built-in next-protocol demux.
func (c *Context) IngressV4(nicID iface.ID, frame []byte, d Dispatch) (Classification, error) {
	h, err := ipv4.Parse(frame)
	if err != nil {
		return ClassPassThrough, nil
	}
	hlen := int(h.IHL) * 4
	end := int(h.TotalLength)
	if end > len(frame) {
		end = len(frame)
	}
	if hlen > end {
		return ClassPassThrough, nil
	}
	payload := frame[hlen:end]

	dst := h.Dst
	if !c.ownsAddress(dst) && !dst.IsMulticast() && !isLimitedBroadcast(dst) {
		return ClassPassThrough, nil
	}
	c.activeRecv = nicID

	for _, rh := range c.rawHandlersFor(h.Protocol) {
		rh(h.Src, h.Dst, payload)
	}

	now := c.now()
	switch h.Protocol {
	case 1: // ICMP
		msg, ok := icmp.ParseV4(payload)
		if !ok {
			return ClassConsumed, nil
		}
		c.handleICMPv4(h, msg, d)
	case 6: // TCP
		c.dispatchTCPv4(h.Src, h.Dst, payload, now)
	case 17: // UDP
		c.dispatchUDPv4(h.Src, h.Dst, payload, now)
	}
	return ClassForNetworking, nil
}

// IngressV6 mirrors IngressV4 for IPv6 traffic: ICMPv6 (including the NDP
// and MLD messages layered on it) is handled inline, TCP/UDP are demuxed to
// the same connection tables IngressV4 uses, keyed by the 16-byte address
// form.
func (c *Context) IngressV6(nicID iface.ID, frame []byte, d Dispatch) (Classification, error) {
	h, err := ipv6.Parse(frame)
	if err != nil {
		return ClassPassThrough, nil
	}
	end := ipv6.HeaderLen + int(h.PayloadLen)
	if end > len(frame) {
		end = len(frame)
	}
	if end < ipv6.HeaderLen {
		return ClassPassThrough, nil
	}
	payload := frame[ipv6.HeaderLen:end]

	dstIP := h.Dst.IP()
	if !c.ownsAddress(dstIP) && !h.Dst.IsMulticast() {
		return ClassPassThrough, nil
	}
	c.activeRecv = nicID

	for _, rh := range c.rawHandlersFor(h.NextHeader) {
		rh(h.Src.IP(), h.Dst.IP(), payload)
	}

	now := c.now()
	switch h.NextHeader {
	case ipv6.ProtoICMPv6:
		msg, ok := icmp.ParseV6(payload)
		if !ok {
			return ClassConsumed, nil
		}
		c.handleICMPv6(nicID, h, msg, now, d)
	case ipv6.ProtoTCP:
		c.dispatchTCPv6(h.Src, h.Dst, payload, now)
	case ipv6.ProtoUDP:
		c.dispatchUDPv6(h.Src, h.Dst, payload, now)
	}
	return ClassForNetworking, nil
}

func (c *Context) ownsAddress(ip net.IP) bool {
	for _, ifc := range c.Interfaces.All() {
		if ifc.HasAddr(ip) {
			return true
		}
	}
	return false
}

func isLimitedBroadcast(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4.Equal(net.IPv4bcast)
}

// handleICMPv4 applies the subset of ICMP message types this layer acts on
// directly: echo request/reply is answered inline per §4.2, and destination
// unreachable is routed to whichever tcp.Conn/udp.ControlBlock's embedded
// quad it matches, surfacing as that socket's next async error (§4.4/§4.5's
// ICMP coupling).
func (c *Context) handleICMPv4(h ipv4.Header, msg icmp.V4Message, d Dispatch) {
	switch msg.Type {
	case icmp.V4EchoRequest:
		reply := icmp.MarshalV4(icmp.V4Message{
			Type: icmp.V4EchoReply, Code: 0,
			RestOfHeader: msg.RestOfHeader, Body: msg.Body,
		})
		if d.EchoReply != nil {
			d.EchoReply(h.Src, reply)
		}
	case icmp.V4DestUnreachable:
		c.deliverICMPErrorV4(msg.Body)
	}
}

// deliverICMPErrorV4 parses the embedded original IPv4 header + leading
// transport bytes an ICMPv4 error carries (RFC 792) and, if it matches a
// connection or control block this host owns, calls its DeliverError.
func (c *Context) deliverICMPErrorV4(embedded []byte) {
	orig, err := ipv4.Parse(embedded)
	if err != nil {
		return
	}
	hlen := int(orig.IHL) * 4
	if len(embedded) < hlen+4 {
		return
	}
	srcPort := uint16(embedded[hlen])<<8 | uint16(embedded[hlen+1])
	dstPort := uint16(embedded[hlen+2])<<8 | uint16(embedded[hlen+3])

	switch orig.Protocol {
	case 6: // TCP: the embedded packet was sent BY us, so its Src/srcPort are
		// our local endpoint and its Dst/dstPort are the remote peer.
		key := tcp.NewConnKey(orig.Src, orig.Dst, srcPort, dstPort)
		if conn, ok := c.lookupTCPConn(key); ok {
			conn.DeliverError(hosterr.New("hostctx.ICMP", hosterr.ConnectionRefused))
		}
	case 17: // UDP
		if cb, ok := c.lookupUDPBlock(orig.Src, srcPort); ok {
			cb.DeliverError(hosterr.New("hostctx.ICMP", hosterr.ConnectionRefused))
		}
	}
}

// handleICMPv6 mirrors handleICMPv4 for ICMPv6, additionally routing the
// NDP (RFC 4861) and MLD (RFC 2710) message types layered on the same
// envelope to their respective state machines.
func (c *Context) handleICMPv6(nicID iface.ID, h ipv6.Header, msg icmp.V6Message, now time.Time, d Dispatch) {
	ifc, ok := c.Interfaces.ByID(nicID)
	if !ok {
		return
	}
	hasFragment := false // this stack never reassembles fragmented NDP traffic
	switch msg.Type {
	case icmp.V6EchoRequest:
		reply := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6EchoReply, Code: 0, Body: msg.Body}, h.Dst, h.Src)
		if d.EchoReply != nil {
			d.EchoReply(h.Src.IP(), reply)
		}
	case icmp.V6DestUnreachable:
		c.deliverICMPErrorV6(msg.Body)
	case icmp.V6NeighborSolicit:
		if !ndp.IsValidNDP(h.HopLimit, msg.Code, hasFragment) {
			return
		}
		c.handleNeighborSolicit(nicID, ifc, h, msg, now)
	case icmp.V6NeighborAdvert:
		if !ndp.IsValidNDP(h.HopLimit, msg.Code, hasFragment) {
			return
		}
		c.handleNeighborAdvert(h, msg, now)
	case icmp.V6RouterAdvert:
		if !ndp.IsValidNDP(h.HopLimit, msg.Code, hasFragment) {
			return
		}
		c.handleRouterAdvert(nicID, h, msg, now)
	case icmp.V6MLDQuery:
		c.handleMLDQuery(msg, now)
	case icmp.V6MLDReport:
		c.handleMLDReport(msg)
	}
}

func (c *Context) deliverICMPErrorV6(embedded []byte) {
	orig, err := ipv6.Parse(embedded)
	if err != nil {
		return
	}
	body := embedded[ipv6.HeaderLen:]
	if len(body) < 4 {
		return
	}
	srcPort := uint16(body[0])<<8 | uint16(body[1])
	dstPort := uint16(body[2])<<8 | uint16(body[3])

	switch orig.NextHeader {
	case ipv6.ProtoTCP:
		key := tcp.NewConnKey(orig.Src.IP(), orig.Dst.IP(), srcPort, dstPort)
		if conn, ok := c.lookupTCPConn(key); ok {
			conn.DeliverError(hosterr.New("hostctx.ICMP", hosterr.ConnectionRefused))
		}
	case ipv6.ProtoUDP:
		if cb, ok := c.lookupUDPBlock(orig.Src.IP(), srcPort); ok {
			cb.DeliverError(hosterr.New("hostctx.ICMP", hosterr.ConnectionRefused))
		}
	}
}

// EgressV4 resolves the next hop for dst (route lookup, then ARP
// resolve-or-buffer-and-solicit) and enqueues frame on the winning
// interface's transmit queue, per §4.8's egress description.
func (c *Context) EgressV4(dst net.IP, payload []byte, now time.Time, arpSolicit func(nicID iface.ID, target net.IP)) error {
	r, ok := c.RoutesV4.Lookup(dst)
	if !ok {
		return hosterr.New("hostctx.EgressV4", hosterr.NotFound)
	}
	ifc, ok := c.Interfaces.ByID(r.NIC)
	if !ok {
		return hosterr.New("hostctx.EgressV4", hosterr.NotFound)
	}
	nextHop := dst
	if r.Kind == routes.ViaNextHop && r.Gateway != nil {
		nextHop = r.Gateway
	}
	_, _, resolved := c.ARP.Lookup(nextHop, now)
	if !resolved {
		c.ARP.Enqueue(nextHop, r.NIC, payload)
		if arpSolicit != nil {
			arpSolicit(r.NIC, nextHop)
		}
		return nil
	}
	ifc.Enqueue(payload)
	return nil
}

// EgressV6 mirrors EgressV4: multicast destinations are flooded to every
// up, IPv6-enabled interface (no multicast routing, per the Non-goals);
// unicast destinations go through a route lookup and the IPv6 neighbor
// cache's resolve-or-buffer-and-solicit path in place of ARP.
func (c *Context) EgressV6(dst ipv6.Addr, payload []byte, now time.Time, ndpSolicit func(nicID iface.ID, target ipv6.Addr)) error {
	if dst.IsMulticast() {
		for _, ifc := range c.Interfaces.All() {
			if ifc.IsUp() && ifc.Flags.Has(iface.FlagV6Enabled) {
				ifc.Enqueue(payload)
			}
		}
		return nil
	}

	r, ok := c.RoutesV6.Lookup(dst.IP())
	if !ok {
		return hosterr.New("hostctx.EgressV6", hosterr.NotFound)
	}
	ifc, ok := c.Interfaces.ByID(r.NIC)
	if !ok {
		return hosterr.New("hostctx.EgressV6", hosterr.NotFound)
	}
	nextHop := dst
	if r.Kind == routes.ViaNextHop && r.Gateway != nil {
		nextHop = ipv6.AddrFromIP(r.Gateway)
	}

	entry, ok := c.Neighbors.Lookup(nextHop)
	if !ok || entry.State == ndp.Incomplete {
		_, created := c.Neighbors.StartResolution(nextHop, r.NIC)
		c.Neighbors.Enqueue(nextHop, payload)
		if created && ndpSolicit != nil {
			ndpSolicit(r.NIC, nextHop)
		}
		return nil
	}
	ifc.Enqueue(payload)
	return nil
}

// Background runs every per-host maintenance loop under one supervising
// errgroup until ctx is cancelled: the timer wheel (retransmits, DAD,
// prefix/router expiry, MLD report timers) and the NDP/MLD event
// dispatchers, mirroring the teacher's errgroup-joined worker-goroutine
// pattern (ndpDispatcher in ndp.go). A failure in any one loop cancels ctx
// for the others via the errgroup's shared group context.
func (c *Context) Background(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	timer.Spawn(gctx, g, c.Timers)
	ndp.Spawn(gctx, g, c.ndpDispatch)
	mld.Spawn(gctx, g, c.mldDispatch)
	return g.Wait()
}

// handleNDPEvent is the ndp.Dispatcher's sink: lifecycle events are advisory
// (the neighbor cache/prefix/router lists are the source of truth), so this
// just logs them the way the teacher's syslog binding reports NDP state
// changes.
func (c *Context) handleNDPEvent(e ndp.Event) {
	switch ev := e.(type) {
	case *ndp.DuplicateAddressDetectionEvent:
		logger.Infof("host %s: DAD on %v resolved=%v", c.ID, ev.Addr, ev.Resolved)
	case *ndp.DiscoveredRouterEvent:
		logger.Infof("host %s: discovered default router %v", c.ID, ev.Addr)
	case *ndp.InvalidatedRouterEvent:
		logger.Infof("host %s: default router %v expired", c.ID, ev.Addr)
	case *ndp.DiscoveredPrefixEvent:
		logger.Infof("host %s: discovered on-link prefix %v/%d", c.ID, ev.Prefix, ev.Length)
	case *ndp.InvalidatedPrefixEvent:
		logger.Infof("host %s: on-link prefix %v/%d expired", c.ID, ev.Prefix, ev.Length)
	case *ndp.GeneratedAutoGenAddrEvent:
		logger.Infof("host %s: SLAAC generated %v", c.ID, ev.Addr)
	}
}

// handleMLDEvent is the mld.Dispatcher's sink: unlike NDP events, a Report
// or Done actually needs a packet on the wire, so this builds one addressed
// to the group itself (for both Reports and Dones) and enqueues it on the
// first up, IPv6-enabled interface.
func (c *Context) handleMLDEvent(e mld.Event) {
	var typ icmp.V6Type
	switch e.Action {
	case mld.SendReport:
		typ = icmp.V6MLDReport
	case mld.SendDone:
		typ = icmp.V6MLDDone
	default:
		return
	}
	ifc := c.anyV6Interface()
	if ifc == nil {
		return
	}
	src := linkLocalAddr(ifc)
	bodyMsg := mldMessageFor(e.Group)
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: typ, Body: bodyMsg.Marshal()}, src, e.Group)
	ipHdr := ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)),
		NextHeader: ipv6.ProtoICMPv6,
		HopLimit:   ipv6.NDPHopLimit,
		Src:        src,
		Dst:        e.Group,
	}
	frame := append(ipHdr.Marshal(), icmpMsg...)
	ifc.Enqueue(frame)
}

func mldMessageFor(group ipv6.Addr) mld.Message {
	return mld.Message{Group: group}
}

func (c *Context) anyV6Interface() *iface.Interface {
	for _, ifc := range c.Interfaces.All() {
		if ifc.IsUp() && ifc.Flags.Has(iface.FlagV6Enabled) {
			return ifc
		}
	}
	return nil
}

// linkLocalAddr picks a preferred link-local-scope source address for
// locally-originated NDP/MLD traffic; falls back to the first assigned V6
// address if no fe80::/10 address is present.
func linkLocalAddr(ifc *iface.Interface) ipv6.Addr {
	var fallback ipv6.Addr
	haveFallback := false
	for _, a := range ifc.Addrs() {
		if !a.V6 || a.Lifecycle == iface.Tentative {
			continue
		}
		addr := ipv6.AddrFromIP(a.IP)
		if addr[0] == 0xfe && addr[1]&0xc0 == 0x80 {
			return addr
		}
		if !haveFallback {
			fallback = addr
			haveFallback = true
		}
	}
	return fallback
}
