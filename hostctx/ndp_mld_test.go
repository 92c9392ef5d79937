package hostctx_test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.netsim.dev/hoststack/hostctx"
	"go.netsim.dev/hoststack/icmp"
	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/ipv6"
	"go.netsim.dev/hoststack/mld"
	"go.netsim.dev/hoststack/ndp"
	"go.netsim.dev/hoststack/routes"
)

// fakeClock lets tests advance the host's notion of "now" independently of
// wall-clock time, the same pattern timer/wheel_test.go uses to drive
// Wheel.FireDue() deterministically.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func v6Addr(t *testing.T, s string) ipv6.Addr {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("ParseIP(%q) failed", s)
	}
	return ipv6.AddrFromIP(ip)
}

func frameV6(h ipv6.Header, payload []byte) []byte {
	return append(h.Marshal(), payload...)
}

func TestEgressV6FloodsMulticastToUpInterfacesOnly(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc1, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 1, 1, 1, 1, 1}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	ifc2, _ := c.Interfaces.Register("eth1", net.HardwareAddr{2, 2, 2, 2, 2, 2}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	ifc3, _ := c.Interfaces.Register("eth2", net.HardwareAddr{3, 3, 3, 3, 3, 3}, 1500, 0, 1)

	group := v6Addr(t, "ff02::1")
	if err := c.EgressV6(group, []byte("mcast"), fixedNow(), nil); err != nil {
		t.Fatalf("EgressV6: %v", err)
	}
	if _, ok := ifc1.Dequeue(); !ok {
		t.Fatal("expected flood on eth0")
	}
	if _, ok := ifc2.Dequeue(); !ok {
		t.Fatal("expected flood on eth1")
	}
	if _, ok := ifc3.Dequeue(); ok {
		t.Fatal("did not expect flood on a down interface")
	}
}

func TestEgressV6BuffersOnUnresolvedNeighbor(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	_, dstNet, _ := net.ParseCIDR("2001:db8::/64")
	c.RoutesV6.Add(routes.Route{Dest: dstNet.IP, Mask: dstNet.Mask, NIC: ifc.ID, Kind: routes.Local}, 0, false, false, true)

	dst := v6Addr(t, "2001:db8::5")
	var solicited ipv6.Addr
	err := c.EgressV6(dst, []byte("payload"), fixedNow(), func(nicID iface.ID, target ipv6.Addr) {
		solicited = target
	})
	if err != nil {
		t.Fatalf("EgressV6: %v", err)
	}
	if solicited != dst {
		t.Fatalf("solicited = %v, want %v", solicited, dst)
	}
	if _, ok := ifc.Dequeue(); ok {
		t.Fatal("should not transmit before resolution")
	}
}

// TestNeighborSolicitationAnsweredWithSolicitedAdvertisement covers RFC 4861
// §7.2.4: a unicast NS for one of our addresses draws a solicited, override
// NA back to the requester.
func TestNeighborSolicitationAnsweredWithSolicitedAdvertisement(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	ifc, _ := c.Interfaces.Register("eth0", mac, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)

	target := v6Addr(t, "2001:db8::1")
	ifc.AddAddr(iface.Addr{IP: target.IP(), PrefixLen: 64, V6: true, Lifecycle: iface.Preferred})

	solicitor := v6Addr(t, "2001:db8::2")
	_, dstNet, _ := net.ParseCIDR("2001:db8::/64")
	c.RoutesV6.Add(routes.Route{Dest: dstNet.IP, Mask: dstNet.Mask, NIC: ifc.ID, Kind: routes.Local}, 0, false, false, true)
	c.Neighbors.StartResolution(solicitor, ifc.ID)
	c.Neighbors.HandleAdvertisement(ndp.NeighborAdvertisement{Solicited: true, Target: solicitor}, net.HardwareAddr{9, 9, 9, 9, 9, 9}, fixedNow(), time.Minute)

	body := ndp.NeighborSolicitation{Target: target}.Marshal()
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6NeighborSolicit, Body: body}, solicitor, target)
	frame := frameV6(ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)), NextHeader: ipv6.ProtoICMPv6,
		HopLimit: ipv6.NDPHopLimit, Src: solicitor, Dst: target,
	}, icmpMsg)

	if _, err := c.IngressV6(ifc.ID, frame, hostctx.Dispatch{}); err != nil {
		t.Fatalf("IngressV6: %v", err)
	}

	out, ok := ifc.Dequeue()
	if !ok {
		t.Fatal("expected a Neighbor Advertisement frame")
	}
	outHdr, err := ipv6.Parse(out)
	if err != nil {
		t.Fatalf("ipv6.Parse: %v", err)
	}
	outMsg, ok := icmp.ParseV6(out[ipv6.HeaderLen:])
	if !ok || outMsg.Type != icmp.V6NeighborAdvert {
		t.Fatalf("msg = %+v, ok=%v", outMsg, ok)
	}
	na, ok := ndp.ParseNeighborAdvertisement(outMsg.Body)
	if !ok || na.Target != target || !na.Solicited || !na.Override {
		t.Fatalf("na = %+v, ok=%v", na, ok)
	}
	if outHdr.Dst != solicitor {
		t.Fatalf("dst = %v, want %v", outHdr.Dst, solicitor)
	}
}

// TestNeighborAdvertisementFlushesPendingPackets covers RFC 4861 §7.2.5: a
// solicited NA resolving an Incomplete entry flushes whatever frames were
// queued waiting on it.
func TestNeighborAdvertisementFlushesPendingPackets(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	local := v6Addr(t, "2001:db8::1")
	ifc.AddAddr(iface.Addr{IP: local.IP(), PrefixLen: 64, V6: true, Lifecycle: iface.Preferred})

	peer := v6Addr(t, "2001:db8::2")
	c.Neighbors.StartResolution(peer, ifc.ID)
	c.Neighbors.Enqueue(peer, []byte("queued-frame"))

	peerMAC := net.HardwareAddr{9, 9, 9, 9, 9, 9}
	na := ndp.NeighborAdvertisement{
		Solicited: true, Override: true, Target: peer,
		Options: []ndp.Option{ndp.LinkLayerOption(ndp.OptTargetLinkLayer, peerMAC)},
	}
	body := na.Marshal()
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6NeighborAdvert, Body: body}, peer, local)
	frame := frameV6(ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)), NextHeader: ipv6.ProtoICMPv6,
		HopLimit: ipv6.NDPHopLimit, Src: peer, Dst: local,
	}, icmpMsg)

	if _, err := c.IngressV6(ifc.ID, frame, hostctx.Dispatch{}); err != nil {
		t.Fatalf("IngressV6: %v", err)
	}

	flushed, ok := ifc.Dequeue()
	if !ok || string(flushed) != "queued-frame" {
		t.Fatalf("flushed = %q, ok=%v", flushed, ok)
	}
	entry, ok := c.Neighbors.Lookup(peer)
	if !ok || entry.State != ndp.Reachable {
		t.Fatalf("entry = %+v, ok=%v", entry, ok)
	}
}

// TestRouterAdvertisementUpdatesRouterAndPrefixLists covers RFC 4861 §6.3.4
// processing of an unsolicited RA: the advertising router and any on-link
// prefixes it carries get recorded.
func TestRouterAdvertisementUpdatesRouterAndPrefixLists(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	ifc.AddAddr(iface.Addr{IP: net.ParseIP("fe80::1"), PrefixLen: 64, V6: true, Lifecycle: iface.Preferred})

	router := v6Addr(t, "fe80::2")
	allNodes := v6Addr(t, "ff02::1")
	var prefix ipv6.Addr
	copy(prefix[:], net.ParseIP("2001:db8:1::"))

	ra := ndp.RouterAdvertisement{
		RouterLifetime: 1800,
		Options: []ndp.Option{ndp.PrefixInfo{
			PrefixLength: 64, OnLink: true, Autonomous: true,
			ValidLifetime: 3600, PreferredLifetime: 1800,
			Prefix: prefix,
		}.Option()},
	}
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6RouterAdvert, Body: ra.Marshal()}, router, allNodes)
	frame := frameV6(ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)), NextHeader: ipv6.ProtoICMPv6,
		HopLimit: ipv6.NDPHopLimit, Src: router, Dst: allNodes,
	}, icmpMsg)

	if _, err := c.IngressV6(ifc.ID, frame, hostctx.Dispatch{}); err != nil {
		t.Fatalf("IngressV6: %v", err)
	}

	routers := c.NDPLists.Routers()
	if len(routers) != 1 || routers[0].Addr != router {
		t.Fatalf("routers = %+v", routers)
	}
	if !c.NDPLists.HasPrefix(prefix, 64) {
		t.Fatal("expected prefix to be discovered")
	}
}

// TestMLDReportSuppressesOwnPendingReport covers RFC 2710 §4's report
// suppression: overhearing another listener's report for a group we're
// about to report on moves us straight to Idle without sending our own.
func TestMLDReportSuppressesOwnPendingReport(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)

	group := v6Addr(t, "ff05::5")
	c.JoinMulticastGroup(ifc, group, fixedNow())
	if state, ok := c.MLD.StateOf(group); !ok || state != mld.DelayedListener {
		t.Fatalf("state after join = %v, ok=%v, want DelayedListener", state, ok)
	}

	msgBody := mld.Message{Group: group}.Marshal()
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6MLDReport, Body: msgBody}, group, group)
	frame := frameV6(ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)), NextHeader: ipv6.ProtoICMPv6, HopLimit: 1, Src: group, Dst: group,
	}, icmpMsg)

	if _, err := c.IngressV6(ifc.ID, frame, hostctx.Dispatch{}); err != nil {
		t.Fatalf("IngressV6: %v", err)
	}

	if state, ok := c.MLD.StateOf(group); !ok || state != mld.IdleListener {
		t.Fatalf("state after overheard report = %v, ok=%v, want IdleListener", state, ok)
	}
}

// TestLeaveMulticastGroupDropsMembership covers the host-side bookkeeping
// LeaveMulticastGroup performs once a group has been reported: membership
// and MLD state are both torn down.
func TestLeaveMulticastGroupDropsMembership(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := hostctx.New("h1", clk.Now)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	ifc.AddAddr(iface.Addr{IP: net.ParseIP("fe80::1"), PrefixLen: 64, V6: true, Lifecycle: iface.Preferred})

	group := v6Addr(t, "ff05::5")
	c.JoinMulticastGroup(ifc, group, clk.Now())

	clk.Advance(11 * time.Second)
	if n := c.Timers.FireDue(); n == 0 {
		t.Fatal("expected the scheduled report timer to fire")
	}
	if state, ok := c.MLD.StateOf(group); !ok || state != mld.IdleListener {
		t.Fatalf("state = %v, ok=%v, want IdleListener", state, ok)
	}

	c.LeaveMulticastGroup(ifc, group)
	if ifc.IsMember(group.IP()) {
		t.Fatal("expected membership to be dropped")
	}
	if _, ok := c.MLD.StateOf(group); ok {
		t.Fatal("expected group state to be removed on leave")
	}
}

// TestMLDReportDispatchedThroughBackground drives a join's scheduled report
// timer to expiry and confirms mld.Dispatcher, running under Background's
// errgroup, actually produces the Report frame on the wire rather than just
// updating in-memory state.
func TestMLDReportDispatchedThroughBackground(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := hostctx.New("h1", clk.Now)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	ifc.AddAddr(iface.Addr{IP: net.ParseIP("fe80::1"), PrefixLen: 64, V6: true, Lifecycle: iface.Preferred})

	group := v6Addr(t, "ff05::5")
	c.JoinMulticastGroup(ifc, group, clk.Now())
	clk.Advance(11 * time.Second)
	c.Timers.FireDue()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Background(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	var frame []byte
	for time.Now().Before(deadline) {
		if f, ok := ifc.Dequeue(); ok {
			frame = f
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if frame == nil {
		t.Fatal("expected the MLD dispatcher to emit a Report frame")
	}

	if _, err := ipv6.Parse(frame); err != nil {
		t.Fatalf("ipv6.Parse: %v", err)
	}
	msg, ok := icmp.ParseV6(frame[ipv6.HeaderLen:])
	if !ok || msg.Type != icmp.V6MLDReport {
		t.Fatalf("msg = %+v, ok=%v", msg, ok)
	}
	m, ok := mld.ParseMessage(msg.Body)
	if !ok || m.Group != group {
		t.Fatalf("group = %+v, ok=%v, want %v", m, ok, group)
	}
}

// TestBackgroundReturnsOnCancelWithPendingNDPEvent starts Background while
// an inbound RA has left a DiscoveredRouterEvent queued on the NDP
// dispatcher, then cancels it: Background must unwind the timer wheel and
// both dispatchers and return context.Canceled. Whether the queued event was
// handled before the cancel is not observed.
func TestBackgroundReturnsOnCancelWithPendingNDPEvent(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp|iface.FlagV6Enabled, 1)
	ifc.AddAddr(iface.Addr{IP: net.ParseIP("fe80::1"), PrefixLen: 64, V6: true, Lifecycle: iface.Preferred})

	router := v6Addr(t, "fe80::9")
	allNodes := v6Addr(t, "ff02::1")
	ra := ndp.RouterAdvertisement{RouterLifetime: 1800}
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6RouterAdvert, Body: ra.Marshal()}, router, allNodes)
	frame := frameV6(ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)), NextHeader: ipv6.ProtoICMPv6,
		HopLimit: ipv6.NDPHopLimit, Src: router, Dst: allNodes,
	}, icmpMsg)
	if _, err := c.IngressV6(ifc.ID, frame, hostctx.Dispatch{}); err != nil {
		t.Fatalf("IngressV6: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Background(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Background() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Background did not return after cancel")
	}
}
