package hostctx

import (
	"net"
	"time"

	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/icmp"
	"go.netsim.dev/hoststack/ipv6"
	"go.netsim.dev/hoststack/mld"
	"go.netsim.dev/hoststack/ndp"
)

// ndpReachableTime is how long a neighbor cache entry stays Reachable after
// a solicited Neighbor Advertisement confirms it. A Router Advertisement's
// ReachableTime field is not applied; this value is always used.
const ndpReachableTime = 30 * time.Second

// defaultMLDMaxRespDelay bounds the random delay a joining host waits before
// sending its initial unsolicited Report (RFC 2710 §4), used when no Query
// has yet supplied one.
const defaultMLDMaxRespDelay = 10 * time.Second

// handleNeighborSolicit answers an NS targeting one of our addresses with a
// solicited, overriding NA carrying our link-layer address, per RFC 4861
// §7.2.4.
func (c *Context) handleNeighborSolicit(nicID iface.ID, ifc *iface.Interface, h ipv6.Header, msg icmp.V6Message, now time.Time) {
	ns, ok := ndp.ParseNeighborSolicitation(msg.Body)
	if !ok || !ifc.HasAddr(ns.Target.IP()) {
		return
	}
	na := ndp.NeighborAdvertisement{
		Router:    ifc.Flags.Has(iface.FlagRouter),
		Solicited: true,
		Override:  true,
		Target:    ns.Target,
	}
	if ifc.MAC != nil {
		na.Options = append(na.Options, ndp.LinkLayerOption(ndp.OptTargetLinkLayer, ifc.MAC))
	}
	icmpMsg := icmp.MarshalV6(icmp.V6Message{Type: icmp.V6NeighborAdvert, Body: na.Marshal()}, ns.Target, h.Src)
	frame := append(ipv6.Header{
		PayloadLen: uint16(len(icmpMsg)), NextHeader: ipv6.ProtoICMPv6,
		HopLimit: ipv6.NDPHopLimit, Src: ns.Target, Dst: h.Src,
	}.Marshal(), icmpMsg...)
	c.EgressV6(h.Src, frame, now, nil)
}

// handleNeighborAdvert applies an inbound NA to the neighbor cache and
// flushes any packets that had been buffered awaiting this resolution.
func (c *Context) handleNeighborAdvert(h ipv6.Header, msg icmp.V6Message, now time.Time) {
	na, ok := ndp.ParseNeighborAdvertisement(msg.Body)
	if !ok {
		return
	}
	var mac net.HardwareAddr
	for _, o := range na.Options {
		if o.Type == ndp.OptTargetLinkLayer {
			mac = o.LinkLayerAddr()
		}
	}
	flushed, _ := c.Neighbors.HandleAdvertisement(na, mac, now, ndpReachableTime)
	if len(flushed) == 0 {
		return
	}
	entry, ok := c.Neighbors.Lookup(na.Target)
	if !ok {
		return
	}
	ifc, ok := c.Interfaces.ByID(entry.NIC)
	if !ok {
		return
	}
	for _, f := range flushed {
		ifc.Enqueue(f)
	}
}

// handleRouterAdvert folds an RA's router lifetime and on-link Prefix
// Information options into NDPLists, emitting discovery/invalidation events
// for anything that changed (RFC 4861 §6.3.4).
func (c *Context) handleRouterAdvert(nicID iface.ID, h ipv6.Header, msg icmp.V6Message, now time.Time) {
	ra, ok := ndp.ParseRouterAdvertisement(msg.Body)
	if !ok {
		return
	}
	discovered, invalidated := c.NDPLists.UpsertRouter(h.Src, nicID, time.Duration(ra.RouterLifetime)*time.Second, now)
	if discovered {
		c.ndpDispatch.Emit(ndp.NewDiscoveredRouterEvent(nicID, h.Src))
	}
	if invalidated {
		c.ndpDispatch.Emit(ndp.NewInvalidatedRouterEvent(nicID, h.Src))
	}
	for _, p := range ra.Prefixes() {
		if !p.OnLink {
			continue
		}
		validFor := time.Duration(p.ValidLifetime) * time.Second
		if c.NDPLists.UpsertPrefix(p.Prefix, p.PrefixLength, nicID, validFor, now) {
			c.ndpDispatch.Emit(ndp.NewDiscoveredPrefixEvent(nicID, p.Prefix, p.PrefixLength))
		}
	}
	for _, expired := range c.NDPLists.ExpirePrefixes(now) {
		c.ndpDispatch.Emit(ndp.NewInvalidatedPrefixEvent(expired.NIC, expired.Prefix, expired.Length))
	}
}

// handleMLDQuery applies an inbound Query to the per-group MLD state machine
// and arms a timer for the resulting report-suppression deadline, if any.
func (c *Context) handleMLDQuery(msg icmp.V6Message, now time.Time) {
	m, ok := mld.ParseMessage(msg.Body)
	if !ok || m.Group.IsUnspecified() {
		return
	}
	respDelay := time.Duration(m.MaxRespDelay) * time.Millisecond
	action, deadline := c.MLD.QueryReceived(m.Group, respDelay, now)
	if action == mld.ScheduleReport {
		group := m.Group
		c.Timers.At(deadline, func() { c.onMLDTimerExpired(group) })
	}
}

// handleMLDReport suppresses this host's own pending Report for the group an
// overheard Report names (RFC 2710 §4).
func (c *Context) handleMLDReport(msg icmp.V6Message) {
	m, ok := mld.ParseMessage(msg.Body)
	if !ok {
		return
	}
	c.MLD.ReportReceived(m.Group)
}

func (c *Context) onMLDTimerExpired(group ipv6.Addr) {
	if c.MLD.TimerExpired(group) == mld.SendReport {
		c.mldDispatch.Emit(mld.Event{Group: group, Action: mld.SendReport})
	}
}

// JoinMulticastGroup records ifc's membership in group and, per RFC 2710
// §4, schedules the randomized initial Report.
func (c *Context) JoinMulticastGroup(ifc *iface.Interface, group ipv6.Addr, now time.Time) {
	ifc.JoinMulticast(group.IP())
	action, deadline := c.MLD.StartListening(group, defaultMLDMaxRespDelay, now)
	if action == mld.ScheduleReport {
		c.Timers.At(deadline, func() { c.onMLDTimerExpired(group) })
	}
}

// LeaveMulticastGroup drops ifc's membership, sending a Done message first
// if this host believes it was the last Reporter for the group.
func (c *Context) LeaveMulticastGroup(ifc *iface.Interface, group ipv6.Addr) {
	if c.MLD.StopListening(group) == mld.SendDone {
		c.mldDispatch.Emit(mld.Event{Group: group, Action: mld.SendDone})
	}
	ifc.LeaveMulticast(group.IP())
}
