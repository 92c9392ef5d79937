package ndp

import (
	"net"
	"sync"
	"time"

	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/ipv6"
)

// State is one of the five standard neighbor cache states (RFC 4861 §7.3.2).
type State int

const (
	Incomplete State = iota
	Reachable
	Stale
	Delay
	Probe
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "INCOMPLETE"
	case Reachable:
		return "REACHABLE"
	case Stale:
		return "STALE"
	case Delay:
		return "DELAY"
	case Probe:
		return "PROBE"
	default:
		return "?"
	}
}

const maxPending = 8

// maxMulticastSolicits bounds address-resolution retries in IncSolicit (RFC 4861
// default; configurable in principle, fixed here per the Non-goals).
const maxMulticastSolicits = 3

// NeighborEntry is one row of the IPv6 neighbor cache.
type NeighborEntry struct {
	Addr        ipv6.Addr
	State       State
	MAC         net.HardwareAddr
	NIC         iface.ID
	IsRouter    bool
	Expires     time.Time
	SolicitSent int
	pending     [][]byte
}

// NeighborCache is the per-host IPv6 neighbor cache.
type NeighborCache struct {
	mu   sync.Mutex
	rows map[ipv6.Addr]*NeighborEntry
}

func NewNeighborCache() *NeighborCache {
	return &NeighborCache{rows: make(map[ipv6.Addr]*NeighborEntry)}
}

// StartResolution creates an Incomplete entry for addr if one doesn't exist,
// returning it and whether it was newly created (the caller should emit a
// Neighbor Solicitation only when true).
func (c *NeighborCache) StartResolution(addr ipv6.Addr, nic iface.ID) (*NeighborEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.rows[addr]; ok {
		return e, false
	}
	e := &NeighborEntry{Addr: addr, State: Incomplete, NIC: nic}
	c.rows[addr] = e
	return e, true
}

// Enqueue buffers a packet awaiting resolution of addr, bounded to
// maxPending.
func (c *NeighborCache) Enqueue(addr ipv6.Addr, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.rows[addr]
	if !ok {
		return
	}
	e.pending = append(e.pending, frame)
	if len(e.pending) > maxPending {
		e.pending = e.pending[len(e.pending)-maxPending:]
	}
}

// Lookup returns the entry for addr, if any.
func (c *NeighborCache) Lookup(addr ipv6.Addr) (*NeighborEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.rows[addr]
	return e, ok
}

// HandleAdvertisement applies an incoming Neighbor Advertisement to the
// cache per RFC 4861 §7.2.5, returning any packets flushed from the pending
// buffer (whenever an Incomplete entry learns its link-layer address, whether
// it moves to Reachable or to Stale; in FIFO order) and whether the entry
// transitioned to Reachable.
func (c *NeighborCache) HandleAdvertisement(na NeighborAdvertisement, mac net.HardwareAddr, now time.Time, reachableFor time.Duration) (flushed [][]byte, becameReachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.rows[na.Target]
	if !ok {
		return nil, false
	}
	switch e.State {
	case Incomplete:
		if !na.Solicited {
			// An unsolicited NA on an Incomplete entry without a
			// link-layer address option gives us nothing to act on.
			if mac == nil {
				return nil, false
			}
		}
		if mac == nil {
			return nil, false
		}
		e.MAC = mac
		e.IsRouter = na.Router
		if na.Solicited {
			e.State = Reachable
			e.Expires = now.Add(reachableFor)
		} else {
			e.State = Stale
		}
		flushed = e.pending
		e.pending = nil
		return flushed, e.State == Reachable
	default:
		sameLLA := mac == nil || (e.MAC != nil && e.MAC.String() == mac.String())
		if !na.Override && !sameLLA && e.State == Reachable {
			// Conflicting, non-overriding NA on a Reachable entry: RFC
			// 4861 demotes it to Stale without updating the address.
			e.State = Stale
			return nil, false
		}
		if mac != nil && (!sameLLA || na.Override) {
			e.MAC = mac
			e.State = Stale
		}
		e.IsRouter = na.Router
		if na.Solicited && sameLLA {
			e.State = Reachable
			e.Expires = now.Add(reachableFor)
		}
		return nil, false
	}
}

// SetState sets an existing entry's state, e.g. Stale (on receipt of any
// traffic from it while aged out) or Delay (about to probe).
func (c *NeighborCache) SetState(addr ipv6.Addr, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.rows[addr]; ok {
		e.State = s
	}
}

// IncSolicit bumps the solicitation retry counter and reports whether the
// caller should give up (exceeded maxMulticastSolicits).
func (c *NeighborCache) IncSolicit(addr ipv6.Addr) (count int, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.rows[addr]
	if !ok {
		return 0, true
	}
	e.SolicitSent++
	return e.SolicitSent, e.SolicitSent > maxMulticastSolicits
}

// Delete drops an entry (resolution timeout, or interface teardown) and
// returns any packets still buffered so the caller can drop them, matching
// §8's "For every enqueued packet ... otherwise it is dropped."
func (c *NeighborCache) Delete(addr ipv6.Addr) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.rows[addr]
	if !ok {
		return nil
	}
	delete(c.rows, addr)
	return e.pending
}

// ExpireReachable demotes entries whose Reachable timer has elapsed to
// Stale, returning their addresses.
func (c *NeighborCache) ExpireReachable(now time.Time) []ipv6.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ipv6.Addr
	for addr, e := range c.rows {
		if e.State == Reachable && !e.Expires.IsZero() && now.After(e.Expires) {
			e.State = Stale
			out = append(out, addr)
		}
	}
	return out
}
