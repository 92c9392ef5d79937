// Package iface models the per-host interface table: named L2 endpoints
// with assigned L3 addresses, flags, and a transmit queue, following the
// teacher's ifState/Netstack.addEndpoint structure (netstack.go) generalized
// away from Fuchsia's ethernet/FIDL plumbing.
package iface

import (
	"fmt"
	"net"
	"sync"

	"go.netsim.dev/hoststack/hosterr"
)

// ID is a stable interface identifier, analogous to tcpip.NICID in the
// teacher's stack.
type ID uint32

// Flags mirrors BSD interface flags relevant to this stack.
type Flags uint32

const (
	FlagUp Flags = 1 << iota
	FlagLoopback
	FlagBroadcast
	FlagMulticast
	FlagRouter
	FlagV6Enabled
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// AddrLifecycle is the IPv6 address lifecycle state (RFC 4862).
type AddrLifecycle int

const (
	Preferred AddrLifecycle = iota
	Tentative
	Deprecated
)

// Addr is one L3 address assigned to an interface.
type Addr struct {
	IP         net.IP
	PrefixLen  int // netmask bits for IPv4, prefix length for IPv6
	V6         bool
	Lifecycle  AddrLifecycle // meaningful only when V6
	DADSent    int           // solicitations sent so far, for DAD retry bookkeeping
}

func (a Addr) IsV4() bool { return !a.V6 }

// Subnet returns the network address for this assigned address.
func (a Addr) Subnet() net.IPNet {
	var mask net.IPMask
	if a.V6 {
		mask = net.CIDRMask(a.PrefixLen, 128)
	} else {
		mask = net.CIDRMask(a.PrefixLen, 32)
	}
	return net.IPNet{IP: a.IP.Mask(mask), Mask: mask}
}

// Interface is a named L2 endpoint owned by exactly one host context.
type Interface struct {
	ID       ID
	Name     string
	MAC      net.HardwareAddr
	MTU      int
	Flags    Flags
	Priority int // used for zero-address ("any") outbound interface selection

	mu        sync.Mutex
	addrs     []Addr
	mcast     map[string]struct{} // IPv6 multicast group memberships, keyed by String()
	txQueue   [][]byte
	busy      bool
}

// New creates an interface with the given flags (up only if flags includes
// FlagUp) and no addresses.
func New(id ID, name string, mac net.HardwareAddr, mtu int, flags Flags, priority int) *Interface {
	return &Interface{
		ID:       id,
		Name:     name,
		MAC:      mac,
		MTU:      mtu,
		Flags:    flags,
		Priority: priority,
		mcast:    make(map[string]struct{}),
	}
}

func (i *Interface) IsUp() bool { return i.Flags.Has(FlagUp) }

// AddAddr assigns addr to the interface. Duplicate exact (IP, prefix) pairs
// are rejected.
func (i *Interface) AddAddr(a Addr) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, existing := range i.addrs {
		if existing.IP.Equal(a.IP) && existing.PrefixLen == a.PrefixLen {
			return hosterr.New("iface.AddAddr", hosterr.AlreadyExists)
		}
	}
	i.addrs = append(i.addrs, a)
	return nil
}

// RemoveAddr removes an assigned address. Returns NotFound if absent.
func (i *Interface) RemoveAddr(ip net.IP) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, a := range i.addrs {
		if a.IP.Equal(ip) {
			i.addrs = append(i.addrs[:idx], i.addrs[idx+1:]...)
			return nil
		}
	}
	return hosterr.New("iface.RemoveAddr", hosterr.NotFound)
}

// Addrs returns a snapshot copy of assigned addresses.
func (i *Interface) Addrs() []Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Addr, len(i.addrs))
	copy(out, i.addrs)
	return out
}

// PromoteAddr transitions a tentative address to preferred, e.g. after DAD
// completes without a conflict being observed.
func (i *Interface) PromoteAddr(ip net.IP) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.addrs {
		if i.addrs[idx].IP.Equal(ip) {
			i.addrs[idx].Lifecycle = Preferred
			return nil
		}
	}
	return hosterr.New("iface.PromoteAddr", hosterr.NotFound)
}

// HasAddr reports whether addr is currently assigned (in any lifecycle
// state) to this interface.
func (i *Interface) HasAddr(ip net.IP) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, a := range i.addrs {
		if a.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// JoinMulticast records a multicast group membership (used by MLD).
func (i *Interface) JoinMulticast(group net.IP) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mcast[group.String()] = struct{}{}
}

// LeaveMulticast removes a multicast group membership.
func (i *Interface) LeaveMulticast(group net.IP) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.mcast, group.String())
}

// IsMember reports whether the interface listens to group.
func (i *Interface) IsMember(group net.IP) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.mcast[group.String()]
	return ok
}

// Enqueue appends frame to the interface's transmit queue. The link layer
// (external collaborator) drains this queue; the core never blocks on it.
func (i *Interface) Enqueue(frame []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.txQueue = append(i.txQueue, frame)
}

// Dequeue pops the oldest queued frame, if any.
func (i *Interface) Dequeue() ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.txQueue) == 0 {
		return nil, false
	}
	f := i.txQueue[0]
	i.txQueue = i.txQueue[1:]
	return f, true
}

func (i *Interface) String() string {
	return fmt.Sprintf("%s[%d]", i.Name, i.ID)
}

// Table is the host's interface table: at most one entry per name (§3
// invariant) and a monotonically allocated ID space.
type Table struct {
	mu      sync.Mutex
	byID    map[ID]*Interface
	byName  map[string]*Interface
	nextID  ID
}

func NewTable() *Table {
	return &Table{byID: make(map[ID]*Interface), byName: make(map[string]*Interface)}
}

// Register installs a new interface. Duplicate names fail with
// AlreadyExists, per §4.1.
func (t *Table) Register(name string, mac net.HardwareAddr, mtu int, flags Flags, priority int) (*Interface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[name]; ok {
		return nil, hosterr.New("iface.Register", hosterr.AlreadyExists)
	}
	t.nextID++
	ifc := New(t.nextID, name, mac, mtu, flags, priority)
	t.byID[ifc.ID] = ifc
	t.byName[name] = ifc
	return ifc, nil
}

func (t *Table) ByID(id ID) (*Interface, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ifc, ok := t.byID[id]
	return ifc, ok
}

func (t *Table) ByName(name string) (*Interface, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ifc, ok := t.byName[name]
	return ifc, ok
}

// All returns a snapshot slice of every registered interface.
func (t *Table) All() []*Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Interface, 0, len(t.byID))
	for _, ifc := range t.byID {
		out = append(out, ifc)
	}
	return out
}

// Remove deletes an interface from the table entirely (used on teardown).
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ifc, ok := t.byID[id]; ok {
		delete(t.byName, ifc.Name)
		delete(t.byID, id)
	}
}
