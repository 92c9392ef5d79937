// Package socket implements the fd table, binding rules, and port
// allocation shared by the stack's UDP and TCP socket surfaces, per §4.6
// of the spec.
package socket

import (
	"net"
	"sync"

	"go.uber.org/multierr"

	"go.netsim.dev/hoststack/hosterr"
	"go.netsim.dev/hoststack/iface"
)

type Domain int

const (
	INET Domain = iota
	INET6
)

type Type int

const (
	Stream Type = iota
	Dgram
)

// allowed is the domain x type combinations this stack serves; anything
// else is Unsupported, per §4.6.
var allowed = map[Domain]map[Type]bool{
	INET:  {Stream: true, Dgram: true},
	INET6: {Stream: true, Dgram: true},
}

// Binding describes what interface(s) a socket is bound to: a single
// interface, the "any" wildcard over a specific set (multi-homed hosts),
// or unbound.
type Binding struct {
	Kind BindingKind
	IF   iface.ID
	Any  []iface.ID
}

type BindingKind int

const (
	NotBound BindingKind = iota
	Bound
	AnyOf
)

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// FD is an opaque per-process file-descriptor handle.
type FD int

type entry struct {
	domain  Domain
	typ     Type
	binding Binding
	localPort uint16
	peer    *net.TCPAddr

	// resource is the protocol-layer object (a *tcp.Conn, *tcp.Listener, or
	// *udp.ControlBlock) this descriptor is bound to; hostctx sets it once
	// the socket graduates past Socket()/Bind(). closer releases it.
	resource interface{}
	closer   func() error
}

// Table is the per-host socket descriptor table plus ephemeral port
// allocator, guarded for the same reasons iface.Table and arp.Table are:
// tests and any incidental cross-goroutine access, even though only one
// host event is ever processed at a time (§1.1).
type Table struct {
	mu        sync.Mutex
	nextFD    FD
	sockets   map[FD]*entry
	nextEph   uint16
	usedPorts map[uint16]bool
}

func NewTable() *Table {
	return &Table{
		sockets:   make(map[FD]*entry),
		nextEph:   ephemeralLow,
		usedPorts: make(map[uint16]bool),
	}
}

// Socket allocates a new descriptor for (domain, typ), rejecting
// combinations this stack doesn't serve.
func (t *Table) Socket(domain Domain, typ Type) (FD, error) {
	if !allowed[domain][typ] {
		return 0, hosterr.New("socket", hosterr.Unsupported)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.nextFD
	t.nextFD++
	t.sockets[fd] = &entry{domain: domain, typ: typ}
	return fd, nil
}

func (t *Table) get(fd FD) (*entry, error) {
	e, ok := t.sockets[fd]
	if !ok {
		return nil, hosterr.New("socket", hosterr.NotFound)
	}
	return e, nil
}

// Bind assigns a local port, allocating an ephemeral one if port is 0, and
// records the interface binding (Bound to one NIC, or AnyOf a set for a
// wildcard local address).
func (t *Table) Bind(fd FD, binding Binding, port uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		port, err = t.allocEphemeral()
		if err != nil {
			return 0, err
		}
	} else if t.usedPorts[port] {
		return 0, hosterr.New("bind", hosterr.AddrInUse)
	}
	t.usedPorts[port] = true
	e.binding = binding
	e.localPort = port
	return port, nil
}

// allocEphemeral scans the ephemeral range starting from nextEph, wrapping
// once, per the usual ephemeral-port allocation strategy.
func (t *Table) allocEphemeral() (uint16, error) {
	start := t.nextEph
	for {
		p := t.nextEph
		if t.nextEph == ephemeralHigh {
			t.nextEph = ephemeralLow
		} else {
			t.nextEph++
		}
		if !t.usedPorts[p] {
			return p, nil
		}
		if t.nextEph == start {
			return 0, hosterr.New("bind", hosterr.AddrInUse)
		}
	}
}

// SelectZeroAddress resolves the "any" local address (0.0.0.0 / ::) to a
// concrete sending interface: the highest-priority active up interface,
// per §4.6's zero-address selection rule.
func SelectZeroAddress(ifaces []*iface.Interface) (*iface.Interface, error) {
	var best *iface.Interface
	for _, i := range ifaces {
		if !i.IsUp() {
			continue
		}
		if best == nil || i.Priority > best.Priority {
			best = i
		}
	}
	if best == nil {
		return nil, hosterr.New("select_zero_address", hosterr.AddrNotAvailable)
	}
	return best, nil
}

// SetResource attaches the protocol-layer object fd now fronts (a TCP Conn
// or Listener, or a UDP ControlBlock) along with the func that releases it.
// hostctx calls this once Connect/Listen/Bind has created that object.
func (t *Table) SetResource(fd FD, resource interface{}, closer func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(fd)
	if err != nil {
		return err
	}
	e.resource = resource
	e.closer = closer
	return nil
}

// Resource returns the protocol-layer object bound to fd, if any.
func (t *Table) Resource(fd FD) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(fd)
	if err != nil {
		return nil, err
	}
	return e.resource, nil
}

// Close releases a descriptor, its port, and its bound resource (if any).
func (t *Table) Close(fd FD) error {
	t.mu.Lock()
	e, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	closer := e.closer
	delete(t.usedPorts, e.localPort)
	delete(t.sockets, fd)
	t.mu.Unlock()

	if closer != nil {
		return closer()
	}
	return nil
}

// CloseAll closes every descriptor in fds, aggregating failures with
// multierr so a caller tearing down a whole host's sockets at once (e.g. an
// interface going down, or host shutdown) sees every failure rather than
// just the first — mirrors Close's single-fd contract but for bulk teardown.
func (t *Table) CloseAll(fds []FD) error {
	var err error
	for _, fd := range fds {
		if cerr := t.Close(fd); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// FDs returns a snapshot of every currently open descriptor, for bulk
// teardown via CloseAll.
func (t *Table) FDs() []FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FD, 0, len(t.sockets))
	for fd := range t.sockets {
		out = append(out, fd)
	}
	return out
}

// LocalPort reports the bound local port, 0 if unbound.
func (t *Table) LocalPort(fd FD) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	return e.localPort, nil
}

// Connect records the peer address for a stream socket, used by
// local_addr/peer_addr queries and by the TCP layer to key its connection
// table.
func (t *Table) Connect(fd FD, peer *net.TCPAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(fd)
	if err != nil {
		return err
	}
	e.peer = peer
	return nil
}

func (t *Table) Peer(fd FD) (*net.TCPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(fd)
	if err != nil {
		return nil, err
	}
	return e.peer, nil
}
