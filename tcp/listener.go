package tcp

import (
	"net"
	"sync"

	"go.netsim.dev/hoststack/hosterr"
)

// ConnKey is the four-tuple a TCP connection is keyed by — §3's invariant
// "at most one TCP connection exists per four-tuple" is enforced by using
// this as the map key in both Listener and whatever table hostctx keeps for
// actively-opened connections.
type ConnKey struct {
	LocalIP    [16]byte
	LocalPort  uint16
	RemoteIP   [16]byte
	RemotePort uint16
}

func addrKey(ip net.IP) [16]byte {
	var a [16]byte
	copy(a[:], ip.To16())
	return a
}

// NewConnKey builds a ConnKey from the usual net.IP/port pairs.
func NewConnKey(localIP, remoteIP net.IP, localPort, remotePort uint16) ConnKey {
	return ConnKey{
		LocalIP:    addrKey(localIP),
		LocalPort:  localPort,
		RemoteIP:   addrKey(remoteIP),
		RemotePort: remotePort,
	}
}

// Listener is the bounded incoming-SYN queue a bound, listening socket owns
// (§4.4's "Listener"): every in-progress or not-yet-accepted connection for
// one local (IP, port) is tracked here, keyed by the full four-tuple so
// concurrent handshakes from different peers don't collide.
type Listener struct {
	mu sync.Mutex

	localIP   net.IP
	localPort uint16
	backlog   int

	conns       map[ConnKey]*Conn
	acceptQueue []ConnKey

	seed int64
}

// NewListener creates a Listener bound to (localIP, localPort) with room for
// backlog simultaneous pending-or-unaccepted connections. seed drives each
// spawned Conn's ISN generator.
func NewListener(localIP net.IP, localPort uint16, backlog int, seed int64) *Listener {
	if backlog <= 0 {
		backlog = 16
	}
	return &Listener{
		localIP:   localIP,
		localPort: localPort,
		backlog:   backlog,
		conns:     make(map[ConnKey]*Conn),
		seed:      seed,
	}
}

// Segment routes one inbound segment from (remoteIP, remotePort) to the
// per-peer Conn it belongs to, spawning a new passive Conn on a fresh SYN if
// the backlog has room. A SYN arriving when the backlog is full gets no
// reply and no Conn; Segment returns a WouldBlock error for it.
func (l *Listener) Segment(remoteIP net.IP, remotePort uint16, seg Segment) ([]Output, error) {
	key := NewConnKey(l.localIP, remoteIP, l.localPort, remotePort)

	l.mu.Lock()
	conn, ok := l.conns[key]
	if !ok {
		if !seg.Header.Has(FlagSYN) || seg.Header.Has(FlagRST) {
			l.mu.Unlock()
			return nil, nil
		}
		if len(l.conns) >= l.backlog {
			l.mu.Unlock()
			return nil, hosterr.New("tcp.Listener.Segment", hosterr.WouldBlock)
		}
		l.seed++
		conn = NewPassive(l.seed)
		l.conns[key] = conn
	}
	wasEstablished := conn.state == Established
	l.mu.Unlock()

	outs, _, err := conn.Input(seg)

	l.mu.Lock()
	switch {
	case conn.state == Closed:
		delete(l.conns, key)
	case !wasEstablished && conn.state == Established:
		l.acceptQueue = append(l.acceptQueue, key)
	}
	l.mu.Unlock()

	return outs, err
}

// Accept pops the oldest established-but-unaccepted connection. Returns
// WouldBlock if the queue is empty, the way a non-blocking accept() would.
func (l *Listener) Accept() (*Conn, ConnKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.acceptQueue) == 0 {
		return nil, ConnKey{}, hosterr.New("tcp.Listener.Accept", hosterr.WouldBlock)
	}
	key := l.acceptQueue[0]
	l.acceptQueue = l.acceptQueue[1:]
	conn, ok := l.conns[key]
	if !ok {
		return nil, ConnKey{}, hosterr.New("tcp.Listener.Accept", hosterr.NotFound)
	}
	return conn, key, nil
}

// Lookup returns the Conn (pending or accepted) for an established
// four-tuple, so later segments for an already-accepted connection still
// route through the listener's table.
func (l *Listener) Lookup(key ConnKey) (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[key]
	return c, ok
}

// Forget drops key's Conn, e.g. once it is fully closed and the socket layer
// has surfaced that to the application.
func (l *Listener) Forget(key ConnKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, key)
}

// Pending reports how many connections (mid-handshake plus queued-for-
// accept) are currently tracked, for backlog introspection.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
