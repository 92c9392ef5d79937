package ndp

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/ipv6"
)

// Event is a marker interface used to improve type safety across the
// dispatcher's event channel, mirroring the teacher's ndpEvent in ndp.go.
type Event interface{ isNDPEvent() }

type common struct {
	NIC  iface.ID
	Addr ipv6.Addr
}

type DuplicateAddressDetectionEvent struct {
	common
	Resolved bool
}

type DiscoveredRouterEvent struct{ common }
type InvalidatedRouterEvent struct{ common }

type prefixCommon struct {
	NIC    iface.ID
	Prefix ipv6.Addr
	Length uint8
}

type DiscoveredPrefixEvent struct{ prefixCommon }
type InvalidatedPrefixEvent struct{ prefixCommon }

type GeneratedAutoGenAddrEvent struct {
	NIC  iface.ID
	Addr ipv6.Addr
}

// NewDuplicateAddressDetectionEvent, NewDiscoveredRouterEvent, and their
// siblings below are the only way to construct these events from outside
// the package, since their common/prefixCommon embeds are unexported.
func NewDuplicateAddressDetectionEvent(nic iface.ID, addr ipv6.Addr, resolved bool) *DuplicateAddressDetectionEvent {
	return &DuplicateAddressDetectionEvent{common: common{NIC: nic, Addr: addr}, Resolved: resolved}
}

func NewDiscoveredRouterEvent(nic iface.ID, addr ipv6.Addr) *DiscoveredRouterEvent {
	return &DiscoveredRouterEvent{common{NIC: nic, Addr: addr}}
}

func NewInvalidatedRouterEvent(nic iface.ID, addr ipv6.Addr) *InvalidatedRouterEvent {
	return &InvalidatedRouterEvent{common{NIC: nic, Addr: addr}}
}

func NewDiscoveredPrefixEvent(nic iface.ID, prefix ipv6.Addr, length uint8) *DiscoveredPrefixEvent {
	return &DiscoveredPrefixEvent{prefixCommon{NIC: nic, Prefix: prefix, Length: length}}
}

func NewInvalidatedPrefixEvent(nic iface.ID, prefix ipv6.Addr, length uint8) *InvalidatedPrefixEvent {
	return &InvalidatedPrefixEvent{prefixCommon{NIC: nic, Prefix: prefix, Length: length}}
}

func (*DuplicateAddressDetectionEvent) isNDPEvent() {}
func (*DiscoveredRouterEvent) isNDPEvent()          {}
func (*InvalidatedRouterEvent) isNDPEvent()         {}
func (*DiscoveredPrefixEvent) isNDPEvent()          {}
func (*InvalidatedPrefixEvent) isNDPEvent()         {}
func (*GeneratedAutoGenAddrEvent) isNDPEvent()      {}

// Dispatcher fans NDP lifecycle events out to a handler function on a
// dedicated worker goroutine, the way the teacher's ndpDispatcher decouples
// event production (inline with packet handling) from consumption. This
// keeps the packet-decode fast path (§5: "never wakes ... without finishing
// that path first") from blocking on whatever the event handler does.
type Dispatcher struct {
	events  chan Event
	handle  func(Event)
}

// NewDispatcher creates a Dispatcher with a bounded event queue; handle is
// invoked for every event on the worker goroutine started by Run.
func NewDispatcher(handle func(Event), queueLen int) *Dispatcher {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Dispatcher{events: make(chan Event, queueLen), handle: handle}
}

// Emit enqueues an event without blocking the calling packet-processing
// path; a full queue drops the oldest pending event rather than blocking,
// since NDP events are advisory (routes/addresses are the source of truth).
func (d *Dispatcher) Emit(e Event) {
	select {
	case d.events <- e:
	default:
		select {
		case <-d.events:
		default:
		}
		select {
		case d.events <- e:
		default:
		}
	}
}

// Run drains events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-d.events:
			d.handle(e)
		}
	}
}

// Spawn starts Run on g, so the host context's Background loop can supervise
// the NDP dispatcher the same way timer.Spawn supervises the timer wheel:
// one goroutine failure (ctx cancellation) tears down every background loop
// together via the errgroup.
func Spawn(ctx context.Context, g *errgroup.Group, d *Dispatcher) {
	g.Go(func() error { return d.Run(ctx) })
}

// DefaultRetransTimer is the RFC 4861 default used between DAD/address
// resolution solicitations when a router hasn't advertised a different
// value.
const DefaultRetransTimer = time.Second
