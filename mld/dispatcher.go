package mld

import (
	"context"

	"golang.org/x/sync/errgroup"

	"go.netsim.dev/hoststack/ipv6"
)

// Event carries an outbound Report/Done the state machine wants sent,
// decoupled from the packet-processing path the same way ndp.Dispatcher
// decouples NDP lifecycle events from ingress.
type Event struct {
	Group  ipv6.Addr
	Action Action // SendReport or SendDone; NoAction/ScheduleReport never emitted
}

// Dispatcher fans MLD send-intent events out to a handler on a dedicated
// worker goroutine, mirroring ndp.Dispatcher.
type Dispatcher struct {
	events chan Event
	handle func(Event)
}

// NewDispatcher creates a Dispatcher with a bounded event queue; handle runs
// on the goroutine Run starts.
func NewDispatcher(handle func(Event), queueLen int) *Dispatcher {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Dispatcher{events: make(chan Event, queueLen), handle: handle}
}

// Emit enqueues an event without blocking the caller; a full queue drops the
// oldest pending event, since a superseded Report/Done is harmless to miss.
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

// Spawn starts Run on g, alongside ndp.Spawn and timer.Spawn, under the host
// context's single supervising errgroup.
func Spawn(ctx context.Context, g *errgroup.Group, d *Dispatcher) {
	g.Go(func() error { return d.Run(ctx) })
}
