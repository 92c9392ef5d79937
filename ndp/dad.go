package ndp

import (
	"time"

	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/ipv6"
)

// DADTransmits is the number of Neighbor Solicitations sent beyond the first
// before a tentative address is promoted (DADTransmits+1 in total), per §4.3
// ("configurable-many neighbor solicitations"). Fixed at 1 retransmission
// beyond the first.
const DADTransmits = 1

// DADState tracks one address's Duplicate Address Detection run.
type DADState struct {
	Addr     ipv6.Addr
	NIC      iface.ID
	Sent     int
	Deadline time.Time
}

// NewDAD starts (or restarts) DAD bookkeeping for addr.
func NewDAD(addr ipv6.Addr, nic iface.ID) *DADState {
	return &DADState{Addr: addr, NIC: nic}
}

// ShouldSendNext reports whether another solicitation should go out, i.e.
// fewer than DADTransmits+1 have been sent so far.
func (d *DADState) ShouldSendNext() bool {
	return d.Sent <= DADTransmits
}

// RecordSent bumps the counter after emitting a solicitation.
func (d *DADState) RecordSent(retransmitTimer time.Duration, now time.Time) {
	d.Sent++
	d.Deadline = now.Add(retransmitTimer)
}

// Done reports whether DAD has run its full course without a conflict
// being observed (caller promotes the address to Preferred).
func (d *DADState) Done() bool {
	return d.Sent > DADTransmits
}
