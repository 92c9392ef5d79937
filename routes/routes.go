// Package routes implements the host's IPv4 and IPv6 routing tables:
// longest-prefix-match lists with per-route metric, dynamic/static
// provenance, and enable/disable-by-interface bulk actions.
//
// Grounded on the teacher's netstack/routes package (see routes_test.go):
// an ExtendedRoute wraps a destination/mask/gateway/NIC route with metric
// and lifecycle bookkeeping, and the table is kept sorted so that the first
// match is always the most specific (longest prefix, then lowest metric).
package routes

import (
	"net"
	"sort"
	"sync"

	"go.netsim.dev/hoststack/iface"
)

// Metric ranks routes of equal prefix length; lower wins.
type Metric uint32

// GatewayKind distinguishes how a route's next hop is reached, per §3's IPv6
// table shape ("local / via next-hop / broadcast").
type GatewayKind int

const (
	ViaNextHop GatewayKind = iota
	Local
	Broadcast
)

// Route is one forwarding table entry.
type Route struct {
	Dest    net.IP
	Mask    net.IPMask
	Gateway net.IP // nil/unspecified for on-link (Local) routes
	NIC     iface.ID
	Kind    GatewayKind
}

func (r Route) prefixLen() int {
	ones, _ := r.Mask.Size()
	return ones
}

func (r Route) contains(addr net.IP) bool {
	dest := r.Dest.Mask(r.Mask)
	return dest.Equal(addr.Mask(r.Mask))
}

// ExtendedRoute adds the metric and provenance bookkeeping the table needs
// to re-sort and bulk-update routes by interface, mirroring the teacher's
// routes.ExtendedRoute.
type ExtendedRoute struct {
	Route
	Metric                Metric
	MetricTracksInterface bool
	Dynamic               bool
	Enabled               bool
}

// Action is a bulk operation applied to every route on one interface, as
// issued when the interface's link state changes.
type Action int

const (
	ActionEnableStatic Action = iota
	ActionDisableStatic
	ActionDeleteDynamic
	ActionDeleteAll
)

// Table is a longest-prefix-match routing table. It is safe for concurrent
// use, though the host's single-threaded-per-host model means contention is
// not expected in practice.
type Table struct {
	mu   sync.Mutex
	rows []ExtendedRoute
}

func New() *Table { return &Table{} }

// Add inserts a route, keeping the table sorted by (prefix length desc,
// metric asc) so Lookup's first match is always correct.
func (t *Table) Add(r Route, metric Metric, tracksIface, dynamic, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, ExtendedRoute{
		Route:                 r,
		Metric:                metric,
		MetricTracksInterface: tracksIface,
		Dynamic:               dynamic,
		Enabled:               enabled,
	})
	t.resort()
}

func (t *Table) resort() {
	sort.SliceStable(t.rows, func(i, j int) bool {
		pi, pj := t.rows[i].prefixLen(), t.rows[j].prefixLen()
		if pi != pj {
			return pi > pj
		}
		return t.rows[i].Metric < t.rows[j].Metric
	})
}

// Del removes the first route exactly matching dest/mask/NIC.
func (t *Table) Del(r Route) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, row := range t.rows {
		if row.Dest.Equal(r.Dest) && row.Mask.String() == r.Mask.String() && row.NIC == r.NIC {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the most specific enabled route matching addr, or false if
// none exists.
func (t *Table) Lookup(addr net.IP) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		if !row.Enabled {
			continue
		}
		if row.contains(addr) {
			return row.Route, true
		}
	}
	return Route{}, false
}

// FindNIC returns the outgoing interface a gateway address would be reached
// through, used to backfill a route's NIC field when only a gateway is
// known (mirrors the teacher's Netstack.AddRoutesLocked).
func (t *Table) FindNIC(gateway net.IP) (iface.ID, bool) {
	r, ok := t.Lookup(gateway)
	if !ok {
		return 0, false
	}
	return r.NIC, true
}

// All returns a snapshot of every route, most-specific first.
func (t *Table) All() []ExtendedRoute {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ExtendedRoute, len(t.rows))
	copy(out, t.rows)
	return out
}

// UpdateByInterface applies a bulk Action to every route on nic, matching
// the teacher's UpdateRoutesByInterfaceLocked behavior for interface
// up/down/removal transitions.
func (t *Table) UpdateByInterface(nic iface.ID, action Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch action {
	case ActionDeleteAll:
		filtered := t.rows[:0]
		for _, row := range t.rows {
			if row.NIC != nic {
				filtered = append(filtered, row)
			}
		}
		t.rows = filtered
	case ActionDeleteDynamic:
		filtered := t.rows[:0]
		for _, row := range t.rows {
			if row.NIC == nic && row.Dynamic {
				continue
			}
			filtered = append(filtered, row)
		}
		t.rows = filtered
	case ActionEnableStatic:
		for i := range t.rows {
			if t.rows[i].NIC == nic && !t.rows[i].Dynamic {
				t.rows[i].Enabled = true
			}
		}
	case ActionDisableStatic:
		for i := range t.rows {
			if t.rows[i].NIC == nic && !t.rows[i].Dynamic {
				t.rows[i].Enabled = false
			}
		}
	}
}

// UpdateMetricByInterface re-metrics every route on nic that tracks the
// interface's default metric (MetricTracksInterface), then re-sorts.
func (t *Table) UpdateMetricByInterface(nic iface.ID, metric Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].NIC == nic && t.rows[i].MetricTracksInterface {
			t.rows[i].Metric = metric
		}
	}
	t.resort()
}
