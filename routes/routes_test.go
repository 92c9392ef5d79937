package routes_test

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/routes"
)

func mustCIDR(t *testing.T, s string) (net.IP, net.IPMask) {
	t.Helper()
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %s", s, err)
	}
	return ip.Mask(ipnet.Mask), ipnet.Mask
}

func TestLookupLongestPrefixWins(t *testing.T) {
	table := routes.New()

	dflt, dMask := mustCIDR(t, "0.0.0.0/0")
	table.Add(routes.Route{Dest: dflt, Mask: dMask, NIC: 1}, 100, false, false, true)

	sub, sMask := mustCIDR(t, "192.168.10.0/24")
	table.Add(routes.Route{Dest: sub, Mask: sMask, NIC: 2}, 100, false, false, true)

	r, ok := table.Lookup(net.ParseIP("192.168.10.55"))
	if !ok {
		t.Fatal("expected a route")
	}
	if r.NIC != 2 {
		t.Fatalf("NIC = %d, want 2 (longest prefix should win over default)", r.NIC)
	}

	r, ok = table.Lookup(net.ParseIP("8.8.8.8"))
	if !ok || r.NIC != 1 {
		t.Fatalf("expected default route NIC 1, got %+v ok=%v", r, ok)
	}
}

func TestDisabledRouteIsSkipped(t *testing.T) {
	table := routes.New()
	sub, mask := mustCIDR(t, "10.0.0.0/8")
	table.Add(routes.Route{Dest: sub, Mask: mask, NIC: 1}, 100, false, false, false)

	if _, ok := table.Lookup(net.ParseIP("10.1.2.3")); ok {
		t.Fatal("disabled route should not match")
	}
}

func TestUpdateByInterfaceDeleteAll(t *testing.T) {
	table := routes.New()
	sub, mask := mustCIDR(t, "10.0.0.0/8")
	table.Add(routes.Route{Dest: sub, Mask: mask, NIC: 1}, 100, false, false, true)
	table.Add(routes.Route{Dest: sub, Mask: mask, NIC: 2}, 100, false, false, true)

	table.UpdateByInterface(1, routes.ActionDeleteAll)

	all := table.All()
	if len(all) != 1 || all[0].NIC != 2 {
		t.Fatalf("expected only NIC 2's route to remain, got %+v", all)
	}
}

func TestFindNIC(t *testing.T) {
	table := routes.New()
	sub, mask := mustCIDR(t, "192.168.1.0/24")
	table.Add(routes.Route{Dest: sub, Mask: mask, NIC: iface.ID(4)}, 100, false, false, true)

	nic, ok := table.FindNIC(net.ParseIP("192.168.1.1"))
	if !ok || nic != 4 {
		t.Fatalf("FindNIC = %d, %v, want 4, true", nic, ok)
	}
}

// TestAllReturnsRowsSortedByPrefixThenMetric pins down the full resort
// ordering (longest prefix first, then lowest metric), diffing the whole
// []ExtendedRoute slice at once rather than asserting field by field.
func TestAllReturnsRowsSortedByPrefixThenMetric(t *testing.T) {
	table := routes.New()
	dflt, dMask := mustCIDR(t, "0.0.0.0/0")
	subA, subMask := mustCIDR(t, "10.0.0.0/8")

	table.Add(routes.Route{Dest: dflt, Mask: dMask, NIC: 1}, 200, false, false, true)
	table.Add(routes.Route{Dest: subA, Mask: subMask, NIC: 2}, 50, false, true, true)
	table.Add(routes.Route{Dest: subA, Mask: subMask, NIC: 3}, 10, false, true, true)

	want := []routes.ExtendedRoute{
		{Route: routes.Route{Dest: subA, Mask: subMask, NIC: 3}, Metric: 10, Dynamic: true, Enabled: true},
		{Route: routes.Route{Dest: subA, Mask: subMask, NIC: 2}, Metric: 50, Dynamic: true, Enabled: true},
		{Route: routes.Route{Dest: dflt, Mask: dMask, NIC: 1}, Metric: 200, Enabled: true},
	}

	got := table.All()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("All() mismatch (-want +got):\n%s", diff)
	}
}
