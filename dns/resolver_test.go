package dns_test

import (
	"net"
	"testing"

	"go.netsim.dev/hoststack/dns"
)

func TestResolveLiteralV4(t *testing.T) {
	ip, ok := dns.ResolveLiteral("192.0.2.1")
	if !ok || ip.To4() == nil {
		t.Fatalf("ResolveLiteral = %v, %v", ip, ok)
	}
}

func TestResolveLiteralRejectsHostname(t *testing.T) {
	if _, ok := dns.ResolveLiteral("example.com"); ok {
		t.Fatal("expected hostname to fail literal parsing")
	}
}

func TestBuildQueryAssignsIncreasingIDs(t *testing.T) {
	r := dns.NewResolver()
	r.SetNameserver(net.IPv4(8, 8, 8, 8), 0)
	_, id1, err := r.BuildQuery("example.com", false)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	_, id2, err := r.BuildQuery("example.com", true)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if id2 == id1 {
		t.Fatal("expected distinct query IDs")
	}
	if ns, port := r.Nameserver(); ns == nil || port != 53 {
		t.Fatalf("nameserver = %v:%d", ns, port)
	}
}
