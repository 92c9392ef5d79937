package hostctx_test

import (
	"net"
	"testing"
	"time"

	"go.netsim.dev/hoststack/hostctx"
	"go.netsim.dev/hoststack/icmp"
	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/ipv4"
	"go.netsim.dev/hoststack/routes"
)

func fixedNow() time.Time { return time.Unix(0, 0) }

func TestEnterLeaveDetectsReentrance(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	if err := c.Enter("event-1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := c.Enter("event-2"); err == nil {
		t.Fatal("expected re-entrance to fail")
	}
	if err := c.Leave("event-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := c.Enter("event-2"); err != nil {
		t.Fatalf("Enter after Leave: %v", err)
	}
}

func TestRawHandlerSeesPacketBeforeDemux(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, err := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp, 1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	local := net.IPv4(10, 0, 0, 1).To4()
	ifc.AddAddr(iface.Addr{IP: local, PrefixLen: 24})

	var seen []byte
	c.RegisterRawHandler(17, func(src, dst net.IP, payload []byte) {
		seen = append([]byte(nil), payload...)
	})

	h := ipv4.Header{Version: 4, IHL: 5, TotalLength: 31, TTL: 64, Protocol: 17,
		Src: net.IPv4(10, 0, 0, 2), Dst: local}
	frame := marshalV4(h, []byte("udp-payload"))

	class, err := c.IngressV4(ifc.ID, frame, hostctx.Dispatch{})
	if err != nil {
		t.Fatalf("IngressV4: %v", err)
	}
	if class != hostctx.ClassForNetworking {
		t.Fatalf("class = %v, want ClassForNetworking", class)
	}
	if string(seen) != "udp-payload" {
		t.Fatalf("raw handler saw %q", seen)
	}
}

func TestEchoRequestAnsweredInline(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp, 1)
	local := net.IPv4(10, 0, 0, 1).To4()
	ifc.AddAddr(iface.Addr{IP: local, PrefixLen: 24})

	echo := icmp.MarshalV4(icmp.V4Message{Type: icmp.V4EchoRequest, RestOfHeader: [4]byte{0, 1, 0, 2}})
	h := ipv4.Header{Version: 4, IHL: 5, TotalLength: uint16(20 + len(echo)), TTL: 64, Protocol: 1,
		Src: net.IPv4(10, 0, 0, 2), Dst: local}
	frame := marshalV4(h, echo)

	var replied []byte
	_, err := c.IngressV4(ifc.ID, frame, hostctx.Dispatch{
		EchoReply: func(dst net.IP, reply []byte) { replied = reply },
	})
	if err != nil {
		t.Fatalf("IngressV4: %v", err)
	}
	got, ok := icmp.ParseV4(replied)
	if !ok || got.Type != icmp.V4EchoReply {
		t.Fatalf("reply = %+v, ok=%v", got, ok)
	}
	if got.RestOfHeader != [4]byte{0, 1, 0, 2} {
		t.Fatalf("RestOfHeader = %v", got.RestOfHeader)
	}
}

func TestEgressWithoutRouteFails(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	err := c.EgressV4(net.IPv4(8, 8, 8, 8), []byte("x"), fixedNow(), nil)
	if err == nil {
		t.Fatal("expected missing-route error")
	}
}

func TestEgressBuffersOnUnresolvedARP(t *testing.T) {
	c := hostctx.New("h1", fixedNow)
	ifc, _ := c.Interfaces.Register("eth0", net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1500, iface.FlagUp, 1)
	_, dstNet, _ := net.ParseCIDR("10.0.0.0/24")
	c.RoutesV4.Add(routes.Route{Dest: dstNet.IP, Mask: dstNet.Mask, NIC: ifc.ID, Kind: routes.Local}, 0, false, false, true)

	var solicited net.IP
	err := c.EgressV4(net.IPv4(10, 0, 0, 5), []byte("payload"), fixedNow(), func(nicID iface.ID, target net.IP) {
		solicited = target
	})
	if err != nil {
		t.Fatalf("EgressV4: %v", err)
	}
	if !solicited.Equal(net.IPv4(10, 0, 0, 5)) {
		t.Fatalf("solicited = %v", solicited)
	}
}

func marshalV4(h ipv4.Header, payload []byte) []byte {
	b := make([]byte, 20+len(payload))
	b[0] = 0x45
	b[8] = h.TTL
	b[9] = h.Protocol
	copy(b[12:16], h.Src.To4())
	copy(b[16:20], h.Dst.To4())
	be16 := func(off int, v uint16) { b[off] = byte(v >> 8); b[off+1] = byte(v) }
	be16(2, h.TotalLength)
	copy(b[20:], payload)
	return b
}
