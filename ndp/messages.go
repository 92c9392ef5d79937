// Package ndp implements IPv6 Neighbor Discovery (RFC 4861): the five-state
// neighbor cache, Duplicate Address Detection, Router Advertisement
// processing (prefix list, default router list, SLAAC), and the NS/NA/RS/RA
// message codecs layered on package icmp's ICMPv6 envelope.
//
// Grounded on the teacher's ndp.go (ndpDispatcher, event types) for the
// event/dispatch shape, and on the pack's gvisor ipv6/icmp.go
// (other_examples) for the RFC 4861 validity rules (hop limit 255, code 0,
// no fragment header).
package ndp

import (
	"encoding/binary"
	"net"

	"go.netsim.dev/hoststack/icmp"
	"go.netsim.dev/hoststack/ipv6"
)

// Option type values (RFC 4861 §4.6).
const (
	OptSourceLinkLayer = 1
	OptTargetLinkLayer = 2
	OptPrefixInfo      = 3
	OptMTU             = 5
)

// Option is one variable-length NDP option, kept generic so unrecognized
// option types still round-trip.
type Option struct {
	Type   uint8
	Length uint8 // in units of 8 octets, as on the wire
	Value  []byte
}

func parseOptions(b []byte) []Option {
	var opts []Option
	for len(b) >= 2 {
		typ, length := b[0], b[1]
		n := int(length) * 8
		if n < 8 || n > len(b) {
			break
		}
		opts = append(opts, Option{Type: typ, Length: length, Value: append([]byte(nil), b[2:n]...)})
		b = b[n:]
	}
	return opts
}

func marshalOptions(opts []Option) []byte {
	var out []byte
	for _, o := range opts {
		n := int(o.Length) * 8
		buf := make([]byte, n)
		buf[0] = o.Type
		buf[1] = o.Length
		copy(buf[2:], o.Value)
		out = append(out, buf...)
	}
	return out
}

// LinkLayerOption builds a source/target link-layer-address option for a
// 6-byte Ethernet MAC (the common case; length is always rounded to 8-byte
// units per RFC 4861 §4.6).
func LinkLayerOption(typ uint8, mac net.HardwareAddr) Option {
	return Option{Type: typ, Length: 1, Value: append([]byte(nil), mac...)}
}

func (o Option) LinkLayerAddr() net.HardwareAddr {
	return net.HardwareAddr(o.Value)
}

// PrefixInfo is the parsed form of a Prefix Information option (RFC 4861
// §4.6.2).
type PrefixInfo struct {
	PrefixLength      uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            ipv6.Addr
}

func ParsePrefixInfo(o Option) (PrefixInfo, bool) {
	if o.Type != OptPrefixInfo || len(o.Value) < 30 {
		return PrefixInfo{}, false
	}
	v := o.Value
	p := PrefixInfo{
		PrefixLength:      v[0],
		OnLink:            v[1]&0x80 != 0,
		Autonomous:        v[1]&0x40 != 0,
		ValidLifetime:     binary.BigEndian.Uint32(v[2:6]),
		PreferredLifetime: binary.BigEndian.Uint32(v[6:10]),
	}
	copy(p.Prefix[:], v[14:30])
	return p, true
}

func (p PrefixInfo) Option() Option {
	v := make([]byte, 30)
	v[0] = p.PrefixLength
	if p.OnLink {
		v[1] |= 0x80
	}
	if p.Autonomous {
		v[1] |= 0x40
	}
	binary.BigEndian.PutUint32(v[2:6], p.ValidLifetime)
	binary.BigEndian.PutUint32(v[6:10], p.PreferredLifetime)
	copy(v[14:30], p.Prefix[:])
	return Option{Type: OptPrefixInfo, Length: 4, Value: v}
}

// NeighborSolicitation (RFC 4861 §4.3).
type NeighborSolicitation struct {
	Target  ipv6.Addr
	Options []Option
}

func ParseNeighborSolicitation(body []byte) (NeighborSolicitation, bool) {
	if len(body) < 20 {
		return NeighborSolicitation{}, false
	}
	var ns NeighborSolicitation
	copy(ns.Target[:], body[4:20])
	ns.Options = parseOptions(body[20:])
	return ns, true
}

func (ns NeighborSolicitation) Marshal() []byte {
	b := make([]byte, 20)
	copy(b[4:20], ns.Target[:])
	return append(b, marshalOptions(ns.Options)...)
}

// NeighborAdvertisement flags (RFC 4861 §4.4).
const (
	NAFlagRouter    = 1 << 31
	NAFlagSolicited = 1 << 30
	NAFlagOverride  = 1 << 29
)

type NeighborAdvertisement struct {
	Router    bool
	Solicited bool
	Override  bool
	Target    ipv6.Addr
	Options   []Option
}

func ParseNeighborAdvertisement(body []byte) (NeighborAdvertisement, bool) {
	if len(body) < 20 {
		return NeighborAdvertisement{}, false
	}
	flags := binary.BigEndian.Uint32(body[0:4])
	var na NeighborAdvertisement
	na.Router = flags&NAFlagRouter != 0
	na.Solicited = flags&NAFlagSolicited != 0
	na.Override = flags&NAFlagOverride != 0
	copy(na.Target[:], body[4:20])
	na.Options = parseOptions(body[20:])
	return na, true
}

func (na NeighborAdvertisement) Marshal() []byte {
	b := make([]byte, 20)
	var flags uint32
	if na.Router {
		flags |= NAFlagRouter
	}
	if na.Solicited {
		flags |= NAFlagSolicited
	}
	if na.Override {
		flags |= NAFlagOverride
	}
	binary.BigEndian.PutUint32(b[0:4], flags)
	copy(b[4:20], na.Target[:])
	return append(b, marshalOptions(na.Options)...)
}

// RouterSolicitation (RFC 4861 §4.1).
type RouterSolicitation struct {
	Options []Option
}

func ParseRouterSolicitation(body []byte) (RouterSolicitation, bool) {
	if len(body) < 4 {
		return RouterSolicitation{}, false
	}
	return RouterSolicitation{Options: parseOptions(body[4:])}, true
}

func (rs RouterSolicitation) Marshal() []byte {
	b := make([]byte, 4)
	return append(b, marshalOptions(rs.Options)...)
}

// RouterAdvertisement (RFC 4861 §4.2).
type RouterAdvertisement struct {
	CurHopLimit    uint8
	Managed        bool
	Other          bool
	RouterLifetime uint16 // seconds
	ReachableTime  uint32 // ms
	RetransTimer   uint32 // ms
	Options        []Option
}

func ParseRouterAdvertisement(body []byte) (RouterAdvertisement, bool) {
	if len(body) < 12 {
		return RouterAdvertisement{}, false
	}
	ra := RouterAdvertisement{
		CurHopLimit:    body[0],
		Managed:        body[1]&0x80 != 0,
		Other:          body[1]&0x40 != 0,
		RouterLifetime: binary.BigEndian.Uint16(body[2:4]),
		ReachableTime:  binary.BigEndian.Uint32(body[4:8]),
		RetransTimer:   binary.BigEndian.Uint32(body[8:12]),
	}
	ra.Options = parseOptions(body[12:])
	return ra, true
}

func (ra RouterAdvertisement) Marshal() []byte {
	b := make([]byte, 12)
	b[0] = ra.CurHopLimit
	if ra.Managed {
		b[1] |= 0x80
	}
	if ra.Other {
		b[1] |= 0x40
	}
	binary.BigEndian.PutUint16(b[2:4], ra.RouterLifetime)
	binary.BigEndian.PutUint32(b[4:8], ra.ReachableTime)
	binary.BigEndian.PutUint32(b[8:12], ra.RetransTimer)
	return append(b, marshalOptions(ra.Options)...)
}

// Prefixes extracts the Prefix Information options from a Router
// Advertisement.
func (ra RouterAdvertisement) Prefixes() []PrefixInfo {
	var out []PrefixInfo
	for _, o := range ra.Options {
		if p, ok := ParsePrefixInfo(o); ok {
			out = append(out, p)
		}
	}
	return out
}

// IsValidNDP implements the RFC 4861 cross-message validity rule the pack's
// gvisor reference enforces before touching any NDP message: hop limit 255,
// ICMPv6 code 0, and no fragmentation header in front of it.
func IsValidNDP(hopLimit uint8, code icmp.V6Code, hasFragmentHeader bool) bool {
	return !hasFragmentHeader && hopLimit == ipv6.NDPHopLimit && code == 0
}
