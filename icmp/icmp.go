// Package icmp implements ICMPv4 (RFC 792) and ICMPv6 (RFC 4443) message
// codecs, plus the error-message construction rule from SPEC_FULL.md §4.8:
// every generated error embeds as much of the originating IP header and
// payload as fits under the outgoing interface's MTU.
package icmp

import (
	"encoding/binary"

	"golang.org/x/time/rate"

	"go.netsim.dev/hoststack/ipv4"
	"go.netsim.dev/hoststack/ipv6"
)

// V4Type is an ICMPv4 message type.
type V4Type uint8

const (
	V4EchoReply       V4Type = 0
	V4DestUnreachable V4Type = 3
	V4EchoRequest     V4Type = 8
	V4TimeExceeded    V4Type = 11
)

// V4Code enumerates the codes this stack generates for destination
// unreachable.
type V4Code uint8

const (
	V4CodeNetUnreachable   V4Code = 0
	V4CodeHostUnreachable  V4Code = 1
	V4CodeProtoUnreachable V4Code = 2
	V4CodePortUnreachable  V4Code = 3
)

// V4Message is a parsed ICMPv4 message.
type V4Message struct {
	Type     V4Type
	Code     V4Code
	Checksum uint16
	RestOfHeader [4]byte // echo id/seq, or unused for unreachable/time-exceeded
	Body     []byte      // for errors: embedded original header + leading payload
}

const v4HeaderLen = 8

// ParseV4 decodes an ICMPv4 message.
func ParseV4(b []byte) (V4Message, bool) {
	if len(b) < v4HeaderLen {
		return V4Message{}, false
	}
	var m V4Message
	m.Type = V4Type(b[0])
	m.Code = V4Code(b[1])
	m.Checksum = binary.BigEndian.Uint16(b[2:4])
	copy(m.RestOfHeader[:], b[4:8])
	m.Body = append([]byte(nil), b[8:]...)
	return m, true
}

// MarshalV4 serializes m, recomputing the checksum.
func MarshalV4(m V4Message) []byte {
	b := make([]byte, v4HeaderLen+len(m.Body))
	b[0] = byte(m.Type)
	b[1] = byte(m.Code)
	copy(b[4:8], m.RestOfHeader[:])
	copy(b[8:], m.Body)
	binary.BigEndian.PutUint16(b[2:4], checksum(b))
	return b
}

func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		if i == 2 {
			continue
		}
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// BuildV4Error constructs a destination-unreachable or time-exceeded ICMPv4
// message carrying as much of origHeader+origPayload as fits under mtu,
// per §4.8.
func BuildV4Error(typ V4Type, code V4Code, origHeader ipv4.Header, origPayload []byte, mtu int) V4Message {
	embed := embedOriginal(origHeader.Marshal(), origPayload, mtu-ipv4.HeaderLen-v4HeaderLen)
	return V4Message{Type: typ, Code: code, Body: embed}
}

func embedOriginal(headerBytes, payload []byte, budget int) []byte {
	if budget < 0 {
		budget = 0
	}
	out := append([]byte(nil), headerBytes...)
	remaining := budget - len(out)
	if remaining < 0 {
		if len(out) > budget {
			out = out[:budget]
		}
		return out
	}
	if remaining > len(payload) {
		remaining = len(payload)
	}
	out = append(out, payload[:remaining]...)
	return out
}

// ErrorLimiter throttles outgoing ICMP error generation (destination
// unreachable, time exceeded), per RFC 1812 §4.3.2.8's recommendation that a
// router/host rate-limit ICMP error messages to avoid error storms feeding
// back into more errors. hostctx consults one of these before emitting any
// ICMPv4/ICMPv6 error.
type ErrorLimiter struct {
	lim *rate.Limiter
}

// NewErrorLimiter allows up to burst error messages immediately, refilling
// at rps messages/sec thereafter.
func NewErrorLimiter(rps float64, burst int) *ErrorLimiter {
	return &ErrorLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether another ICMP error may be sent right now.
func (l *ErrorLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.Allow()
}

// --- ICMPv6 (RFC 4443 + RFC 4861 NDP messages share this header shape) ---

type V6Type uint8

const (
	V6DestUnreachable   V6Type = 1
	V6PacketTooBig      V6Type = 2
	V6TimeExceeded      V6Type = 3
	V6ParamProblem      V6Type = 4
	V6EchoRequest       V6Type = 128
	V6EchoReply         V6Type = 129
	V6MLDQuery          V6Type = 130
	V6MLDReport         V6Type = 131
	V6MLDDone           V6Type = 132
	V6RouterSolicit     V6Type = 133
	V6RouterAdvert      V6Type = 134
	V6NeighborSolicit   V6Type = 135
	V6NeighborAdvert    V6Type = 136
	V6Redirect          V6Type = 137
)

type V6Code uint8

const (
	V6CodeNoRoute       V6Code = 0
	V6CodeAdminProhib   V6Code = 1
	V6CodeAddrUnreach   V6Code = 3
	V6CodePortUnreach   V6Code = 4
)

// V6Message is a parsed ICMPv6 message. Body holds everything after
// the 4-byte type/code/checksum header, including NDP-specific fields;
// higher-level NDP codecs (package ndp) interpret it further.
type V6Message struct {
	Type     V6Type
	Code     V6Code
	Checksum uint16
	Body     []byte
}

const v6HeaderLen = 4

func ParseV6(b []byte) (V6Message, bool) {
	if len(b) < v6HeaderLen {
		return V6Message{}, false
	}
	return V6Message{
		Type:     V6Type(b[0]),
		Code:     V6Code(b[1]),
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		Body:     append([]byte(nil), b[4:]...),
	}, true
}

// MarshalV6 serializes m. The checksum covers an IPv6 pseudo-header, so
// callers pass src/dst; the network-layer pipeline fills those in from the
// enclosing IPv6 header.
func MarshalV6(m V6Message, src, dst ipv6.Addr) []byte {
	b := make([]byte, v6HeaderLen+len(m.Body))
	b[0] = byte(m.Type)
	b[1] = byte(m.Code)
	copy(b[4:], m.Body)
	binary.BigEndian.PutUint16(b[2:4], ipv6.PseudoHeaderChecksum(src, dst, ipv6.ProtoICMPv6, b))
	return b
}

// BuildV6Error constructs an ICMPv6 error message per §4.8, honoring the
// 1280-byte IPv6 minimum MTU floor for the embedded original packet.
func BuildV6Error(typ V6Type, code V6Code, origHeader ipv6.Header, origPayload []byte, mtu int) V6Message {
	if mtu < 1280 {
		mtu = 1280
	}
	embed := embedOriginal(origHeader.Marshal(), origPayload, mtu-ipv6.HeaderLen-v6HeaderLen-4 /* unused word */)
	body := make([]byte, 4+len(embed))
	copy(body[4:], embed)
	return V6Message{Type: typ, Code: code, Body: body}
}
