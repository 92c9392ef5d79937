// Package tcp implements the TCP header wire format (with MSS,
// window-scale, timestamp, and end-of-options), and the connection state
// machine described in §4.4 of the spec: handshake, acceptability checks,
// data path with reassembly, retransmission/backoff, and close.
package tcp

import (
	"encoding/binary"
)

const (
	HeaderLen = 20 // minimum, no options

	FlagFIN = 1 << 0
	FlagSYN = 1 << 1
	FlagRST = 1 << 2
	FlagPSH = 1 << 3
	FlagACK = 1 << 4
	FlagURG = 1 << 5
	FlagECE = 1 << 6
	FlagCWR = 1 << 7
)

const (
	optKindEnd       = 0
	optKindNOP       = 1
	optKindMSS       = 2
	optKindWindow    = 3
	optKindTimestamp = 8
)

// Options holds the subset of TCP options this stack parses/emits, per §6.
type Options struct {
	MSS          uint16
	HasMSS       bool
	WindowScale  uint8
	HasWindowScale bool
	TSVal        uint32
	TSEcr        uint32
	HasTimestamp bool
}

// Header is a parsed TCP segment header (no payload).
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // in 32-bit words, including options
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Opts       Options
}

func (h Header) Has(flag uint8) bool { return h.Flags&flag != 0 }

// marshalOptions serializes the recognized options, padding to a 4-byte
// boundary with end-of-options (kind 0), per §6.
func marshalOptions(o Options) []byte {
	var b []byte
	if o.HasMSS {
		b = append(b, optKindMSS, 4, byte(o.MSS>>8), byte(o.MSS))
	}
	if o.HasWindowScale {
		b = append(b, optKindWindow, 3, o.WindowScale)
	}
	if o.HasTimestamp {
		tb := make([]byte, 10)
		tb[0] = optKindTimestamp
		tb[1] = 10
		binary.BigEndian.PutUint32(tb[2:6], o.TSVal)
		binary.BigEndian.PutUint32(tb[6:10], o.TSEcr)
		b = append(b, tb...)
	}
	if len(b) == 0 {
		return nil
	}
	b = append(b, optKindEnd)
	for len(b)%4 != 0 {
		b = append(b, optKindEnd)
	}
	return b
}

func parseOptions(b []byte) Options {
	var o Options
	for len(b) > 0 {
		kind := b[0]
		switch kind {
		case optKindEnd:
			return o
		case optKindNOP:
			b = b[1:]
			continue
		case optKindMSS:
			if len(b) < 4 {
				return o
			}
			o.HasMSS = true
			o.MSS = binary.BigEndian.Uint16(b[2:4])
			b = b[4:]
		case optKindWindow:
			if len(b) < 3 {
				return o
			}
			o.HasWindowScale = true
			o.WindowScale = b[2]
			b = b[3:]
		case optKindTimestamp:
			if len(b) < 10 {
				return o
			}
			o.HasTimestamp = true
			o.TSVal = binary.BigEndian.Uint32(b[2:6])
			o.TSEcr = binary.BigEndian.Uint32(b[6:10])
			b = b[10:]
		default:
			if len(b) < 2 || int(b[1]) == 0 || int(b[1]) > len(b) {
				return o
			}
			b = b[b[1]:]
		}
	}
	return o
}

// Parse decodes a TCP header from the front of b.
func Parse(b []byte) (Header, []byte, bool) {
	if len(b) < HeaderLen {
		return Header{}, nil, false
	}
	dataOffset := b[12] >> 4
	hlen := int(dataOffset) * 4
	if hlen < HeaderLen || len(b) < hlen {
		return Header{}, nil, false
	}
	h := Header{
		SrcPort:    binary.BigEndian.Uint16(b[0:2]),
		DstPort:    binary.BigEndian.Uint16(b[2:4]),
		Seq:        binary.BigEndian.Uint32(b[4:8]),
		Ack:        binary.BigEndian.Uint32(b[8:12]),
		DataOffset: dataOffset,
		Flags:      b[13],
		Window:     binary.BigEndian.Uint16(b[14:16]),
		Checksum:   binary.BigEndian.Uint16(b[16:18]),
		Urgent:     binary.BigEndian.Uint16(b[18:20]),
	}
	if hlen > HeaderLen {
		h.Opts = parseOptions(b[HeaderLen:hlen])
	}
	return h, b[hlen:], true
}

// Marshal serializes h followed by payload, with checksum computed over a
// caller-supplied pseudo-header sum (see PseudoSumIPv4/PseudoSumIPv6). The
// checksum is always computed and written, even when pseudoSum is 0;
// h.Checksum is ignored.
func Marshal(h Header, payload []byte, pseudoSum uint32) []byte {
	opts := marshalOptions(h.Opts)
	hlen := HeaderLen + len(opts)
	b := make([]byte, hlen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = uint8(hlen/4) << 4
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	binary.BigEndian.PutUint16(b[18:20], h.Urgent)
	copy(b[HeaderLen:hlen], opts)
	copy(b[hlen:], payload)
	binary.BigEndian.PutUint16(b[16:18], checksumWithPseudo(b, pseudoSum))
	return b
}

func checksumWithPseudo(segment []byte, pseudoSum uint32) uint16 {
	sum := pseudoSum
	for i := 0; i+1 < len(segment); i += 2 {
		if i == 16 {
			continue
		}
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if len(segment)%2 == 1 {
		sum += uint32(segment[len(segment)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoSumIPv4 computes the partial checksum accumulator contributed by an
// IPv4 pseudo-header (RFC 793 §3.1), to be passed into Marshal/checksum
// verification.
func PseudoSumIPv4(src, dst [4]byte, length int) uint32 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(6) // TCP protocol number
	sum += uint32(length)
	return sum
}

// PseudoSumIPv6 computes the partial checksum accumulator contributed by an
// IPv6 pseudo-header (RFC 8200 §8.1).
func PseudoSumIPv6(src, dst [16]byte, length int) uint32 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
	}
	add(src[:])
	add(dst[:])
	sum += uint32(length)
	sum += uint32(6)
	return sum
}
