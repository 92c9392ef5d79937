// Package ipv4 implements the IPv4 header wire format (RFC 791) and its
// header checksum. The ingress/egress pipeline that uses it lives in
// package hostctx.
package ipv4

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	HeaderLen = 20 // minimum header length, no options

	flagDontFragment  = 0x2
	flagMoreFragments = 0x1
)

// Header is a parsed IPv4 header plus any trailing options, kept verbatim so
// Marshal round-trips bit-exactly (§8 round-trip law).
type Header struct {
	Version        uint8
	IHL            uint8 // header length in 32-bit words, including options
	DSCP           uint8
	ECN            uint8
	TotalLength    uint16
	ID             uint16
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16 // in 8-byte units
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            net.IP
	Dst            net.IP
	Options        []byte
}

var errTooShort = errors.New("ipv4: header too short")
var errBadVersion = errors.New("ipv4: not an IPv4 header")

// Parse decodes an IPv4 header from the front of b. It does not consume the
// payload; callers slice b[h.IHL*4:] (or h.TotalLength) for the body.
func Parse(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, errTooShort
	}
	ver := b[0] >> 4
	ihl := b[0] & 0x0f
	if ver != 4 {
		return Header{}, errBadVersion
	}
	hlen := int(ihl) * 4
	if hlen < HeaderLen || len(b) < hlen {
		return Header{}, errTooShort
	}
	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	h := Header{
		Version:        ver,
		IHL:            ihl,
		DSCP:           b[1] >> 2,
		ECN:            b[1] & 0x3,
		TotalLength:    binary.BigEndian.Uint16(b[2:4]),
		ID:             binary.BigEndian.Uint16(b[4:6]),
		DontFragment:   flagsFrag&(flagDontFragment<<13) != 0,
		MoreFragments:  flagsFrag&(flagMoreFragments<<13) != 0,
		FragmentOffset: flagsFrag & 0x1fff,
		TTL:            b[8],
		Protocol:       b[9],
		Checksum:       binary.BigEndian.Uint16(b[10:12]),
		Src:            append(net.IP(nil), b[12:16]...),
		Dst:            append(net.IP(nil), b[16:20]...),
	}
	if hlen > HeaderLen {
		h.Options = append([]byte(nil), b[HeaderLen:hlen]...)
	}
	return h, nil
}

// Marshal serializes h, recomputing IHL from len(Options) and the checksum
// over the header.
func (h Header) Marshal() []byte {
	hlen := HeaderLen + len(h.Options)
	// round up to a multiple of 4 (options are padded, per §6).
	if pad := hlen % 4; pad != 0 {
		hlen += 4 - pad
	}
	b := make([]byte, hlen)
	ihl := uint8(hlen / 4)
	b[0] = (4 << 4) | (ihl & 0x0f)
	b[1] = (h.DSCP << 2) | (h.ECN & 0x3)
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	var flagsFrag uint16
	if h.DontFragment {
		flagsFrag |= flagDontFragment << 13
	}
	if h.MoreFragments {
		flagsFrag |= flagMoreFragments << 13
	}
	flagsFrag |= h.FragmentOffset & 0x1fff
	binary.BigEndian.PutUint16(b[6:8], flagsFrag)
	b[8] = h.TTL
	b[9] = h.Protocol
	copy(b[12:16], h.Src.To4())
	copy(b[16:20], h.Dst.To4())
	if len(h.Options) > 0 {
		copy(b[HeaderLen:], h.Options)
	}
	binary.BigEndian.PutUint16(b[10:12], Checksum(b[:HeaderLen+len(h.Options)]))
	return b
}

// Checksum computes the RFC 791 one's-complement header checksum, treating
// the existing checksum field (if any) as zero.
func Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 {
			continue // checksum field itself reads as zero
		}
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
