// Package arp implements the ARP wire format (RFC 826) and the per-host ARP
// table used to resolve IPv4 next-hops to link-layer addresses.
package arp

import (
	"encoding/binary"
	"errors"
	"net"
)

// Operation is the ARP opcode.
type Operation uint16

const (
	Request Operation = 1
	Reply   Operation = 2
)

const (
	hwTypeEthernet uint16 = 1
	protoTypeIPv4  uint16 = 0x0800
	headerLen             = 8 // fixed fields before the variable-length addresses
)

// Packet is a parsed ARP message. HardwareLen/ProtocolLen record the
// variable-length address sizes exactly as seen on the wire so re-serializing
// round-trips bit-exactly even for non-Ethernet/non-IPv4 combinations.
type Packet struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareLen  uint8
	ProtocolLen  uint8
	Op           Operation
	SenderHW     net.HardwareAddr
	SenderProto  net.IP
	TargetHW     net.HardwareAddr
	TargetProto  net.IP
}

// NewRequest builds a standard Ethernet/IPv4 ARP request ("who has
// targetProto, tell senderProto").
func NewRequest(senderHW net.HardwareAddr, senderProto net.IP, targetProto net.IP) Packet {
	return Packet{
		HardwareType: hwTypeEthernet,
		ProtocolType: protoTypeIPv4,
		HardwareLen:  uint8(len(senderHW)),
		ProtocolLen:  4,
		Op:           Request,
		SenderHW:     senderHW,
		SenderProto:  senderProto.To4(),
		TargetHW:     make(net.HardwareAddr, len(senderHW)),
		TargetProto:  targetProto.To4(),
	}
}

// NewReply builds the reply to req from this host's own MAC/IP.
func NewReply(req Packet, ourHW net.HardwareAddr, ourProto net.IP) Packet {
	return Packet{
		HardwareType: req.HardwareType,
		ProtocolType: req.ProtocolType,
		HardwareLen:  uint8(len(ourHW)),
		ProtocolLen:  req.ProtocolLen,
		Op:           Reply,
		SenderHW:     ourHW,
		SenderProto:  ourProto.To4(),
		TargetHW:     req.SenderHW,
		TargetProto:  req.SenderProto,
	}
}

// Marshal serializes p to its wire form.
func (p Packet) Marshal() []byte {
	n := headerLen + 2*int(p.HardwareLen) + 2*int(p.ProtocolLen)
	b := make([]byte, n)
	binary.BigEndian.PutUint16(b[0:2], p.HardwareType)
	binary.BigEndian.PutUint16(b[2:4], p.ProtocolType)
	b[4] = p.HardwareLen
	b[5] = p.ProtocolLen
	binary.BigEndian.PutUint16(b[6:8], uint16(p.Op))

	off := headerLen
	hl, pl := int(p.HardwareLen), int(p.ProtocolLen)
	senderProto, targetProto := []byte(p.SenderProto), []byte(p.TargetProto)
	if pl == 4 {
		senderProto, targetProto = p.SenderProto.To4(), p.TargetProto.To4()
	}
	copy(b[off:off+hl], p.SenderHW)
	off += hl
	copy(b[off:off+pl], senderProto)
	off += pl
	copy(b[off:off+hl], p.TargetHW)
	off += hl
	copy(b[off:off+pl], targetProto)
	return b
}

var errTooShort = errors.New("arp: packet too short")

// Parse decodes an ARP packet from its wire form.
func Parse(b []byte) (Packet, error) {
	if len(b) < headerLen {
		return Packet{}, errTooShort
	}
	p := Packet{
		HardwareType: binary.BigEndian.Uint16(b[0:2]),
		ProtocolType: binary.BigEndian.Uint16(b[2:4]),
		HardwareLen:  b[4],
		ProtocolLen:  b[5],
		Op:           Operation(binary.BigEndian.Uint16(b[6:8])),
	}
	hl, pl := int(p.HardwareLen), int(p.ProtocolLen)
	need := headerLen + 2*hl + 2*pl
	if len(b) < need {
		return Packet{}, errTooShort
	}
	off := headerLen
	p.SenderHW = append(net.HardwareAddr(nil), b[off:off+hl]...)
	off += hl
	p.SenderProto = append(net.IP(nil), b[off:off+pl]...)
	off += pl
	p.TargetHW = append(net.HardwareAddr(nil), b[off:off+hl]...)
	off += hl
	p.TargetProto = append(net.IP(nil), b[off:off+pl]...)
	return p, nil
}
