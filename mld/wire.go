package mld

import (
	"encoding/binary"

	"go.netsim.dev/hoststack/ipv6"
)

// Message is the RFC 2710 §3 MLD message body — maximum response delay,
// reserved, and the multicast address it concerns — carried inside an
// ICMPv6 envelope (icmp.V6MLDQuery/V6MLDReport/V6MLDDone).
type Message struct {
	MaxRespDelay uint16
	Group        ipv6.Addr
}

const messageLen = 20

// ParseMessage decodes an MLD message body.
func ParseMessage(body []byte) (Message, bool) {
	if len(body) < messageLen {
		return Message{}, false
	}
	m := Message{MaxRespDelay: binary.BigEndian.Uint16(body[0:2])}
	copy(m.Group[:], body[4:20])
	return m, true
}

// Marshal serializes m's body (the caller wraps it in an ICMPv6 header via
// icmp.MarshalV6).
func (m Message) Marshal() []byte {
	b := make([]byte, messageLen)
	binary.BigEndian.PutUint16(b[0:2], m.MaxRespDelay)
	copy(b[4:20], m.Group[:])
	return b
}
