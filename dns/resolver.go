// Package dns implements the stack's resolver hook: by default it only
// parses literal addresses, but a host can configure a nameserver address
// and build query datagrams for it and parse the responses; sending and
// receiving those datagrams over the UDP path is left to the caller. Wire
// encoding uses
// golang.org/x/net/dns/dnsmessage rather than a hand-rolled codec, the same
// library the rest of the x/net-using examples reach for.
package dns

import (
	"net"

	"golang.org/x/net/dns/dnsmessage"

	"go.netsim.dev/hoststack/hosterr"
)

// Resolver resolves names to socket addresses. The zero value only parses
// literal IPs (the default, no-lookup-beyond-literal-parsing behavior);
// SetNameserver records the server that BuildQuery's datagrams are
// addressed to. The Resolver itself performs no network I/O.
type Resolver struct {
	nameserver net.IP
	nsPort     uint16
	nextID     uint16
}

func NewResolver() *Resolver { return &Resolver{nsPort: 53} }

// SetNameserver configures the well-known server queries are sent to.
func (r *Resolver) SetNameserver(ip net.IP, port uint16) {
	r.nameserver = ip
	if port != 0 {
		r.nsPort = port
	}
}

func (r *Resolver) Nameserver() (net.IP, uint16) { return r.nameserver, r.nsPort }

// ResolveLiteral parses host as a literal IPv4/IPv6 address without
// touching the network, the resolver's default behavior.
func ResolveLiteral(host string) (net.IP, bool) {
	ip := net.ParseIP(host)
	return ip, ip != nil
}

// BuildQuery constructs an A or AAAA query datagram for name, to be sent to
// the configured nameserver over the UDP path.
func (r *Resolver) BuildQuery(name string, wantV6 bool) ([]byte, uint16, error) {
	r.nextID++
	id := r.nextID
	qtype := dnsmessage.TypeA
	if wantV6 {
		qtype = dnsmessage.TypeAAAA
	}
	n, err := dnsmessage.NewName(ensureDot(name))
	if err != nil {
		return nil, 0, hosterr.Wrap("dns.BuildQuery", hosterr.InvalidInput, err)
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  n,
			Type:  qtype,
			Class: dnsmessage.ClassINET,
		}},
	}
	b, err := msg.Pack()
	if err != nil {
		return nil, 0, hosterr.Wrap("dns.BuildQuery", hosterr.InvalidInput, err)
	}
	return b, id, nil
}

func ensureDot(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// Record is one resolved answer, reduced from whatever resource type the
// wire response carried.
type Record struct {
	Name  string
	Type  dnsmessage.Type
	Addr  net.IP // set for A/AAAA
	CNAME string // set for CNAME
	NS    string // set for NS
	Raw   []byte // fallback for any other resource type
}

// ParseResponse decodes a DNS response and extracts its answer records
// (A/AAAA/NS/CNAME), falling back to the raw RDATA for types it does not
// know. An SOA answer yields a Record carrying only Name and Type; its SOA
// fields are not kept.
func ParseResponse(b []byte, wantID uint16) ([]Record, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(b)
	if err != nil {
		return nil, hosterr.Wrap("dns.ParseResponse", hosterr.InvalidInput, err)
	}
	if hdr.ID != wantID {
		return nil, hosterr.New("dns.ParseResponse", hosterr.InvalidInput)
	}
	if err := p.SkipAllQuestions(); err != nil {
		return nil, hosterr.Wrap("dns.ParseResponse", hosterr.InvalidInput, err)
	}

	var out []Record
	for {
		h, err := p.AnswerHeader()
		if err != nil {
			break
		}
		rec := Record{Name: h.Name.String(), Type: h.Type}
		switch h.Type {
		case dnsmessage.TypeA:
			r, err := p.AResource()
			if err == nil {
				rec.Addr = net.IP(r.A[:])
			}
		case dnsmessage.TypeAAAA:
			r, err := p.AAAAResource()
			if err == nil {
				rec.Addr = net.IP(r.AAAA[:])
			}
		case dnsmessage.TypeCNAME:
			r, err := p.CNAMEResource()
			if err == nil {
				rec.CNAME = r.CNAME.String()
			}
		case dnsmessage.TypeNS:
			r, err := p.NSResource()
			if err == nil {
				rec.NS = r.NS.String()
			}
		case dnsmessage.TypeSOA:
			if _, err := p.SOAResource(); err != nil {
				p.SkipAnswer()
			}
		default:
			raw, err := p.UnknownResource()
			if err == nil {
				rec.Raw = append([]byte(nil), raw.Data...)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
