package arp

import (
	"net"
	"sync"
	"time"

	"go.netsim.dev/hoststack/iface"
)

// maxPending bounds the per-entry resolution buffer (§3: "a bounded buffer
// of packets awaiting resolution").
const maxPending = 8

// entry is one ARP table row: IP -> {MAC, interface, expiry}.
type entry struct {
	mac      net.HardwareAddr
	nic      iface.ID
	hostname string
	expires  time.Time
	pending  [][]byte
}

// Table is the host's ARP cache.
type Table struct {
	mu   sync.Mutex
	rows map[string]*entry
}

func NewTable() *Table {
	return &Table{rows: make(map[string]*entry)}
}

// Lookup returns the cached MAC for ip, if present and unexpired as of now.
func (t *Table) Lookup(ip net.IP, now time.Time) (net.HardwareAddr, iface.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[ip.String()]
	if !ok || now.After(e.expires) {
		return nil, 0, false
	}
	return e.mac, e.nic, true
}

// Set installs/refreshes a resolved entry and returns any packets that had
// been queued awaiting this resolution, in FIFO order, per §5's ordering
// guarantee ("ARP/NDP resolution preserves FIFO order of queued packets").
func (t *Table) Set(ip net.IP, mac net.HardwareAddr, nic iface.ID, ttl time.Time, hostname string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ip.String()
	e, ok := t.rows[key]
	if !ok {
		e = &entry{}
		t.rows[key] = e
	}
	e.mac = mac
	e.nic = nic
	e.expires = ttl
	e.hostname = hostname
	flushed := e.pending
	e.pending = nil
	return flushed
}

// Enqueue buffers frame on the unresolved entry for ip, bounded to
// maxPending (oldest dropped first), creating the entry if necessary.
func (t *Table) Enqueue(ip net.IP, nic iface.ID, frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ip.String()
	e, ok := t.rows[key]
	if !ok {
		e = &entry{nic: nic}
		t.rows[key] = e
	}
	e.pending = append(e.pending, frame)
	if len(e.pending) > maxPending {
		e.pending = e.pending[len(e.pending)-maxPending:]
	}
}

// Expire removes entries whose expiry is strictly before now, returning the
// IPs removed (the caller may want to retry resolution or drop queued
// packets per §8's "otherwise it is dropped" rule).
func (t *Table) Expire(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []string
	for k, e := range t.rows {
		if !now.After(e.expires) {
			continue
		}
		expired = append(expired, k)
		delete(t.rows, k)
	}
	return expired
}

// Delete removes an entry outright (e.g. on interface teardown).
func (t *Table) Delete(ip net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, ip.String())
}
