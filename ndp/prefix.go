package ndp

import (
	"sync"
	"time"

	"go.netsim.dev/hoststack/iface"
	"go.netsim.dev/hoststack/ipv6"
)

// PrefixEntry is one row of the on-link prefix list (RFC 4861 §6.3.4).
type PrefixEntry struct {
	Prefix     ipv6.Addr
	Length     uint8
	NIC        iface.ID
	Expires    time.Time // zero means infinite lifetime
}

// RouterEntry is one row of the default router list.
type RouterEntry struct {
	Addr    ipv6.Addr
	NIC     iface.ID
	Expires time.Time
}

// Lists bundles the prefix list and default router list the RA handler
// maintains, matching §3's "IPv6 prefix list ... and default-router list
// follow the Neighbor-Discovery specification."
type Lists struct {
	mu      sync.Mutex
	prefix  []PrefixEntry
	routers []RouterEntry
}

func NewLists() *Lists { return &Lists{} }

// UpsertPrefix adds or refreshes a prefix list entry, returning true if it
// is newly discovered (the caller fires an ndpDiscoveredPrefixEvent-style
// notification only in that case).
func (l *Lists) UpsertPrefix(p ipv6.Addr, length uint8, nic iface.ID, validFor time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.prefix {
		if l.prefix[i].Prefix == p && l.prefix[i].Length == length && l.prefix[i].NIC == nic {
			l.prefix[i].Expires = expiryOf(validFor, now)
			return false
		}
	}
	l.prefix = append(l.prefix, PrefixEntry{Prefix: p, Length: length, NIC: nic, Expires: expiryOf(validFor, now)})
	return true
}

func expiryOf(d time.Duration, now time.Time) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

// ExpirePrefixes removes prefix entries whose lifetime elapsed, returning
// the removed entries.
func (l *Lists) ExpirePrefixes(now time.Time) []PrefixEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []PrefixEntry
	kept := l.prefix[:0]
	for _, p := range l.prefix {
		if !p.Expires.IsZero() && now.After(p.Expires) {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	l.prefix = kept
	return expired
}

func (l *Lists) HasPrefix(p ipv6.Addr, length uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.prefix {
		if e.Prefix == p && e.Length == length {
			return true
		}
	}
	return false
}

// UpsertRouter adds/refreshes a default router list entry. A zero lifetime
// removes the router immediately (RFC 4861 §6.3.4).
func (l *Lists) UpsertRouter(addr ipv6.Addr, nic iface.ID, lifetime time.Duration, now time.Time) (discovered, invalidated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.routers {
		if l.routers[i].Addr == addr && l.routers[i].NIC == nic {
			if lifetime <= 0 {
				l.routers = append(l.routers[:i], l.routers[i+1:]...)
				return false, true
			}
			l.routers[i].Expires = now.Add(lifetime)
			return false, false
		}
	}
	if lifetime <= 0 {
		return false, false
	}
	l.routers = append(l.routers, RouterEntry{Addr: addr, NIC: nic, Expires: now.Add(lifetime)})
	return true, false
}

func (l *Lists) ExpireRouters(now time.Time) []RouterEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []RouterEntry
	kept := l.routers[:0]
	for _, r := range l.routers {
		if now.After(r.Expires) {
			expired = append(expired, r)
			continue
		}
		kept = append(kept, r)
	}
	l.routers = kept
	return expired
}

func (l *Lists) Routers() []RouterEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RouterEntry, len(l.routers))
	copy(out, l.routers)
	return out
}
