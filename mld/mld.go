// Package mld implements the Multicast Listener Discovery per-group node
// state machine (RFC 2710 §4 / RFC 3810), per §4.3 of the spec: states
// {NonListener, DelayedListener, IdleListener} and events {StartListening,
// StopListening, QueryReceived, ReportReceived, TimerExpired}.
package mld

import (
	"math/rand"
	"sync"
	"time"

	"go.netsim.dev/hoststack/ipv6"
)

type State int

const (
	NonListener State = iota
	DelayedListener
	IdleListener
)

func (s State) String() string {
	switch s {
	case NonListener:
		return "NonListener"
	case DelayedListener:
		return "DelayedListener"
	case IdleListener:
		return "IdleListener"
	default:
		return "?"
	}
}

// groupState is one group's node state: the current State, whether this
// host believes it sent the most recent Report ("I-sent-last"), and (when
// DelayedListener) the pending report deadline.
type groupState struct {
	state     State
	lastSender bool
	deadline  time.Time
}

// Node is the per-interface MLD state machine, one groupState per joined
// multicast group.
type Node struct {
	mu     sync.Mutex
	groups map[ipv6.Addr]*groupState
	rng    *rand.Rand
}

func NewNode() *Node {
	return &Node{
		groups: make(map[ipv6.Addr]*groupState),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// Action tells the caller what the state machine wants emitted as a result
// of the event just applied.
type Action int

const (
	NoAction Action = iota
	SendReport
	SendDone
	ScheduleReport // caller should arm a timer for the returned deadline
)

// StartListening handles joining a group: per RFC 2710 §4, a host delays its
// initial Report uniformly in [0, maxRespDelay] to suppress duplicates from
// other listeners on the link.
func (n *Node) StartListening(group ipv6.Addr, maxRespDelay time.Duration, now time.Time) (Action, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delay := time.Duration(n.rng.Int63n(int64(maxRespDelay) + 1))
	deadline := now.Add(delay)
	n.groups[group] = &groupState{state: DelayedListener, deadline: deadline}
	return ScheduleReport, deadline
}

// StopListening handles leaving a group: a Done message is sent only if
// this host believes it was the last to Report for the group.
func (n *Node) StopListening(group ipv6.Addr) Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[group]
	if !ok {
		return NoAction
	}
	wasLast := g.state == IdleListener && g.lastSender
	delete(n.groups, group)
	if wasLast {
		return SendDone
	}
	return NoAction
}

// QueryReceived handles an incoming Multicast-Address-Specific or General
// Query: a listener in IdleListener (or already-delayed) state (re)starts
// its report-suppression timer.
func (n *Node) QueryReceived(group ipv6.Addr, maxRespDelay time.Duration, now time.Time) (Action, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[group]
	if !ok {
		return NoAction, time.Time{}
	}
	delay := time.Duration(n.rng.Int63n(int64(maxRespDelay) + 1))
	deadline := now.Add(delay)
	if g.state == IdleListener || deadline.Before(g.deadline) || g.deadline.IsZero() {
		g.state = DelayedListener
		g.deadline = deadline
		return ScheduleReport, deadline
	}
	return NoAction, g.deadline
}

// ReportReceived handles an overheard Report from another listener on the
// link: it suppresses this host's own pending Report, per §4.3 ("a received
// Report suppresses a pending Report, sets I-sent-last to false").
func (n *Node) ReportReceived(group ipv6.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[group]
	if !ok || g.state != DelayedListener {
		return
	}
	g.state = IdleListener
	g.lastSender = false
}

// TimerExpired fires the pending report timer: the host sends its own
// Report and marks itself as the last sender.
func (n *Node) TimerExpired(group ipv6.Addr) Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[group]
	if !ok || g.state != DelayedListener {
		return NoAction
	}
	g.state = IdleListener
	g.lastSender = true
	return SendReport
}

// StateOf reports the current state of a group, for tests/inspection.
func (n *Node) StateOf(group ipv6.Addr) (State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[group]
	if !ok {
		return NonListener, false
	}
	return g.state, true
}
