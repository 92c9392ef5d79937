// Package timer implements the per-host timer wheel that drives TCP
// retransmit/keepalive/TIME-WAIT, NDP/MLD lifetimes, and ARP/neighbor
// expiry. Wakeups are events the simulator delivers to the host; the wheel
// itself holds no wall-clock thread, matching the teacher's pattern of
// running a supervised worker goroutine per subsystem (see ndpDispatcher in
// the teacher's ndp.go) joined through golang.org/x/sync/errgroup.
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Token identifies a scheduled timer. Cancelling a token removes it from the
// wheel if it has not already fired.
type Token uint64

type entry struct {
	token Token
	at    time.Time
	fn    func()
	index int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel is a host-scoped set of pending timers. Its methods lock an internal
// mutex; timer callbacks run unlocked, in whichever goroutine calls FireDue
// (directly or through Run).
type Wheel struct {
	mu      sync.Mutex
	h       entryHeap
	byToken map[Token]*entry
	next    Token

	now func() time.Time

	wakeCh chan struct{}
}

// New creates an empty timer wheel. nowFn defaults to time.Now when nil; a
// fake clock can be injected for deterministic tests.
func New(nowFn func() time.Time) *Wheel {
	if nowFn == nil {
		nowFn = time.Now
	}
	w := &Wheel{
		byToken: make(map[Token]*entry),
		now:     nowFn,
		wakeCh:  make(chan struct{}, 1),
	}
	heap.Init(&w.h)
	return w
}

// After schedules fn to run once d has elapsed, returning a Token that can
// cancel it.
func (w *Wheel) After(d time.Duration, fn func()) Token {
	w.mu.Lock()
	at := w.now().Add(d)
	w.mu.Unlock()
	return w.At(at, fn)
}

// At schedules fn to run at the given absolute time.
func (w *Wheel) At(at time.Time, fn func()) Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	tok := w.next
	e := &entry{token: tok, at: at, fn: fn}
	heap.Push(&w.h, e)
	w.byToken[tok] = e
	w.poke()
	return tok
}

// Cancel removes a pending timer. Cancelling an already-fired or unknown
// token is a harmless no-op, matching "dropping a socket cancels all timers
// keyed on its fd" even when some have already run.
func (w *Wheel) Cancel(tok Token) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byToken[tok]
	if !ok {
		return
	}
	delete(w.byToken, tok)
	heap.Remove(&w.h, e.index)
}

// Pending reports whether a token is still scheduled.
func (w *Wheel) Pending(tok Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byToken[tok]
	return ok
}

func (w *Wheel) poke() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// NextDeadline returns the time of the earliest pending timer and whether
// one exists. The simulator (or a driving loop in tests) uses this to know
// when to call Advance/Fire next.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.h) == 0 {
		return time.Time{}, false
	}
	return w.h[0].at, true
}

// FireDue runs (synchronously, in the calling goroutine) every timer whose
// deadline is at or before now. It returns the number of timers fired. This
// is the method the simulator's event_end() hook calls after delivering each
// event, and it is also what makes the wheel deterministic under tests: no
// background goroutine races the assertions.
func (w *Wheel) FireDue() int {
	now := w.now()
	var due []func()
	w.mu.Lock()
	for len(w.h) > 0 && !w.h[0].at.After(now) {
		e := heap.Pop(&w.h).(*entry)
		delete(w.byToken, e.token)
		due = append(due, e.fn)
	}
	w.mu.Unlock()
	for _, fn := range due {
		fn()
	}
	return len(due)
}

// Run drives the wheel until ctx is cancelled, firing due timers and
// sleeping until the next deadline (or until poked by a new schedule). It is
// supervised by an errgroup.Group so that the host context's teardown can
// join it, matching the teacher's ndpDispatcher worker-goroutine pattern.
func (w *Wheel) Run(ctx context.Context) error {
	for {
		w.FireDue()
		var wait <-chan time.Time
		if at, ok := w.NextDeadline(); ok {
			d := at.Sub(w.now())
			if d < 0 {
				d = 0
			}
			t := time.NewTimer(d)
			defer t.Stop()
			wait = t.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wakeCh:
		case <-orNever(wait):
		}
	}
}

func orNever(c <-chan time.Time) <-chan time.Time {
	if c == nil {
		return make(chan time.Time) // never fires
	}
	return c
}

// Spawn starts Run on g, alongside the other per-host background loops (NDP
// dispatch, MLD timers, ...) the caller adds to the same group.
func Spawn(ctx context.Context, g *errgroup.Group, w *Wheel) {
	g.Go(func() error { return w.Run(ctx) })
}
