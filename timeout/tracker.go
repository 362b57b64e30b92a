// Package timeout arms per-message delivery deadlines and reports the ones
// that expire.
package timeout

import (
	"sync"
	"time"
)

// DefaultDeadline is how long a sent message may stay without a terminal
// status before it is reported expired.
const DefaultDeadline = 30 * time.Second

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker keeps exactly one active timer per message id. Entries are
// removed from the map on cancel, expiry, and shutdown, never merely
// invalidated, so no callback can fire against torn-down state.
type Tracker struct {
	expire func(messageID string)

	mu     sync.Mutex
	timers map[string]entry
	gen    uint64
	closed bool
}

// New creates a tracker. expire is invoked from a timer goroutine whenever
// a deadline elapses before Cancel; the caller serializes it onto its own
// execution context.
func New(expire func(messageID string)) *Tracker {
	return &Tracker{
		expire: expire,
		timers: make(map[string]entry),
	}
}

// Arm starts a countdown for the message id. Re-arming replaces the
// existing timer rather than stacking a second one.
func (t *Tracker) Arm(messageID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if old, ok := t.timers[messageID]; ok {
		old.timer.Stop()
	}

	t.gen++
	gen := t.gen
	timer := time.AfterFunc(d, func() {
		t.fire(messageID, gen)
	})
	t.timers[messageID] = entry{timer: timer, gen: gen}
}

// Cancel stops the countdown for the message id. Called whenever the
// message reaches streaming or any terminal status.
func (t *Tracker) Cancel(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.timers[messageID]; ok {
		e.timer.Stop()
		delete(t.timers, messageID)
	}
}

// Active returns the number of armed timers.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// CancelAll stops every armed timer and refuses further arming. Called on
// session teardown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.timers {
		e.timer.Stop()
		delete(t.timers, id)
	}
	t.closed = true
}

func (t *Tracker) fire(messageID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.timers[messageID]
	// A Cancel or re-Arm that won the race owns the id now; stay silent.
	expired := ok && e.gen == gen
	if expired {
		delete(t.timers, messageID)
	}
	t.mu.Unlock()

	if expired {
		t.expire(messageID)
	}
}
