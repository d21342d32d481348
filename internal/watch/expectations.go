package watch

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultExpectationWindow = 10 * time.Second

type expectation struct {
	path   string
	typ    EventType
	expiry time.Time
}

// Expectations remembers notifications the gateway is about to cause itself.
// Entries are kept sorted by expiry and a single timer drops them once the
// window has passed without a matching notification.
type Expectations struct {
	clock  clockwork.Clock
	window time.Duration

	mu      sync.Mutex
	entries []expectation
	timer   clockwork.Timer
}

func NewExpectations(clock clockwork.Clock, window time.Duration) *Expectations {
	return &Expectations{clock: clock, window: window}
}

// Expect registers that a notification of typ for path is on its way.
func (e *Expectations) Expect(path string, typ EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := expectation{path: path, typ: typ, expiry: e.clock.Now().Add(e.window)}
	i, _ := slices.BinarySearchFunc(e.entries, entry.expiry, func(x expectation, t time.Time) int {
		if x.expiry.After(t) {
			return 1
		}
		return -1
	})
	e.entries = slices.Insert(e.entries, i, entry)
	if i == 0 {
		e.resetTimerLocked()
	}
}

// Consume removes the oldest live expectation matching path and typ and
// reports whether there was one.
func (e *Expectations) Consume(path string, typ EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for i, entry := range e.entries {
		if entry.path != path || entry.typ != typ || !entry.expiry.After(now) {
			continue
		}
		e.entries = slices.Delete(e.entries, i, i+1)
		if i == 0 {
			e.resetTimerLocked()
		}
		return true
	}
	return false
}

func (e *Expectations) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Reset forgets every expectation.
func (e *Expectations) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = nil
	e.resetTimerLocked()
}

func (e *Expectations) expire() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	n := 0
	for n < len(e.entries) && !e.entries[n].expiry.After(now) {
		entry := e.entries[n]
		slog.Warn("expected event did not arrive", "path", entry.path, "event", entry.typ)
		n++
	}
	e.entries = slices.Delete(e.entries, 0, n)
	e.timer = nil
	e.resetTimerLocked()
}

// resetTimerLocked points the timer at the head entry. e.mu must be held.
func (e *Expectations) resetTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if len(e.entries) == 0 {
		return
	}
	e.timer = e.clock.AfterFunc(e.entries[0].expiry.Sub(e.clock.Now()), e.expire)
}
