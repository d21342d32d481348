package watch

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultStabilityPoll   = 500 * time.Millisecond
	DefaultStabilityWindow = 2 * time.Second
)

type pendingWrite struct {
	event       Event
	size        int64
	modTime     time.Time
	stableSince time.Time
	timer       clockwork.Timer
}

// Stabilizer holds file events back until the file has stopped changing for
// the stability window, so half written files are never mirrored. Repeated
// events for a pending path are merged and the first event type is kept.
type Stabilizer struct {
	clock  clockwork.Clock
	poll   time.Duration
	window time.Duration
	emit   func(Event)

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

// NewStabilizer creates a stabilizer that hands settled events to emit.
// A window of zero emits every event right away.
func NewStabilizer(clock clockwork.Clock, poll, window time.Duration, emit func(Event)) *Stabilizer {
	return &Stabilizer{
		clock:   clock,
		poll:    poll,
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingWrite),
	}
}

func (s *Stabilizer) Add(ev Event) {
	if s.window <= 0 {
		s.emit(ev)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[ev.Path]; ok {
		return
	}

	info, err := os.Stat(ev.Path)
	if err != nil {
		slog.Debug("stabilize skip", "path", ev.Path, "error", err)
		return
	}

	p := &pendingWrite{
		event:       ev,
		size:        info.Size(),
		modTime:     info.ModTime(),
		stableSince: s.clock.Now(),
	}
	p.timer = s.clock.AfterFunc(s.poll, func() { s.check(ev.Path) })
	s.pending[ev.Path] = p
}

// Cancel drops a pending event for path.
func (s *Stabilizer) Cancel(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[path]; ok {
		p.timer.Stop()
		delete(s.pending, path)
	}
}

// Stop drops every pending event.
func (s *Stabilizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, path)
	}
}

func (s *Stabilizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Stabilizer) check(path string) {
	s.mu.Lock()
	p, ok := s.pending[path]
	if !ok {
		s.mu.Unlock()
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		delete(s.pending, path)
		s.mu.Unlock()
		slog.Debug("stabilize gone", "path", path, "error", err)
		return
	}

	now := s.clock.Now()
	if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
		p.size = info.Size()
		p.modTime = info.ModTime()
		p.stableSince = now
	}

	if now.Sub(p.stableSince) < s.window {
		p.timer = s.clock.AfterFunc(s.poll, func() { s.check(path) })
		s.mu.Unlock()
		return
	}

	delete(s.pending, path)
	s.mu.Unlock()
	s.emit(p.event)
}
