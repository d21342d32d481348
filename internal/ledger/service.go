package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/cryptosync/internal/utils"
	"go.uber.org/multierr"
)

const DefaultDebounce = 500 * time.Millisecond

type snapshot struct {
	ledger     *Ledger
	generation uint64
}

// Service owns the in-memory ledger of one root pair. Mutations apply
// immediately in memory; persistence is debounced so a burst of changes
// becomes one write of the latest state. Writes never overlap: one writer
// drains a single pending slot, and a snapshot older than what is already on
// disk is dropped.
type Service struct {
	store    Store
	clock    clockwork.Clock
	debounce time.Duration
	lockPath string
	lock     *flock.Flock

	mu         sync.Mutex
	ledger     *Ledger
	generation uint64
	timer      clockwork.Timer
	closed     bool

	queueMu sync.Mutex
	queued  *snapshot
	writing bool
	writers sync.WaitGroup

	storeMu  sync.Mutex
	savedGen uint64
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithDebounce(d time.Duration) Option {
	return func(s *Service) {
		s.debounce = d
	}
}

// WithLock makes Load take an exclusive file lock at path, held until Close.
func WithLock(path string) Option {
	return func(s *Service) {
		s.lockPath = path
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    clockwork.NewRealClock(),
		debounce: DefaultDebounce,
		ledger:   New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path is where the ledger is stored.
func (s *Service) Path() string {
	return s.store.Path()
}

// Load reads the stored ledger into memory. When none existed an empty one is
// stored right away and existed is false.
func (s *Service) Load() (l *Ledger, existed bool, err error) {
	if err := s.acquireLock(); err != nil {
		return nil, false, err
	}

	loaded, existed, err := s.store.Load()
	if err != nil {
		return nil, existed, err
	}
	if !existed {
		if err := s.store.Save(loaded); err != nil {
			return nil, false, fmt.Errorf("create ledger: %w", err)
		}
	}

	s.mu.Lock()
	s.ledger = loaded
	s.mu.Unlock()

	slog.Debug("ledger load", "path", s.store.Path(), "existed", existed, "connections", loaded.Len())
	return loaded.Clone(), existed, nil
}

func (s *Service) acquireLock() error {
	if s.lockPath == "" || s.lock != nil {
		return nil
	}
	if err := utils.EnsureParent(s.lockPath); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(s.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock ledger %s: %w", s.lockPath, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, s.lockPath)
	}
	s.lock = lock
	return nil
}

// Save replaces the whole in-memory ledger and schedules a write.
func (s *Service) Save(l *Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = l.Clone()
	s.scheduleLocked()
}

func (s *Service) Upsert(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Connections[conn.ID] = conn
	s.scheduleLocked()
}

func (s *Service) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger.Connections[id]; !ok {
		return
	}
	delete(s.ledger.Connections, id)
	s.scheduleLocked()
}

func (s *Service) Get(id string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.ledger.Connections[id]
	return conn, ok
}

// Snapshot returns a copy of the in-memory ledger.
func (s *Service) Snapshot() *Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Clone()
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Len()
}

// scheduleLocked restarts the debounce timer. s.mu must be held.
func (s *Service) scheduleLocked() {
	s.generation++
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.debounce, s.onDebounce)
}

func (s *Service) onDebounce() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	snap := snapshot{ledger: s.ledger.Clone(), generation: s.generation}
	s.timer = nil
	s.mu.Unlock()

	s.enqueue(snap)
}

// enqueue hands the snapshot to the writer, starting one if none is running.
// A snapshot already waiting is replaced; only the latest matters.
func (s *Service) enqueue(snap snapshot) {
	s.queueMu.Lock()
	if s.writing {
		if s.queued != nil {
			slog.Debug("ledger write superseded", "generation", s.queued.generation)
		}
		slog.Warn("ledger write queued behind in-flight write", "path", s.store.Path())
		s.queued = &snap
		s.queueMu.Unlock()
		return
	}
	s.writing = true
	s.writers.Add(1)
	s.queueMu.Unlock()

	go s.drain(snap)
}

func (s *Service) drain(snap snapshot) {
	defer s.writers.Done()
	for {
		if err := s.write(snap); err != nil {
			slog.Error("ledger save", "path", s.store.Path(), "error", err)
		}

		s.queueMu.Lock()
		if s.queued == nil {
			s.writing = false
			s.queueMu.Unlock()
			return
		}
		snap = *s.queued
		s.queued = nil
		s.queueMu.Unlock()
	}
}

func (s *Service) write(snap snapshot) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if snap.generation <= s.savedGen {
		return nil
	}
	if err := s.store.Save(snap.ledger); err != nil {
		return err
	}
	s.savedGen = snap.generation
	slog.Debug("ledger saved", "path", s.store.Path(), "connections", snap.ledger.Len())
	return nil
}

// Flush cancels the pending debounce and writes the current state now.
func (s *Service) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	snap := snapshot{ledger: s.ledger.Clone(), generation: s.generation}
	s.mu.Unlock()

	s.queueMu.Lock()
	s.queued = nil
	s.queueMu.Unlock()

	return s.write(snap)
}

// Remove deletes the stored ledger and resets the in-memory state to empty.
func (s *Service) Remove() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ledger = New()
	gen := s.generation
	s.mu.Unlock()

	s.queueMu.Lock()
	s.queued = nil
	s.queueMu.Unlock()
	s.writers.Wait()

	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if err := s.store.Remove(); err != nil {
		return err
	}
	s.savedGen = gen
	slog.Info("ledger removed", "path", s.store.Path())
	return nil
}

// Close flushes, stops accepting writes and releases the store and lock.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Flush()
	s.writers.Wait()

	err = multierr.Append(err, s.store.Close())
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil {
			err = multierr.Append(err, fmt.Errorf("unlock ledger: %w", unlockErr))
		}
		s.lock = nil
	}
	return err
}
