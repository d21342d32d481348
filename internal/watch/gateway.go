// Package watch turns live filesystem notifications on both roots into
// incremental syncs, and keeps the gateway from reacting to its own writes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/cryptosync/internal/ledger"
	"github.com/openmined/cryptosync/internal/syncer"
	"github.com/openmined/cryptosync/internal/utils"
	"go.uber.org/multierr"
)

type rawItem struct {
	RawEvent
	direction syncer.Direction
}

// Gateway watches both roots and mirrors every change to the other side.
// All notifications are handled by a single dispatch goroutine, so changes to
// one path are applied in the order they were observed.
type Gateway struct {
	syncer       *syncer.Syncer
	ledger       *ledger.Service
	clock        clockwork.Clock
	newSource    SourceFactory
	expectations *Expectations
	expectWindow time.Duration
	poll         time.Duration
	window       time.Duration

	// dirs holds every directory known under either root, so a removal can
	// be classified after the directory is already gone
	dirs mapset.Set[string]

	mu         sync.Mutex
	sources    map[syncer.Direction]Source
	watching   []syncer.Direction
	stabilizer *Stabilizer
	raw        chan rawItem
	settled    chan Event
	done       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	observe func(Event, string)
}

type Option func(*Gateway)

func WithClock(clock clockwork.Clock) Option {
	return func(g *Gateway) {
		g.clock = clock
	}
}

func WithSourceFactory(f SourceFactory) Option {
	return func(g *Gateway) {
		g.newSource = f
	}
}

// WithStability sets how often a changing file is polled and how long it
// must stay unchanged before it is synced. A zero window syncs immediately.
func WithStability(poll, window time.Duration) Option {
	return func(g *Gateway) {
		g.poll = poll
		g.window = window
	}
}

func WithExpectationWindow(d time.Duration) Option {
	return func(g *Gateway) {
		g.expectWindow = d
	}
}

// WithObserver registers fn to be called with every dispatched event and how
// it was handled: echo, synced, unchanged, removed, gone, created, exists or
// failed. fn runs on the dispatch goroutine.
func WithObserver(fn func(ev Event, outcome string)) Option {
	return func(g *Gateway) {
		g.observe = fn
	}
}

func NewGateway(s *syncer.Syncer, l *ledger.Service, opts ...Option) *Gateway {
	g := &Gateway{
		syncer:       s,
		ledger:       l,
		clock:        clockwork.NewRealClock(),
		newSource:    func() (Source, error) { return NewNotifySource(), nil },
		expectWindow: DefaultExpectationWindow,
		poll:         DefaultStabilityPoll,
		window:       DefaultStabilityWindow,
		dirs:         mapset.NewSet[string](),
		sources:      make(map[syncer.Direction]Source),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.expectations = NewExpectations(g.clock, g.expectWindow)
	return g
}

// WatchFolder starts watching the authoritative root of d. Changes there are
// mirrored in direction d.
func (g *Gateway) WatchFolder(d syncer.Direction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.sources[d]; ok {
		return nil
	}
	g.startLocked()

	root := g.syncer.Roots().Authoritative(d)
	if err := g.trackDirs(root); err != nil {
		return err
	}

	src, err := g.newSource()
	if err != nil {
		return fmt.Errorf("create %s source: %w", d, err)
	}
	done := g.done
	raw := g.raw
	emit := func(ev RawEvent) {
		select {
		case raw <- rawItem{RawEvent: ev, direction: d}:
		case <-done:
		}
	}
	if err := src.Start(root, emit); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}

	g.sources[d] = src
	g.watching = append(g.watching, d)
	slog.Info("watch start", "op", d, "root", root)
	return nil
}

// startLocked starts the dispatch goroutine if it is not running. g.mu must be held.
func (g *Gateway) startLocked() {
	if g.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	g.raw = make(chan rawItem, eventBufferSize)
	g.settled = make(chan Event, eventBufferSize)

	done, settled := g.done, g.settled
	g.stabilizer = NewStabilizer(g.clock, g.poll, g.window, func(ev Event) {
		select {
		case settled <- ev:
		case <-done:
		}
	})

	g.wg.Add(1)
	go g.run(ctx, g.raw, g.settled, g.done, g.stabilizer)
}

func (g *Gateway) trackDirs(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if d.IsDir() && path != root {
			g.dirs.Add(path)
		}
		return nil
	})
}

// Close stops watching both roots and returns once the dispatch goroutine has
// exited. Pending unsettled events and expectations are dropped.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done == nil {
		return nil
	}

	close(g.done)
	g.cancel()

	var errs []error
	for d, src := range g.sources {
		if err := src.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s watch: %w", d, err))
		}
		delete(g.sources, d)
	}
	g.stabilizer.Stop()
	g.wg.Wait()

	g.expectations.Reset()
	g.done = nil
	g.watching = nil
	slog.Info("watch stop")
	return multierr.Combine(errs...)
}

// Pause stops the watch and remembers which roots were watched.
func (g *Gateway) Pause() error {
	g.mu.Lock()
	watching := append([]syncer.Direction(nil), g.watching...)
	g.mu.Unlock()

	err := g.Close()

	g.mu.Lock()
	g.watching = watching
	g.mu.Unlock()
	return err
}

// Resume watches again whatever was watched before Pause.
func (g *Gateway) Resume() error {
	g.mu.Lock()
	watching := g.watching
	g.watching = nil
	g.mu.Unlock()

	for _, d := range watching {
		if err := g.WatchFolder(d); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, raw <-chan rawItem, settled <-chan Event, done <-chan struct{}, stabilizer *Stabilizer) {
	defer g.wg.Done()
	for {
		select {
		case <-done:
			return
		case item := <-raw:
			g.classify(item, stabilizer, func(ev Event) { g.dispatch(ctx, ev) })
		case ev := <-settled:
			g.dispatch(ctx, ev)
		}
	}
}

// classify turns a raw notification into an Event. File writes go through
// the stabilizer; directory events and removals are dispatched right away.
func (g *Gateway) classify(item rawItem, stabilizer *Stabilizer, dispatch func(Event)) {
	path := filepath.Clean(item.Path)
	if g.syncer.Ignored(path, item.direction) {
		return
	}
	if path == g.syncer.Roots().Authoritative(item.direction) {
		return
	}

	op := item.Op
	if op == OpRename {
		// a rename reports both names; whichever still exists was created
		if _, err := os.Lstat(path); err == nil {
			op = OpCreate
		} else {
			op = OpRemove
		}
	}

	ev := Event{Path: path, Direction: item.direction}
	switch op {
	case OpCreate, OpWrite:
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if op == OpWrite {
				return
			}
			g.dirs.Add(path)
			ev.Type = DirectoryCreated
			dispatch(ev)
			return
		}
		if !info.Mode().IsRegular() {
			return
		}
		ev.Type = Modified
		if op == OpCreate {
			ev.Type = Created
		}
		if g.window <= 0 {
			dispatch(ev)
			return
		}
		stabilizer.Add(ev)
	case OpRemove:
		stabilizer.Cancel(path)
		ev.Type = Deleted
		if g.dirs.Contains(path) {
			g.dirs.Remove(path)
			ev.Type = DirectoryDeleted
		} else if mirror, err := g.syncer.Roots().MapPath(path, item.direction); err == nil && utils.DirExists(mirror) {
			// repeated notification for a directory that is already untracked
			ev.Type = DirectoryDeleted
		}
		dispatch(ev)
	}
}

func (g *Gateway) dispatch(ctx context.Context, ev Event) {
	if g.expectations.Consume(ev.Path, ev.Type) {
		slog.Debug("watch echo", "event", ev.Type, "path", ev.Path)
		g.observed(ev, "echo")
		return
	}

	outcome := g.apply(ctx, ev)
	if ev.Type == DirectoryCreated && outcome != "failed" {
		g.mirrorTree(ctx, ev)
	}
}

func (g *Gateway) apply(ctx context.Context, ev Event) string {
	slog.Info("watch", "op", ev.Direction, "event", ev.Type, "path", ev.Path)
	var (
		outcome string
		err     error
	)
	switch ev.Type {
	case Created, Modified:
		outcome, err = g.syncFile(ev)
	case Deleted:
		outcome, err = g.removeFile(ev)
	case DirectoryCreated:
		outcome, err = g.mirrorDir(ev)
	case DirectoryDeleted:
		outcome, err = g.removeDir(ctx, ev)
	}
	if err != nil {
		slog.Error("watch", "op", ev.Direction, "event", ev.Type, "path", ev.Path, "error", err)
		outcome = "failed"
	}
	g.observed(ev, outcome)
	return outcome
}

func (g *Gateway) observed(ev Event, outcome string) {
	if g.observe != nil {
		g.observe(ev, outcome)
	}
}

// mirrorTree mirrors whatever a new directory already holds. A directory
// renamed or moved into a root arrives as a single notification, so its
// contents are never reported on their own.
func (g *Gateway) mirrorTree(ctx context.Context, dir Event) {
	err := filepath.WalkDir(dir.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == dir.Path {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.syncer.Ignored(path, dir.Direction) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		ev := Event{Path: path, Direction: dir.Direction}
		switch {
		case entry.IsDir():
			g.dirs.Add(path)
			ev.Type = DirectoryCreated
		case entry.Type().IsRegular():
			ev.Type = Created
		default:
			return nil
		}
		g.apply(ctx, ev)
		return nil
	})
	if err != nil {
		slog.Error("watch walk", "op", dir.Direction, "path", dir.Path, "error", err)
	}
}

func (g *Gateway) syncFile(ev Event) (string, error) {
	plain, cipher, err := g.syncer.Roots().Pair(ev.Path, ev.Direction)
	if err != nil {
		return "", err
	}
	mirror := cipher
	if ev.Direction == syncer.Decrypt {
		mirror = plain
	}

	if g.unchanged(syncer.ConnectionID(plain, cipher), plain, cipher) {
		slog.Debug("watch unchanged", "path", ev.Path)
		return "unchanged", nil
	}

	mirrorExisted := utils.FileExists(mirror)
	conn, err := g.syncer.SyncOne(ev.Path, ev.Direction)
	if err != nil {
		return "", err
	}
	g.ledger.Upsert(conn)

	if mirrorExisted {
		g.expectations.Expect(mirror, Modified)
	} else {
		g.expectations.Expect(mirror, Created)
	}
	return "synced", nil
}

// unchanged reports whether both files still carry the fingerprints recorded
// for their connection, in which case there is nothing to mirror.
func (g *Gateway) unchanged(id, plain, cipher string) bool {
	conn, ok := g.ledger.Get(id)
	if !ok {
		return false
	}
	plainFP, err := g.syncer.Fingerprint(plain)
	if err != nil || plainFP != conn.SourceFingerprint {
		return false
	}
	cipherFP, err := g.syncer.Fingerprint(cipher)
	if err != nil || cipherFP != conn.TargetFingerprint {
		return false
	}
	return true
}

func (g *Gateway) removeFile(ev Event) (string, error) {
	plain, cipher, err := g.syncer.Roots().Pair(ev.Path, ev.Direction)
	if err != nil {
		return "", err
	}
	mirror, removed, err := g.syncer.RemoveFile(ev.Path, ev.Direction)
	if err != nil {
		return "", err
	}
	g.ledger.Delete(syncer.ConnectionID(plain, cipher))
	if !removed {
		return "gone", nil
	}
	g.expectations.Expect(mirror, Deleted)
	return "removed", nil
}

func (g *Gateway) mirrorDir(ev Event) (string, error) {
	mirror, created, err := g.syncer.MirrorDir(ev.Path, ev.Direction)
	if err != nil {
		return "", err
	}
	g.dirs.Add(mirror)
	if !created {
		return "exists", nil
	}
	g.expectations.Expect(mirror, DirectoryCreated)
	return "created", nil
}

func (g *Gateway) removeDir(ctx context.Context, ev Event) (string, error) {
	if err := g.removeContents(ctx, ev); err != nil {
		return "", err
	}
	mirror, removed, err := g.syncer.RemoveDir(ctx, ev.Path, ev.Direction)
	if err != nil {
		return "", err
	}
	if !removed {
		return "gone", nil
	}
	// mirror stays in dirs until its own removal is observed, so that
	// notification is still classified as a directory removal
	g.expectations.Expect(mirror, DirectoryDeleted)
	return "removed", nil
}

// removeContents removes the mirrors of every file and directory recorded
// under a removed directory, deepest first. Files that still exist on the
// authoritative side are left alone.
func (g *Gateway) removeContents(ctx context.Context, ev Event) error {
	var errs error
	for id, conn := range g.ledger.Snapshot().Connections {
		path := conn.SourcePath
		if ev.Direction == syncer.Decrypt {
			path = conn.TargetPath
		}
		if path == ev.Path || !utils.IsWithin(ev.Path, path) || utils.FileExists(path) {
			continue
		}
		mirror, removed, err := g.syncer.RemoveFile(path, ev.Direction)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		g.ledger.Delete(id)
		if removed {
			g.expectations.Expect(mirror, Deleted)
		}
	}

	var nested []string
	for _, dir := range g.dirs.ToSlice() {
		if dir != ev.Path && utils.IsWithin(ev.Path, dir) && !utils.DirExists(dir) {
			nested = append(nested, dir)
		}
	}
	slices.SortFunc(nested, func(a, b string) int { return len(b) - len(a) })

	for _, dir := range nested {
		g.dirs.Remove(dir)
		mirror, removed, err := g.syncer.RemoveDir(ctx, dir, ev.Direction)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if removed {
			g.expectations.Expect(mirror, DirectoryDeleted)
		}
	}
	return errs
}
