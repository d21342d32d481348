package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/openmined/cryptosync/internal/config"
	"github.com/openmined/cryptosync/internal/cryptor"
	"github.com/openmined/cryptosync/internal/ledger"
	"github.com/openmined/cryptosync/internal/reconcile"
	"github.com/openmined/cryptosync/internal/syncer"
	"github.com/openmined/cryptosync/internal/watch"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

type Option func(*options)

type options struct {
	ledger    []ledger.Option
	watch     []watch.Option
	scheduler []reconcile.SchedulerOption
}

func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(o *options) {
		o.ledger = append(o.ledger, opts...)
	}
}

func WithWatchOptions(opts ...watch.Option) Option {
	return func(o *options) {
		o.watch = append(o.watch, opts...)
	}
}

func WithSchedulerOptions(opts ...reconcile.SchedulerOption) Option {
	return func(o *options) {
		o.scheduler = append(o.scheduler, opts...)
	}
}

// Engine keeps one plaintext root and its encrypted mirror in sync.
type Engine struct {
	config     *config.Config
	syncer     *syncer.Syncer
	ledger     *ledger.Service
	reconciler *reconcile.Reconciler
	gateway    *watch.Gateway
	scheduler  *reconcile.Scheduler
}

// New wires the engine for a validated config. Nothing on disk is touched
// until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	key, err := cryptor.DeriveKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	fp, err := cryptor.NewFingerprinter(cfg.FingerprintCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprinter: %w", err)
	}

	ignore := syncer.NewIgnoreList(cfg.SourceDir)
	ignore.Load()

	s := syncer.New(syncer.Roots{Plain: cfg.SourceDir, Cipher: cfg.TargetDir}, key,
		syncer.WithWorkers(cfg.Workers),
		syncer.WithFingerprinter(fp),
		syncer.WithIgnoreList(ignore),
	)

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	ledgerOpts := append([]ledger.Option{ledger.WithLock(store.Path() + ".lock")}, o.ledger...)
	l := ledger.NewService(store, ledgerOpts...)

	sources, err := watch.NewSourceFactory(watch.Backend(cfg.WatchBackend))
	if err != nil {
		return nil, err
	}
	watchOpts := append([]watch.Option{watch.WithSourceFactory(sources)}, o.watch...)
	gateway := watch.NewGateway(s, l, watchOpts...)

	reconciler := reconcile.New(s, l)

	return &Engine{
		config:     cfg,
		syncer:     s,
		ledger:     l,
		reconciler: reconciler,
		gateway:    gateway,
		scheduler:  reconcile.NewScheduler(reconciler, gateway, cfg.ReconcileInterval, o.scheduler...),
	}, nil
}

func newStore(cfg *config.Config) (ledger.Store, error) {
	stem := ledger.Stem(cfg.SourceDir, cfg.TargetDir)
	switch cfg.LedgerBackend {
	case config.LedgerJSON, "":
		return ledger.NewJSONStore(afero.NewOsFs(), filepath.Join(cfg.LedgerDir(), stem+".json")), nil
	case config.LedgerSqlite:
		return ledger.NewSqliteStore(filepath.Join(cfg.LedgerDir(), stem+".db")), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// Start bootstraps, watches both roots and reconciles periodically until ctx
// is done or a conflict is found. Everything is shut down before it returns.
func (e *Engine) Start(ctx context.Context) (err error) {
	slog.Info("cryptosync start",
		"source", e.config.SourceDir,
		"target", e.config.TargetDir,
		"key", e.config.KeyFile,
		"ledger", e.ledger.Path(),
	)
	defer func() {
		err = multierr.Append(err, e.stop())
	}()

	if err := e.Bootstrap(ctx); err != nil {
		logConflict(err)
		return err
	}

	for _, d := range []syncer.Direction{syncer.Encrypt, syncer.Decrypt} {
		if err := e.gateway.WatchFolder(d); err != nil {
			return fmt.Errorf("failed to watch: %w", err)
		}
	}

	if err := e.scheduler.Run(ctx); err != nil {
		logConflict(err)
		return err
	}

	slog.Info("received interrupt signal, stopping cryptosync")
	return nil
}

// Mirror syncs the authoritative tree of d once and records every synced file
// in the ledger, so a later Start reconciles instead of refusing to run.
// Failed files are returned together with the number of files synced.
func (e *Engine) Mirror(ctx context.Context, d syncer.Direction) (n int, err error) {
	defer func() {
		err = multierr.Append(err, e.stop())
	}()

	if _, _, err := e.ledger.Load(); err != nil {
		return 0, fmt.Errorf("failed to load ledger: %w", err)
	}

	conns, err := e.syncer.SyncTree(ctx, d)
	for _, conn := range conns {
		e.ledger.Upsert(conn)
	}
	return len(conns), err
}

func (e *Engine) stop() error {
	err := e.gateway.Close()
	if closeErr := e.ledger.Close(); closeErr != nil && !errors.Is(closeErr, ledger.ErrClosed) {
		err = multierr.Append(err, closeErr)
	}
	slog.Info("cryptosync stop")
	return err
}

func logConflict(err error) {
	var conflict *reconcile.ConflictError
	if !errors.As(err, &conflict) {
		return
	}
	slog.Error("conflict", "source", conflict.SourcePath, "target", conflict.TargetPath)
	slog.Error("both files changed since the last sync, resolve the conflict manually before restarting")
}
