package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/cryptosync/internal/ledger"
	"github.com/openmined/cryptosync/internal/reconcile"
	"github.com/openmined/cryptosync/internal/syncer"
	"github.com/openmined/cryptosync/internal/utils"
	"go.uber.org/multierr"
)

var (
	ErrNoRoots        = errors.New("either the source folder or the target folder needs to exist")
	ErrAmbiguousState = errors.New("both folders exist but no ledger was found")
)

// Bootstrap brings the ledger in line with the roots before anything is
// watched:
//
//   - only one root exists: any ledger is stale and is discarded, then the
//     existing root is synced in full to the other one
//   - both roots and a ledger exist: one reconcile pass
//   - both roots exist without a ledger: nothing can be decided safely
//
// Per-file sync failures are logged and left to the next reconcile pass.
func (e *Engine) Bootstrap(ctx context.Context) error {
	roots := e.syncer.Roots()
	plainExists := utils.DirExists(roots.Plain)
	cipherExists := utils.DirExists(roots.Cipher)

	if !plainExists && !cipherExists {
		return fmt.Errorf("%w: %s, %s", ErrNoRoots, roots.Plain, roots.Cipher)
	}

	_, existed, err := e.ledger.Load()
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	switch {
	case plainExists && cipherExists && existed:
		slog.Info("validating sync")
		_, err := e.reconciler.CompareConnections(ctx)
		return tolerate(err)

	case plainExists && cipherExists:
		slog.Error("both folders exist but no ledger was found, cannot establish a sync connection")
		slog.Error("resolve this manually by deleting one folder, an empty folder is not sufficient")
		slog.Error("make sure the remaining data is up to date to prevent data loss")
		// the empty ledger Load just created would make the next start look synced
		if err := e.ledger.Remove(); err != nil {
			slog.Warn("ledger remove", "error", err)
		}
		return ErrAmbiguousState

	default:
		if existed {
			slog.Warn("unexpected ledger found, were both folders synced on this machine before?")
			if err := e.ledger.Remove(); err != nil {
				return fmt.Errorf("failed to remove stale ledger: %w", err)
			}
		}
		d := syncer.Encrypt
		if !plainExists {
			d = syncer.Decrypt
		}
		return e.initialSync(ctx, d)
	}
}

func (e *Engine) initialSync(ctx context.Context, d syncer.Direction) error {
	roots := e.syncer.Roots()
	slog.Info("new setup, initial sync", "op", d, "from", roots.Authoritative(d), "to", roots.Mirror(d))

	conns, err := e.syncer.SyncTree(ctx, d)
	if conns == nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	e.ledger.Save(&ledger.Ledger{Connections: conns})
	if flushErr := e.ledger.Flush(); flushErr != nil {
		return fmt.Errorf("failed to save ledger: %w", flushErr)
	}
	return tolerate(err)
}

// tolerate drops per-file failures, which are already logged, and keeps
// anything that must stop the engine.
func tolerate(err error) error {
	if err == nil {
		return nil
	}
	for _, err := range multierr.Errors(err) {
		if errors.Is(err, reconcile.ErrConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	slog.Warn("some files failed to sync, they are retried by the next reconcile pass", "failed", len(multierr.Errors(err)))
	return nil
}
