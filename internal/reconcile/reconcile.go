// Package reconcile brings the ledger and both trees back in line after
// changes that were not observed live, and schedules that pass periodically.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/cryptosync/internal/ledger"
	"github.com/openmined/cryptosync/internal/syncer"
	"go.uber.org/multierr"
)

// Result counts what a reconciliation pass did.
type Result struct {
	Unchanged int
	Changed   int
	Deleted   int
	Dropped   int
	New       int
}

func (r Result) HasChanges() bool {
	return r.Changed > 0 || r.Deleted > 0 || r.Dropped > 0 || r.New > 0
}

func (r Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("unchanged", r.Unchanged),
		slog.Int("changed", r.Changed),
		slog.Int("deleted", r.Deleted),
		slog.Int("dropped", r.Dropped),
		slog.Int("new", r.New),
	)
}

type Reconciler struct {
	syncer *syncer.Syncer
	ledger *ledger.Service
}

func New(s *syncer.Syncer, l *ledger.Service) *Reconciler {
	return &Reconciler{syncer: s, ledger: l}
}

// CompareConnections checks every recorded connection against the files on
// disk, then syncs files that no connection covers. A side whose fingerprint
// moved away from the recorded one wins. When both sides moved the pass stops
// with a *ConflictError and that connection is left untouched. Other per-file
// failures are collected and returned together once the pass completes.
func (r *Reconciler) CompareConnections(ctx context.Context) (Result, error) {
	var res Result

	slog.Info("reconcile connections", "connections", r.ledger.Len())
	errs, err := r.compareFingerprints(ctx, &res)
	if err != nil {
		return res, multierr.Append(errs, err)
	}

	slog.Info("reconcile new files")
	errs = multierr.Append(errs, r.compareTrees(ctx, &res))

	slog.Info("reconcile done", "result", res, "errors", len(multierr.Errors(errs)))
	return res, errs
}

// compareFingerprints returns per-file errors and, separately, the error that stopped the pass.
func (r *Reconciler) compareFingerprints(ctx context.Context, res *Result) (errs error, stop error) {
	conns := r.ledger.Snapshot().Connections
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return errs, err
		}
		if err := r.compareOne(conns[id], res); err != nil {
			if errors.Is(err, ErrConflict) {
				return errs, err
			}
			slog.Error("reconcile", "path", conns[id].SourcePath, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs, nil
}

func (r *Reconciler) compareOne(conn ledger.Connection, res *Result) error {
	sourceFP, err := r.syncer.Fingerprint(conn.SourcePath)
	if err != nil {
		return err
	}
	targetFP, err := r.syncer.Fingerprint(conn.TargetPath)
	if err != nil {
		return err
	}

	if sourceFP.IsNull() && targetFP.IsNull() {
		slog.Warn("both sides deleted externally, dropping connection", "source", conn.SourcePath, "target", conn.TargetPath)
		r.ledger.Delete(conn.ID)
		res.Dropped++
		return nil
	}

	sourceSame := sourceFP == conn.SourceFingerprint
	targetSame := targetFP == conn.TargetFingerprint

	switch {
	case sourceSame && targetSame:
		res.Unchanged++
		return nil
	case !sourceSame && !targetSame:
		slog.Error("both sides changed", "source", conn.SourcePath, "target", conn.TargetPath,
			"sourceFingerprint", sourceFP.Short(), "targetFingerprint", targetFP.Short())
		return &ConflictError{SourcePath: conn.SourcePath, TargetPath: conn.TargetPath}
	case !sourceSame:
		return r.apply(conn, conn.SourcePath, sourceFP.IsNull(), syncer.Encrypt, res)
	default:
		return r.apply(conn, conn.TargetPath, targetFP.IsNull(), syncer.Decrypt, res)
	}
}

// apply propagates a one-sided change from path, the side that moved.
func (r *Reconciler) apply(conn ledger.Connection, path string, deleted bool, d syncer.Direction, res *Result) error {
	if deleted {
		slog.Info("detected deleted file", "op", d, "path", path)
		if _, _, err := r.syncer.RemoveFile(path, d); err != nil {
			return err
		}
		r.ledger.Delete(conn.ID)
		res.Deleted++
		return nil
	}

	slog.Info("detected changed file", "op", d, "path", path)
	updated, err := r.syncer.SyncOne(path, d)
	if err != nil {
		return err
	}
	r.ledger.Upsert(updated)
	res.Changed++
	return nil
}

// compareTrees syncs files that exist on either side but belong to no connection.
// The plaintext side is walked first; anything it mirrors is covered by the
// time the encrypted side is walked.
func (r *Reconciler) compareTrees(ctx context.Context, res *Result) error {
	covered := mapset.NewThreadUnsafeSet[string]()
	for _, conn := range r.ledger.Snapshot().Connections {
		covered.Add(conn.SourcePath)
		covered.Add(conn.TargetPath)
	}

	var errs error
	for _, d := range []syncer.Direction{syncer.Encrypt, syncer.Decrypt} {
		files, err := r.syncer.Files(d)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list %s files: %w", d, err))
			continue
		}

		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return multierr.Append(errs, err)
			}
			if covered.Contains(path) {
				continue
			}

			slog.Info("detected new file", "op", d, "path", path)
			conn, err := r.syncer.SyncOne(path, d)
			if err != nil {
				slog.Error("reconcile", "path", path, "error", err)
				errs = multierr.Append(errs, err)
				continue
			}
			r.ledger.Upsert(conn)
			covered.Add(conn.SourcePath)
			covered.Add(conn.TargetPath)
			res.New++
		}
	}
	return errs
}
