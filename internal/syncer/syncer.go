// Package syncer mirrors files and directories from one root to the other,
// encrypting or decrypting on the way, and produces the ledger connection of
// every file it syncs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/openmined/cryptosync/internal/cryptor"
	"github.com/openmined/cryptosync/internal/ledger"
	"github.com/openmined/cryptosync/internal/utils"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrRootMissing is returned by SyncTree when the authoritative root does not exist.
var ErrRootMissing = errors.New("authoritative root does not exist")

// Syncer performs the file level work for one pair of roots.
type Syncer struct {
	roots   Roots
	key     cryptor.Key
	fp      cryptor.Fingerprinter
	ignore  *IgnoreList
	workers int
	retry   RetryPolicy

	// removeDir is os.Remove, swapped in tests
	removeDir func(string) error
}

type Option func(*Syncer)

// WithWorkers bounds how many files SyncTree processes at once.
func WithWorkers(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithFingerprinter(fp cryptor.Fingerprinter) Option {
	return func(s *Syncer) {
		s.fp = fp
	}
}

func WithIgnoreList(ignore *IgnoreList) Option {
	return func(s *Syncer) {
		s.ignore = ignore
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Syncer) {
		s.retry = p
	}
}

func New(roots Roots, key cryptor.Key, opts ...Option) *Syncer {
	s := &Syncer{
		roots:     Roots{Plain: filepath.Clean(roots.Plain), Cipher: filepath.Clean(roots.Cipher)},
		key:       key,
		fp:        cryptor.FingerprinterFunc(cryptor.FingerprintFile),
		ignore:    DefaultIgnoreList(),
		workers:   runtime.NumCPU(),
		retry:     DefaultRetryPolicy(),
		removeDir: os.Remove,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) Roots() Roots {
	return s.roots
}

// Fingerprint fingerprints a file on either side.
func (s *Syncer) Fingerprint(path string) (cryptor.Fingerprint, error) {
	return s.fp.Fingerprint(path)
}

// Ignored reports whether path, under the authoritative root of d, is excluded from syncing.
func (s *Syncer) Ignored(path string, d Direction) bool {
	rel, err := s.roots.Rel(path, d)
	if err != nil {
		return false
	}
	return s.ignore.ShouldIgnore(rel)
}

// SyncOne mirrors a single file from the authoritative side of d and returns
// its connection with the fingerprints of both sides after the write.
func (s *Syncer) SyncOne(path string, d Direction) (ledger.Connection, error) {
	plain, cipher, err := s.roots.Pair(path, d)
	if err != nil {
		return ledger.Connection{}, err
	}

	var plainFP, cipherFP cryptor.Fingerprint
	switch d {
	case Encrypt:
		if err := utils.EnsureParent(cipher); err != nil {
			return ledger.Connection{}, fmt.Errorf("%w: create parent of %s: %w", cryptor.ErrIO, cipher, err)
		}
		if plainFP, err = cryptor.Encrypt(plain, cipher, s.key); err != nil {
			return ledger.Connection{}, err
		}
		if cipherFP, err = cryptor.FingerprintFile(cipher); err != nil {
			return ledger.Connection{}, err
		}
	case Decrypt:
		if err := utils.EnsureParent(plain); err != nil {
			return ledger.Connection{}, fmt.Errorf("%w: create parent of %s: %w", cryptor.ErrIO, plain, err)
		}
		if plainFP, err = cryptor.Decrypt(cipher, plain, s.key); err != nil {
			return ledger.Connection{}, err
		}
		if cipherFP, err = cryptor.FingerprintFile(cipher); err != nil {
			return ledger.Connection{}, err
		}
	default:
		return ledger.Connection{}, fmt.Errorf("unknown direction %s", d)
	}

	if info, err := os.Stat(plain); err == nil {
		slog.Debug("sync", "op", d, "path", path, "size", humanize.Bytes(uint64(info.Size())))
	}

	return ledger.Connection{
		ID:                ConnectionID(plain, cipher),
		SourcePath:        plain,
		SourceFingerprint: plainFP,
		TargetPath:        cipher,
		TargetFingerprint: cipherFP,
	}, nil
}

// SyncTree mirrors the whole authoritative tree of d. Directories are created
// first, then files are synced by a bounded worker pool. Files that fail are
// reported in the returned error while the rest are still synced and returned.
func (s *Syncer) SyncTree(ctx context.Context, d Direction) (map[string]ledger.Connection, error) {
	root := s.roots.Authoritative(d)
	if !utils.DirExists(root) {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}
	if err := utils.EnsureDir(s.roots.Mirror(d)); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", cryptor.ErrIO, s.roots.Mirror(d), err)
	}

	var files []string
	err := s.walk(root, d, func(path string, isDir bool) error {
		if isDir {
			_, _, err := s.MirrorDir(path, d)
			return err
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		conns = make(map[string]ledger.Connection, len(files))
		errs  error
		bytes uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			conn, err := s.SyncOne(path, d)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("sync", "op", d, "path", path, "error", err)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
				return nil
			}
			conns[conn.ID] = conn
			if info, err := os.Stat(conn.SourcePath); err == nil {
				bytes += uint64(info.Size())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	slog.Info("sync tree", "op", d, "root", root, "files", len(conns), "failed", len(multierr.Errors(errs)), "size", humanize.Bytes(bytes))
	return conns, errs
}

// Files lists the regular files of the authoritative tree of d, skipping ignored paths.
func (s *Syncer) Files(d Direction) ([]string, error) {
	root := s.roots.Authoritative(d)
	if !utils.DirExists(root) {
		return nil, nil
	}

	var files []string
	err := s.walk(root, d, func(path string, isDir bool) error {
		if !isDir {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// walk visits every directory and regular file below root that is not ignored.
func (s *Syncer) walk(root string, d Direction, fn func(path string, isDir bool) error) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return fmt.Errorf("%w: walk %s: %w", cryptor.ErrIO, path, err)
		}
		if path == root {
			return nil
		}
		if s.Ignored(path, d) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return fn(path, true)
		}
		if !entry.Type().IsRegular() {
			slog.Debug("skip irregular file", "path", path, "mode", entry.Type().String())
			return nil
		}
		return fn(path, false)
	})
}

// MirrorDir creates the mirror of a directory. created is false when it already existed.
func (s *Syncer) MirrorDir(path string, d Direction) (mirror string, created bool, err error) {
	mirror, err = s.roots.MapPath(path, d)
	if err != nil {
		return "", false, err
	}
	if utils.DirExists(mirror) {
		return mirror, false, nil
	}
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		return mirror, false, fmt.Errorf("%w: create directory %s: %w", cryptor.ErrIO, mirror, err)
	}
	slog.Debug("mirror dir", "op", d, "path", mirror)
	return mirror, true, nil
}

// RemoveFile deletes the mirror of path. removed is false when it was already gone.
func (s *Syncer) RemoveFile(path string, d Direction) (mirror string, removed bool, err error) {
	mirror, err = s.roots.MapPath(path, d)
	if err != nil {
		return "", false, err
	}
	if err := os.Remove(mirror); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return mirror, false, nil
		}
		return mirror, false, fmt.Errorf("%w: remove %s: %w", cryptor.ErrIO, mirror, err)
	}
	slog.Debug("remove", "op", d, "path", mirror)
	return mirror, true, nil
}
