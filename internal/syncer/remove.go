package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/cryptosync/internal/cryptor"
)

// RetryPolicy bounds how often RemoveDir retries a directory that still has entries.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Clock    clockwork.Clock
}

// DefaultRetryPolicy gives the file deletions of a removed tree time to land
// before its directories are removed.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Delay:    time.Second,
		Clock:    clockwork.NewRealClock(),
	}
}

// RemoveDir deletes the mirror of a removed directory. The directory must be
// empty; while it is not, the removal is retried per the retry policy.
// A directory that is already gone counts as removed.
func (s *Syncer) RemoveDir(ctx context.Context, path string, d Direction) (mirror string, removed bool, err error) {
	mirror, err = s.roots.MapPath(path, d)
	if err != nil {
		return "", false, err
	}

	attempts := max(s.retry.Attempts, 1)
	clock := s.retry.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	for attempt := 1; ; attempt++ {
		err = s.removeDir(mirror)
		switch {
		case err == nil:
			slog.Debug("remove dir", "op", d, "path", mirror, "attempt", attempt)
			return mirror, true, nil
		case errors.Is(err, fs.ErrNotExist):
			return mirror, false, nil
		case !errors.Is(err, syscall.ENOTEMPTY):
			return mirror, false, fmt.Errorf("%w: remove directory %s: %w", cryptor.ErrIO, mirror, err)
		}

		if attempt >= attempts {
			return mirror, false, fmt.Errorf("%w: remove directory %s after %d attempts: %w", cryptor.ErrIO, mirror, attempt, err)
		}
		slog.Debug("remove dir retry", "path", mirror, "attempt", attempt, "delay", s.retry.Delay)

		select {
		case <-ctx.Done():
			return mirror, false, ctx.Err()
		case <-clock.After(s.retry.Delay):
		}
	}
}
