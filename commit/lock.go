package commit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"vycore/internal/failure"
)

// Lock is the system wide commit lock, an flock on a well known file.
type Lock struct {
	f *os.File
}

// AcquireLock takes the lock without waiting. A held lock is reported as
// CommitInProgress.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open commit lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, failure.CommitInProgress("Commit in progress")
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := errors.Join(unix.Flock(int(l.f.Fd()), unix.LOCK_UN), l.f.Close())
	l.f = nil
	return err
}

// InProgress reports whether another process holds the commit lock.
func InProgress(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// WaitForCommit polls until no commit holds the lock. A zero timeout waits
// until ctx is done. A notice is logged every minute of waiting.
func WaitForCommit(ctx context.Context, path string, interval, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	lastNotice := start
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for InProgress(path) {
		if time.Since(lastNotice) >= time.Minute {
			log.Info().Dur("waited", time.Since(start)).Msg("still waiting for commit to finish")
			lastNotice = time.Now()
		}
		select {
		case <-ctx.Done():
			return failure.CommitInProgress("Commit in progress")
		case <-ticker.C:
		}
	}
	return nil
}
