//go:build !windows

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

type runRootLock struct {
	path string
	file *os.File
}

// acquireRunRootLock polls a non-blocking exclusive flock until ctx is done. The kernel
// drops the lock if the holder dies, so a stale pid in the file never blocks anyone.
func acquireRunRootLock(ctx context.Context, lockPath string) (*runRootLock, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open run root lock failed: %w", err)
	}
	for {
		flockError := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockError == nil {
			break
		}
		if !errors.Is(flockError, unix.EWOULDBLOCK) {
			_ = file.Close()
			return nil, fmt.Errorf("lock run root failed: %w", flockError)
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, fmt.Errorf("run root lock %s is held (another proofsh is applying a patch): %w", lockPath, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	return &runRootLock{path: lockPath, file: file}, nil
}

func (lock *runRootLock) release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	unlockError := unix.Flock(int(lock.file.Fd()), unix.LOCK_UN)
	closeError := lock.file.Close()
	lock.file = nil
	if unlockError != nil {
		return fmt.Errorf("unlock run root failed: %w", unlockError)
	}
	return closeError
}
