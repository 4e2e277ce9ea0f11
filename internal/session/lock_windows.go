//go:build windows

package session

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

type runRootLock struct {
	path string
}

// Windows has no flock; an O_EXCL pid file stands in, and a crash leaves it behind
// until someone removes it.
func acquireRunRootLock(ctx context.Context, lockPath string) (*runRootLock, error) {
	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = file.WriteString(strconv.Itoa(os.Getpid()))
			_ = file.Close()
			return &runRootLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create run root lock failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("run root lock already exists at %s (another proofsh is applying a patch): %w", lockPath, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (lock *runRootLock) release() error {
	if lock == nil {
		return nil
	}
	if err := os.Remove(lock.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
