package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// lockTimeout is the timeout for acquiring flusherd's single-instance lock.
const lockTimeout = 5 * time.Second

var (
	errLockTimeout  = errors.New("lock timeout")
	errLockFileOpen = errors.New("failed to open lock file")
)

// instanceLock is an exclusive, advisory lock preventing two flusherd
// processes from running against the same data directory concurrently -
// the daemon-level analogue of the teacher's per-file fileLock.
type instanceLock struct {
	path string
	file *os.File
}

// acquireInstanceLock tries to acquire the exclusive lock at path within
// timeout, retrying a non-blocking flock at a fixed interval.
func acquireInstanceLock(path string, timeout time.Duration) (*instanceLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, err)
	}

	deadline := time.Now().Add(timeout)

	const retryInterval = 10 * time.Millisecond

	for {
		flockErr := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if flockErr == nil {
			return &instanceLock{path: path, file: file}, nil
		}

		if time.Now().After(deadline) {
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}

		time.Sleep(retryInterval)
	}
}

// release releases the lock and closes the underlying file descriptor.
func (l *instanceLock) release() {
	if l.file != nil {
		_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		_ = l.file.Close()
	}
}
