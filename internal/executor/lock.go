package executor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockConflict is returned by acquireLock when another process holds the
// exclusive lock past lockWait.
type ErrLockConflict struct{ Path string }

func (e *ErrLockConflict) Error() string { return "lock conflict: " + e.Path }

// fileLock holds an advisory exclusive lock on a single task file, acquired
// via flock(2) (golang.org/x/sys/unix), the same primitive used for
// single-writer state file access elsewhere in the pack
// (akatz-ai-meow/internal/orchestrator/state.go).
type fileLock struct {
	f *os.File
}

// acquireLock opens path and attempts an exclusive non-blocking flock,
// retrying with a short poll interval until wait elapses. Returns
// ErrLockConflict if the lock could not be acquired within wait.
func acquireLock(path string, wait time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	const pollInterval = 50 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, err
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &ErrLockConflict{Path: path}
		}
		time.Sleep(pollInterval)
	}
}

// release unlocks and closes the underlying file descriptor.
func (l *fileLock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}
