// Package lock provides an advisory file lock used to enforce "one
// instance per .agent directory" rules: the iteration loop's ralph.lock
// (one driver per ralph_state.json) is a named instance of it. The
// ingestion pipeline's single-sync rule uses the store's background-sync
// record instead.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// Flock holds an acquired advisory lock; keep it open for the life of the
// operation it guards and Release it when done.
type Flock struct {
	file *os.File
}

// Acquire takes a non-blocking exclusive flock(2) on path, creating the
// lock file if needed and stamping it with the current PID for
// diagnosability. Returns an error naming path if another process already
// holds the lock.
func Acquire(path string) (*Flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock: %s is held by another process", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Flock{file: f}, nil
}

// Release unlocks and removes the lock file. Safe to call on a nil Flock.
func (l *Flock) Release() {
	if l == nil || l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	name := l.file.Name()
	l.file.Close()
	os.Remove(name)
	l.file = nil
}
