//go:build !windows

// Package lock wraps the whole-file advisory exclusive lock that serializes
// writes across unrelated processes sharing one store file (spec §4.1, §5).
//
// Correctness here assumes the host filesystem honors flock semantics.
// Behavior on filesystems where advisory locks are weak or a no-op (classic
// NFS) is unspecified, same as the source this store is modeled on.
package lock

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileLock holds an exclusive advisory lock on an open file for the
// duration of one write's critical section.
type FileLock struct {
	f *os.File
}

// Acquire blocks until it holds an exclusive lock on f. There is no
// timeout: lock acquisition is an unbounded suspension point per spec §5.
func Acquire(f *os.File) (*FileLock, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Release drops the lock. Safe to call on a nil receiver.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
