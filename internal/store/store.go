// Package store implements the file manager and status machine of spec
// §4.1: opening, creating, clearing and closing the single backing file,
// and mediating access to it so that concurrent creation, clearing, and
// compaction are all visible to every process touching the path.
package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kjdunn/chainstore/internal/guard"
	"github.com/kjdunn/chainstore/internal/lock"
)

// Sentinel errors surfaced by the status machine. Callers map these onto
// the public ERR_* taxonomy in errors.go.
var (
	ErrBusy   = errors.New("store: status machine exhausted its retry budget")
	ErrFormat = errors.New("store: header failed to parse")
	ErrClosed = errors.New("store: handle is closed")
)

// Warner receives operational warnings; satisfied structurally by the root
// package's Logger so this package need not import it.
type Warner interface {
	Printf(format string, args ...interface{})
}

type noopWarner struct{}

func (noopWarner) Printf(string, ...interface{}) {}

// AccessMode distinguishes the retry behavior §4.1 specifies for reads
// ("fail fast") versus writes ("retry, bounded").
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

const (
	creatingRetries  = 100
	creatingSleep    = 20 * time.Millisecond
	optimizeRetries  = 30
	optimizeSleep    = 100 * time.Millisecond
	initChunkBytes   = 1 << 20
)

// Manager owns the single open file handle for one store path, the
// optional script-guard prefix length, and the status-machine retry state.
// This is the owned struct spec §9's design notes call for, replacing any
// global mutable process state.
type Manager struct {
	path      string
	prefixLen int64
	quiet     bool
	logger    Warner

	mu sync.Mutex
	f  *os.File
}

// ArrayStart returns the absolute offset at which the bucket array begins:
// prefix + HeaderLen, per spec §4.2's bucketOffset formula.
func (m *Manager) ArrayStart() int64 {
	return m.prefixLen + HeaderLen
}

// HeapStart returns the absolute offset at which the record heap begins.
func (m *Manager) HeapStart() int64 {
	return m.ArrayStart() + BucketArrayLen
}

// Path returns the store's file path.
func (m *Manager) Path() string { return m.path }

func (m *Manager) lockFilePath() string { return m.path + ".lock" }
func (m *Manager) opFilePath() string   { return m.path + ".op" }

func (m *Manager) warnf(format string, args ...interface{}) {
	if m.quiet {
		return
	}
	m.logger.Printf(format, args...)
}

// Warnf exposes warnf to other packages (the compactor) that hold a
// Manager but live outside package store.
func (m *Manager) Warnf(format string, args ...interface{}) {
	m.warnf(format, args...)
}

// Open opens the store file at path, creating and initializing it if it
// does not exist. quiet suppresses operational warnings. A nil logger
// defaults to a no-op.
func Open(path string, quiet bool, logger Warner) (*Manager, error) {
	if logger == nil {
		logger = noopWarner{}
	}
	prefixLen := int64(0)
	if guard.Applies(path) {
		prefixLen = guard.Len
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, prefixLen: prefixLen, quiet: quiet, logger: logger, f: f}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := m.initialize(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return m, nil
}

// initialize lays out a brand-new file: guard prefix (if any), header with
// status='creating', zero-filled bucket array written in fixed-size
// chunks so a crash mid-initialize leaves a detectable status='2' file,
// then header status flips to 'normal'.
func (m *Manager) initialize() error {
	now := time.Now()
	if _, err := m.f.WriteAt(guardBytes(m.prefixLen), 0); err != nil {
		return err
	}
	h := NewHeader(now)
	h.Status = StatusCreating
	if _, err := m.f.WriteAt(Encode(h), m.prefixLen); err != nil {
		return err
	}
	if err := m.zeroBucketArray(); err != nil {
		return err
	}
	h.Status = StatusNormal
	if _, err := m.f.WriteAt(Encode(h), m.prefixLen); err != nil {
		return err
	}
	return m.f.Sync()
}

func guardBytes(prefixLen int64) []byte {
	if prefixLen == 0 {
		return nil
	}
	return guard.Bytes
}

func (m *Manager) zeroBucketArray() error {
	chunk := make([]byte, initChunkBytes)
	remaining := BucketArrayLen
	offset := m.ArrayStart()
	for remaining > 0 {
		n := int64(len(chunk))
		if remaining < n {
			n = remaining
		}
		if _, err := m.f.WriteAt(chunk[:n], offset); err != nil {
			return err
		}
		offset += n
		remaining -= n
	}
	return nil
}

// Close releases the store's file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// readHeader reads the current global header without taking the file
// lock; header reads are best-effort throughout this store, same as any
// other read (spec §5).
func (m *Manager) readHeader(f *os.File) (Header, error) {
	buf := make([]byte, HeaderLen)
	if _, err := f.ReadAt(buf, m.prefixLen); err != nil {
		return Header{}, err
	}
	return Decode(buf), nil
}

func (m *Manager) writeHeader(f *os.File, h Header) error {
	_, err := f.WriteAt(Encode(h), m.prefixLen)
	return err
}

// Handle runs the status machine of spec §4.1 and returns the file handle
// to use for one operation of the given mode. It must be called once per
// operation, not cached across operations, because it is what notices
// clear()/optimize() transitions.
func (m *Manager) Handle(mode AccessMode) (*os.File, error) {
	attempts := 0
	waitAttempts := 0
	for {
		m.mu.Lock()
		f := m.f
		m.mu.Unlock()
		if f == nil {
			if err := m.reopen(); err != nil {
				return nil, err
			}
			continue
		}

		h, err := m.readHeader(f)
		if err != nil {
			return nil, ErrFormat
		}

		switch h.Status {
		case StatusNormal:
			return f, nil

		case StatusClearing:
			if mode == Read {
				return nil, ErrBusy
			}
			if err := m.recreate(); err != nil {
				return nil, err
			}
			continue

		case StatusCreating:
			if mode == Read {
				return nil, ErrBusy
			}
			attempts++
			if attempts > creatingRetries {
				m.warnf("store: %s stuck at status=creating after %d attempts, giving up", m.path, attempts)
				return nil, ErrBusy
			}
			time.Sleep(creatingSleep)
			continue

		case StatusWaitingOptimize:
			if _, err := os.Stat(m.lockFilePath()); errors.Is(err, os.ErrNotExist) {
				// Stale: no compactor actually holds the gate. Force
				// the state back to normal and retry immediately.
				h.Status = StatusNormal
				if werr := m.writeHeader(f, h); werr != nil {
					return nil, werr
				}
				continue
			}
			waitAttempts++
			if waitAttempts > optimizeRetries {
				m.warnf("store: %s stuck at status=waiting-optimize after %d attempts, giving up", m.path, waitAttempts)
				return nil, ErrBusy
			}
			m.mu.Lock()
			if m.f == f {
				_ = m.f.Close()
				m.f = nil
			}
			m.mu.Unlock()
			time.Sleep(optimizeSleep)
			continue

		default:
			return nil, ErrFormat
		}
	}
}

// OpenExisting opens an already-initialized store file at path without the
// create-if-empty or guard-detection logic Open runs, using prefixLen as
// given rather than deriving it from path's extension. The compactor needs
// this for the renamed old store (spec §4.6 step 5): its path now ends in
// ".op", which would make guard.Applies derive the wrong prefix for a
// store whose identity (and guard status) was fixed when it was first
// created under its real path.
func OpenExisting(path string, prefixLen int64, quiet bool, logger Warner) (*Manager, error) {
	if logger == nil {
		logger = noopWarner{}
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, prefixLen: prefixLen, quiet: quiet, logger: logger, f: f}, nil
}

// reopen re-opens the store's path. Used after Handle closed the handle to
// let a rename-based compaction proceed, and after Clear's recreate step.
func (m *Manager) reopen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f != nil {
		return nil
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	m.f = f
	if info.Size() == 0 {
		m.mu.Unlock()
		err := m.initialize()
		m.mu.Lock()
		return err
	}
	return nil
}

// recreate rebuilds the file from scratch in place, used when status is
// 'clearing'. It takes the exclusive lock for the duration of the rewrite.
func (m *Manager) recreate() error {
	m.mu.Lock()
	f := m.f
	m.mu.Unlock()
	if f == nil {
		return m.reopen()
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Release() }()

	h, err := m.readHeader(f)
	if err != nil {
		return ErrFormat
	}
	if h.Status != StatusClearing {
		// Another process already recreated it.
		return nil
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(guardBytes(m.prefixLen), 0); err != nil {
		return err
	}
	nh := NewHeader(time.Now())
	nh.Status = StatusCreating
	if err := m.writeHeader(f, nh); err != nil {
		return err
	}
	if err := m.zeroBucketArray(); err != nil {
		return err
	}
	nh.Status = StatusNormal
	return m.writeHeader(f, nh)
}

// Clear marks the store for recreation: it takes the exclusive lock, flips
// status to 'clearing', and releases the lock. The next Handle call on any
// process recreates the file. If a compaction is in flight, Clear also
// marks the old (renamed) store 'clearing' so the compactor aborts cleanly.
func (m *Manager) Clear() error {
	f, err := m.Handle(Write)
	if err != nil {
		return err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Release() }()

	h, err := m.readHeader(f)
	if err != nil {
		return ErrFormat
	}
	h.Status = StatusClearing
	if err := m.writeHeader(f, h); err != nil {
		return err
	}

	if opFile, err := os.OpenFile(m.opFilePath(), os.O_RDWR, 0o644); err == nil {
		oh, rerr := m.readHeaderOf(opFile)
		if rerr == nil {
			oh.Status = StatusClearing
			_, _ = opFile.WriteAt(Encode(oh), m.prefixLen)
		}
		_ = opFile.Close()
	}
	return nil
}

func (m *Manager) readHeaderOf(f *os.File) (Header, error) {
	buf := make([]byte, HeaderLen)
	if _, err := f.ReadAt(buf, m.prefixLen); err != nil {
		return Header{}, err
	}
	return Decode(buf), nil
}

// Count returns the advisory live-record count from the header.
func (m *Manager) Count() (uint32, error) {
	f, err := m.Handle(Read)
	if err != nil {
		return 0, err
	}
	h, err := m.readHeader(f)
	if err != nil {
		return 0, ErrFormat
	}
	return h.Count, nil
}

// IsOptimizing reports whether some process currently has a compaction in
// flight against this store's identity.
func (m *Manager) IsOptimizing() (bool, error) {
	f, err := m.Handle(Read)
	if err != nil {
		return false, err
	}
	h, err := m.readHeader(f)
	if err != nil {
		return false, ErrFormat
	}
	return h.Optimized == OptimizedYes, nil
}

// AdjustCount adds delta (which may be negative) to the header's live
// count, clamping at 0, under the caller's already-held write lock. f must
// be the handle the caller is already holding the exclusive lock on.
func (m *Manager) AdjustCount(f *os.File, delta int64) error {
	h, err := m.readHeader(f)
	if err != nil {
		return ErrFormat
	}
	count := int64(h.Count) + delta
	if count < 0 {
		count = 0
	}
	h.Count = uint32(count)
	return m.writeHeader(f, h)
}

// ReadHeader exposes a best-effort header read for callers (e.g. the
// compactor) that already hold a handle.
func (m *Manager) ReadHeader(f *os.File) (Header, error) {
	return m.readHeader(f)
}

// WriteHeader exposes a header write for callers that already hold the
// file lock for their critical section.
func (m *Manager) WriteHeader(f *os.File, h Header) error {
	return m.writeHeader(f, h)
}

// PrefixLen returns the guard-prefix length (0 or guard.Len) in effect for
// this store.
func (m *Manager) PrefixLen() int64 { return m.prefixLen }

// EnsureSize grows the file to at least size bytes. Nothing in this module
// calls it; Append writes at EOF instead.
func (m *Manager) EnsureSize(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}

// Append writes buf at EOF, retrying short writes up to 100 times per spec
// §4.2, and returns the absolute offset it was written at.
func Append(f *os.File, buf []byte) (int64, error) {
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	remaining := buf
	written := int64(0)
	for attempt := 0; attempt < 100 && len(remaining) > 0; attempt++ {
		n, err := f.WriteAt(remaining, offset+written)
		if n > 0 {
			written += int64(n)
			remaining = remaining[n:]
		}
		if err != nil && len(remaining) > 0 {
			continue
		}
		if len(remaining) == 0 {
			return offset, nil
		}
	}
	if len(remaining) > 0 {
		return 0, errors.New("store: append exhausted retries on short write")
	}
	return offset, nil
}

// RemoveIfExists removes path, retrying up to attempts times with the
// given delay, and ignores a final not-exist error.
func RemoveIfExists(path string, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return lastErr
}

// RenameWithRetry renames oldpath to newpath, retrying because other
// processes may still hold oldpath open (spec §4.6 step 3).
func RenameWithRetry(oldpath, newpath string, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := os.Rename(oldpath, newpath)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return lastErr
}

// AbsPath returns the absolute form of path. The compactor does not use it:
// it builds the sibling .op and .lock paths by appending to the store's
// path as given.
func AbsPath(path string) (string, error) {
	return filepath.Abs(path)
}
