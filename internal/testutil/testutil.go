// Package testutil collects helpers shared by this module's test files:
// temp-file setup, on-disk byte-flip corruption, and the goroutine-based
// multi-handle concurrency pattern used throughout, since every process in
// the real deployment model is actually a goroutine sharing one open file
// descriptor's underlying inode in these tests.
package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// TempPath returns a path to a not-yet-existing file inside a fresh
// per-test temp directory, suitable for store.Open to create.
func TempPath(tb testing.TB, name string) string {
	tb.Helper()
	if name == "" {
		name = "store.db"
	}
	return filepath.Join(tb.TempDir(), name)
}

// FlipByte XORs a single byte at offset in the file at path with 0xFF,
// simulating bit-rot or a torn write for checksum and format-error tests.
func FlipByte(tb testing.TB, path string, offset int64) {
	tb.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		tb.Fatalf("testutil: open %s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		tb.Fatalf("testutil: read %s@%d: %v", path, offset, err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, offset); err != nil {
		tb.Fatalf("testutil: write %s@%d: %v", path, offset, err)
	}
}

// Concurrently runs n copies of fn, one per goroutine, each passed its own
// index, and waits for all of them to return. Each goroutine is expected
// to open its own handle against the shared path, modeling this store's
// real unit of concurrency: independent OS processes with independent
// file descriptors on one inode, not independent in-process callers
// sharing a single handle.
func Concurrently(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			fn(i)
		}(i)
	}
	wg.Wait()
}
