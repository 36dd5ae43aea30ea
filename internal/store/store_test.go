package store

import (
	"os"
	"path/filepath"
	"testing"
)

func tempPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func TestOpenInitializesEmptyFile(t *testing.T) {
	path := tempPath(t, "kv.db")
	mgr, err := Open(path, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mgr.Close()

	f, err := mgr.Handle(Read)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h, err := mgr.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Status != StatusNormal {
		t.Fatalf("Status = %q, want normal", h.Status)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() < int64(mgr.HeapStart()) {
		t.Fatalf("file size %d smaller than heap start %d", info.Size(), mgr.HeapStart())
	}
}

func TestClearRecreatesOnNextHandle(t *testing.T) {
	path := tempPath(t, "kv.db")
	mgr, err := Open(path, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mgr.Close()

	f, err := mgr.Handle(Write)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := mgr.AdjustCount(f, 5); err != nil {
		t.Fatalf("AdjustCount: %v", err)
	}
	if n, err := mgr.Count(); err != nil || n != 5 {
		t.Fatalf("Count = (%d, %v), want (5, nil)", n, err)
	}

	if err := mgr.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	f, err = mgr.Handle(Write)
	if err != nil {
		t.Fatalf("Handle after Clear: %v", err)
	}
	h, err := mgr.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Status != StatusNormal {
		t.Fatalf("Status after recreate = %q, want normal", h.Status)
	}
	if n, err := mgr.Count(); err != nil || n != 0 {
		t.Fatalf("Count after Clear = (%d, %v), want (0, nil)", n, err)
	}
}

func TestHandleFailsFastOnReadWhileClearing(t *testing.T) {
	path := tempPath(t, "kv.db")
	mgr, err := Open(path, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mgr.Close()

	if err := mgr.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := mgr.Handle(Read); err != ErrBusy {
		t.Fatalf("Handle(Read) while clearing = %v, want ErrBusy", err)
	}
}

func TestOpenExistingUsesGivenPrefixLen(t *testing.T) {
	path := tempPath(t, "kv.db")
	mgr, err := Open(path, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	prefixLen := mgr.PrefixLen()
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenExisting(path, prefixLen, true, nil)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer reopened.Close()

	f, err := reopened.Handle(Read)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h, err := reopened.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Status != StatusNormal {
		t.Fatalf("Status = %q, want normal", h.Status)
	}
}

func TestIsOptimizingReflectsHeaderFlag(t *testing.T) {
	path := tempPath(t, "kv.db")
	mgr, err := Open(path, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mgr.Close()

	if optimizing, err := mgr.IsOptimizing(); err != nil || optimizing {
		t.Fatalf("IsOptimizing = (%v, %v), want (false, nil)", optimizing, err)
	}

	f, err := mgr.Handle(Write)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h, err := mgr.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	h.Optimized = OptimizedYes
	if err := mgr.WriteHeader(f, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if optimizing, err := mgr.IsOptimizing(); err != nil || !optimizing {
		t.Fatalf("IsOptimizing = (%v, %v), want (true, nil)", optimizing, err)
	}
}
