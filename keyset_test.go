package chainstore

import (
	"testing"

	"github.com/kjdunn/chainstore/internal/testutil"
)

func openTestSet(t *testing.T) *Set {
	t.Helper()
	s, err := OpenSet(testutil.TempPath(t, "set.db"))
	if err != nil {
		t.Fatalf("OpenSet: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetAddHasRemove(t *testing.T) {
	s := openTestSet(t)

	has, err := s.Has([]byte("k"))
	if err != nil || has {
		t.Fatalf("Has on absent key = (%v, %v), want (false, nil)", has, err)
	}
	if err := s.Add([]byte("k")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	has, err = s.Has([]byte("k"))
	if err != nil || !has {
		t.Fatalf("Has after Add = (%v, %v), want (true, nil)", has, err)
	}
	if err := s.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	has, err = s.Has([]byte("k"))
	if err != nil || has {
		t.Fatalf("Has after Remove = (%v, %v), want (false, nil)", has, err)
	}
}

func TestSetAddIsIdempotent(t *testing.T) {
	s := openTestSet(t)

	if err := s.Add([]byte("k")); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := s.Add([]byte("k")); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	n, err := s.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count = (%d, %v), want (1, nil)", n, err)
	}
}

func TestSetRemoveIsIdempotent(t *testing.T) {
	s := openTestSet(t)

	if err := s.Remove([]byte("never-added")); err != nil {
		t.Fatalf("Remove on absent key: %v", err)
	}
}

func TestSetDistinctKeysDoNotCollide(t *testing.T) {
	s := openTestSet(t)

	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range keys {
		if err := s.Add(k); err != nil {
			t.Fatalf("Add(%s): %v", k, err)
		}
	}
	for _, k := range keys {
		has, err := s.Has(k)
		if err != nil || !has {
			t.Fatalf("Has(%s) = (%v, %v), want (true, nil)", k, has, err)
		}
	}
	n, err := s.Count()
	if err != nil || n != len(keys) {
		t.Fatalf("Count = (%d, %v), want (%d, nil)", n, err, len(keys))
	}
}

func TestSetConcurrentHandles(t *testing.T) {
	path := testutil.TempPath(t, "set.db")
	s, err := OpenSet(path)
	if err != nil {
		t.Fatalf("OpenSet: %v", err)
	}
	defer s.Close()

	testutil.Concurrently(8, func(i int) {
		h, err := OpenSet(path)
		if err != nil {
			t.Errorf("handle %d: OpenSet: %v", i, err)
			return
		}
		defer h.Close()
		key := []byte{byte('a' + i)}
		if err := h.Add(key); err != nil {
			t.Errorf("handle %d: Add: %v", i, err)
		}
		has, err := h.Has(key)
		if err != nil || !has {
			t.Errorf("handle %d: Has = (%v, %v), want (true, nil)", i, has, err)
		}
	})
}
