package chainstore

import (
	"testing"

	"github.com/kjdunn/chainstore/internal/testutil"
)

func openTestList(t *testing.T) *List {
	t.Helper()
	l, err := OpenList(testutil.TempPath(t, "list.db"))
	if err != nil {
		t.Fatalf("OpenList: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func rangeStrings(t *testing.T, l *List, key []byte, start int64, length *int64) []string {
	t.Helper()
	raw, err := l.Range(key, start, length)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	out := make([]string, len(raw))
	for i, r := range raw {
		var s string
		if err := l.Decode(r, &s); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out[i] = s
	}
	return out
}

func mustEqual(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListPushInsertRange(t *testing.T) {
	l := openTestList(t)

	if err := l.AddValue("b"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	if err := l.AddValue("c"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := l.AddValue("a"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	if err := l.Insert([]byte("k")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"a", "b", "c"})
}

func TestListAppendPivot(t *testing.T) {
	l := openTestList(t)

	if err := l.SetValue("a", "c"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := l.AddValue("b"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	if err := l.Append([]byte("k"), "a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"a", "b", "c"})
}

func TestListAppendPivotMissingKeyFails(t *testing.T) {
	l := openTestList(t)

	if err := l.AddValue("x"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	if err := l.Append([]byte("absent"), "pivot"); err == nil {
		t.Fatalf("Append on absent key succeeded, want error")
	}
}

func TestListPopShift(t *testing.T) {
	l := openTestList(t)

	if err := l.SetValue("a", "b", "c"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	var v string
	found, err := l.Pop([]byte("k"), &v)
	if err != nil || !found || v != "c" {
		t.Fatalf("Pop = (%q, %v, %v), want (c, true, nil)", v, found, err)
	}
	found, err = l.Shift([]byte("k"), &v)
	if err != nil || !found || v != "a" {
		t.Fatalf("Shift = (%q, %v, %v), want (a, true, nil)", v, found, err)
	}
	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"b"})
}

func TestListRemoveKeepRange(t *testing.T) {
	l := openTestList(t)

	if err := l.SetValue("a", "b", "c", "d"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	one := int64(1)
	if err := l.Remove([]byte("k"), 1, &one); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"a", "c", "d"})

	if err := l.Keep([]byte("k"), 0, &one); err != nil {
		t.Fatalf("Keep: %v", err)
	}
	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"a"})
}

func TestListRemoveAllShortcut(t *testing.T) {
	l := openTestList(t)

	if err := l.SetValue("a", "b"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := l.Remove([]byte("k"), 0, nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n, err := l.Len([]byte("k"))
	if err != nil || n != 0 {
		t.Fatalf("Len after Remove(0, nil) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestListRemoveIndexNegative(t *testing.T) {
	l := openTestList(t)

	if err := l.SetValue("a", "b", "c"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := l.RemoveIndex([]byte("k"), -1); err != nil {
		t.Fatalf("RemoveIndex: %v", err)
	}
	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"a", "b"})
}

func TestListAlterGrowsByRelinking(t *testing.T) {
	l := openTestList(t)

	if err := l.SetValue("short"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := l.Alter([]byte("k"), 0, "a-much-longer-replacement-value"); err != nil {
		t.Fatalf("Alter: %v", err)
	}
	mustEqual(t, rangeStrings(t, l, []byte("k"), 0, nil), []string{"a-much-longer-replacement-value"})
}

func TestListSearchExistDrop(t *testing.T) {
	l := openTestList(t)

	exist, err := l.Exist([]byte("k"))
	if err != nil || exist {
		t.Fatalf("Exist on absent key = (%v, %v), want (false, nil)", exist, err)
	}
	if err := l.SetValue("a", "b"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := l.Push([]byte("k")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	idx, found, err := l.Search([]byte("k"), "b")
	if err != nil || !found || idx != 1 {
		t.Fatalf("Search = (%d, %v, %v), want (1, true, nil)", idx, found, err)
	}
	if err := l.Drop([]byte("k")); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	exist, err = l.Exist([]byte("k"))
	if err != nil || exist {
		t.Fatalf("Exist after Drop = (%v, %v), want (false, nil)", exist, err)
	}
}

func TestListConcurrentHandles(t *testing.T) {
	path := testutil.TempPath(t, "list.db")
	l, err := OpenList(path)
	if err != nil {
		t.Fatalf("OpenList: %v", err)
	}
	defer l.Close()

	testutil.Concurrently(8, func(i int) {
		h, err := OpenList(path)
		if err != nil {
			t.Errorf("handle %d: OpenList: %v", i, err)
			return
		}
		defer h.Close()
		key := []byte{byte('a' + i)}
		if err := h.AddValue(i); err != nil {
			t.Errorf("handle %d: AddValue: %v", i, err)
			return
		}
		if err := h.Push(key); err != nil {
			t.Errorf("handle %d: Push: %v", i, err)
			return
		}
		n, err := h.Len(key)
		if err != nil || n != 1 {
			t.Errorf("handle %d: Len = (%d, %v), want (1, nil)", i, n, err)
		}
	})
}
