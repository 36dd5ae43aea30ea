package engine

import (
	"testing"

	"github.com/kjdunn/chainstore/internal/store"
	"github.com/kjdunn/chainstore/internal/testutil"
	"github.com/kjdunn/chainstore/internal/valuecodec"
)

func TestKVGetTreatsCRCMismatchAsAbsent(t *testing.T) {
	path := testutil.TempPath(t, "kv.db")
	mgr, err := store.Open(path, true, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer mgr.Close()

	d := NewKVDriver(mgr, nil, 0)
	if err := d.Set([]byte("k"), []byte("hello"), 0, valuecodec.None); err != nil {
		t.Fatalf("Set: %v", err)
	}

	f, err := mgr.Handle(store.Read)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	bucket := store.BucketOf([]byte("k"))
	h, found, err := d.locate(f, bucket, []byte("k"))
	if err != nil || !found {
		t.Fatalf("locate: found=%v err=%v", found, err)
	}

	testutil.FlipByte(t, path, h.dataOffset())

	value, found, err := d.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after corruption returned an error: %v", err)
	}
	if found {
		t.Fatalf("Get returned found=true, value=%q for a CRC-corrupted record", value)
	}
}

func TestKVGetSurvivesValueCorruptionOfAnotherKey(t *testing.T) {
	path := testutil.TempPath(t, "kv.db")
	mgr, err := store.Open(path, true, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer mgr.Close()

	d := NewKVDriver(mgr, nil, 0)
	if err := d.Set([]byte("a"), []byte("first"), 0, valuecodec.None); err != nil {
		t.Fatalf("Set(a): %v", err)
	}
	if err := d.Set([]byte("b"), []byte("second"), 0, valuecodec.None); err != nil {
		t.Fatalf("Set(b): %v", err)
	}

	f, err := mgr.Handle(store.Read)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	bucketA := store.BucketOf([]byte("a"))
	ha, found, err := d.locate(f, bucketA, []byte("a"))
	if err != nil || !found {
		t.Fatalf("locate(a): found=%v err=%v", found, err)
	}
	testutil.FlipByte(t, path, ha.dataOffset())

	value, found, err := d.Get([]byte("b"))
	if err != nil || !found || string(value) != "second" {
		t.Fatalf("Get(b) = (%q, %v, %v), want (second, true, nil)", value, found, err)
	}
}
