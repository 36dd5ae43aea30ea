package engine

import (
	"bytes"
	"crypto/md5"
	"os"

	"github.com/kjdunn/chainstore/internal/binary"
	"github.com/kjdunn/chainstore/internal/lock"
	"github.com/kjdunn/chainstore/internal/store"
)

// Key-set record layout (spec §3.2, 8 + 16 bytes): prev(4) | next(4) |
// md5raw(16). There is no dead flag; membership is purely chain presence,
// and the stored key is the user key's raw 16-byte MD5 digest, not the
// key itself — collisions across distinct user keys are treated as
// impossible (full 128-bit MD5 collision).
//
// Bucket selection uses crc32(digest) mod N rather than crc32(rawKey) mod
// N: a set record never stores the raw key, only its digest, so
// compaction and iteration must be able to rebucket a record from what is
// actually on disk. Hashing the raw key at insert time and the digest at
// every other time would silently split a key across two buckets.
const (
	setRecordLen = 24

	setPrevOff = 0
	setNextOff = 4
	setKeyOff  = 8
	setKeyLen  = 16
)

func digestOf(key []byte) []byte {
	sum := md5.Sum(key)
	return sum[:]
}

func encodeSetRecord(prev, next uint32, digest []byte) []byte {
	buf := make([]byte, setRecordLen)
	binary.PutUint32(buf[setPrevOff:], prev)
	binary.PutUint32(buf[setNextOff:], next)
	copy(buf[setKeyOff:], digest)
	return buf
}

func readSetRecord(f *os.File, offset int64) (prev, next uint32, digest []byte, err error) {
	buf := make([]byte, setRecordLen)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, 0, nil, err
	}
	prev = binary.Uint32(buf[setPrevOff:])
	next = binary.Uint32(buf[setNextOff:])
	digest = append([]byte(nil), buf[setKeyOff:setKeyOff+setKeyLen]...)
	return prev, next, digest, nil
}

// SetDriver implements Driver for the key-set flavor and carries its
// operation set: add, has, remove.
type SetDriver struct {
	Mgr *store.Manager
	Cap int
}

// NewSetDriver returns a SetDriver backed by mgr. cap bounds in-bucket
// chain walks; zero disables the bound.
func NewSetDriver(mgr *store.Manager, cap int) *SetDriver { return &SetDriver{Mgr: mgr, Cap: cap} }

func (d *SetDriver) Name() string { return "set" }

func (d *SetDriver) ChainCap() int { return d.Cap }

// RecordLayout implements Driver.RecordLayout. A key-set record is never
// logically dead (Dead is always false); absence is purely chain absence.
func (d *SetDriver) RecordLayout(f *os.File, offset int64) (RecordInfo, error) {
	prev, next, digest, err := readSetRecord(f, offset)
	if err != nil {
		return RecordInfo{}, ErrFormat
	}
	return RecordInfo{Offset: offset, Prev: prev, Next: next, Key: digest}, nil
}

func (d *SetDriver) locate(f *os.File, bucket uint32, digest []byte) (RecordInfo, bool, error) {
	head, err := ReadBucketHead(f, d.Mgr.ArrayStart(), bucket)
	if err != nil {
		return RecordInfo{}, false, err
	}
	infos, err := WalkBucket(f, head, d.Cap, d.RecordLayout)
	if err != nil {
		return RecordInfo{}, false, err
	}
	for _, info := range infos {
		if bytes.Equal(info.Key, digest) {
			return info, true, nil
		}
	}
	return RecordInfo{}, false, nil
}

// Add implements add(key) per spec §4.3: a no-op returning success if the
// digest is already present.
func (d *SetDriver) Add(key []byte) error {
	if len(key) == 0 {
		return ErrArg
	}
	digest := digestOf(key)
	bucket := binary.BucketOf(digest, store.N)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer fl.Release()

	if _, found, err := d.locate(f, bucket, digest); err != nil {
		return err
	} else if found {
		return nil
	}

	arrayStart := d.Mgr.ArrayStart()
	head, err := ReadBucketHead(f, arrayStart, bucket)
	if err != nil {
		return err
	}
	buf := encodeSetRecord(0, head, digest)
	offset, err := store.Append(f, buf)
	if err != nil {
		return err
	}
	if err := LinkAtHead(f, arrayStart, bucket, uint32(offset), head, setPrevOff); err != nil {
		return err
	}
	return d.Mgr.AdjustCount(f, 1)
}

// Has implements has(key) per spec §4.3.
func (d *SetDriver) Has(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrArg
	}
	digest := digestOf(key)
	bucket := binary.BucketOf(digest, store.N)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return false, err
	}
	_, found, err := d.locate(f, bucket, digest)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	return d.hasInOldStore(bucket, digest), nil
}

// hasInOldStore implements the reader side of spec §4.6's cooperation
// rules for key-set: on a miss against the new store, fall through
// read-only to the old store a compaction has pinned, if one exists.
func (d *SetDriver) hasInOldStore(bucket uint32, digest []byte) bool {
	old, ok := openOldStore(d.Mgr)
	if !ok {
		return false
	}
	defer old.Close()
	of, err := old.Handle(store.Read)
	if err != nil {
		return false
	}
	_, found, err := NewSetDriver(old, d.Cap).locate(of, bucket, digest)
	return err == nil && found
}

// Remove implements remove(key) per spec §4.3: idempotent success when the
// digest is already absent.
func (d *SetDriver) Remove(key []byte) error {
	if len(key) == 0 {
		return ErrArg
	}
	digest := digestOf(key)
	bucket := binary.BucketOf(digest, store.N)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer fl.Release()

	info, found, err := d.locate(f, bucket, digest)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := SpliceOut(f, d.Mgr.ArrayStart(), bucket, info, setNextOff, setPrevOff); err != nil {
		return err
	}
	if err := d.Mgr.AdjustCount(f, -1); err != nil {
		return err
	}
	dualWrite(d.Mgr, func(old *store.Manager) error {
		return NewSetDriver(old, d.Cap).Remove(key)
	})
	return nil
}

// ReadValueForIterator implements Driver.ReadValueForIterator for key-set:
// the "value" is the empty byte slice, since membership is the only datum.
func (d *SetDriver) ReadValueForIterator(f *os.File, info RecordInfo) ([]Pair, error) {
	return []Pair{{Key: info.Key, Value: []byte{}}}, nil
}

// WriteOptimize implements Driver.WriteOptimize for key-set, skipping a
// digest already present in the new store.
func (d *SetDriver) WriteOptimize(oldFile *os.File, info RecordInfo, newMgr *store.Manager) (bool, error) {
	digest := info.Key
	bucket := binary.BucketOf(digest, store.N)

	nf, err := newMgr.Handle(store.Write)
	if err != nil {
		return false, err
	}
	fl, err := lock.Acquire(nf)
	if err != nil {
		return false, err
	}
	defer fl.Release()

	newDriver := NewSetDriver(newMgr, d.Cap)
	if _, found, err := newDriver.locate(nf, bucket, digest); err != nil {
		return false, err
	} else if found {
		return false, nil
	}

	arrayStart := newMgr.ArrayStart()
	head, err := ReadBucketHead(nf, arrayStart, bucket)
	if err != nil {
		return false, err
	}
	buf := encodeSetRecord(0, head, digest)
	offset, err := store.Append(nf, buf)
	if err != nil {
		return false, err
	}
	if err := LinkAtHead(nf, arrayStart, bucket, uint32(offset), head, setPrevOff); err != nil {
		return false, err
	}
	if err := newMgr.AdjustCount(nf, 1); err != nil {
		return false, err
	}
	return true, nil
}
