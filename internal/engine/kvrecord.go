package engine

import (
	"bytes"
	"os"
	"strconv"
	"time"

	"github.com/kjdunn/chainstore/internal/binary"
	"github.com/kjdunn/chainstore/internal/hintcache"
	"github.com/kjdunn/chainstore/internal/lock"
	"github.com/kjdunn/chainstore/internal/store"
	"github.com/kjdunn/chainstore/internal/valuecodec"
)

// KV record header layout (spec §3.2, 28 bytes):
//
//	kLen(2) | eLen(4) | vLen(4) | crc(4) | expire(4) | prev(4) | next(4) | codec(1) | reserved(1)
//
// followed by key[kLen] and value[eLen] (eLen is the allocated slot; only
// the first vLen bytes of it are meaningful). codec records which
// valuecodec.Kind the stored bytes were encoded with.
const (
	kvHeaderLen = 28

	kvKLenOff   = 0
	kvELenOff   = 2
	kvVLenOff   = 6
	kvCRCOff    = 10
	kvExpireOff = 14
	kvPrevOff   = 18
	kvNextOff   = 22
	kvCodecOff  = 26

	// kvIncreasePad is the slot size a freshly created counter key is
	// given, so repeated increase() calls stay in-place for any value
	// whose decimal text, sign included, is at most 16 bytes long.
	kvIncreasePad = 16
)

type kvHeader struct {
	KLen   uint16
	ELen   uint32
	VLen   uint32
	CRC    uint32
	Expire uint32
	Prev   uint32
	Next   uint32
	Codec  valuecodec.Kind
	Key    []byte
	Offset int64
}

func encodeKVHeader(h kvHeader) []byte {
	buf := make([]byte, kvHeaderLen)
	binary.PutUint16(buf[kvKLenOff:], h.KLen)
	binary.PutUint32(buf[kvELenOff:], h.ELen)
	binary.PutUint32(buf[kvVLenOff:], h.VLen)
	binary.PutUint32(buf[kvCRCOff:], h.CRC)
	binary.PutUint32(buf[kvExpireOff:], h.Expire)
	binary.PutUint32(buf[kvPrevOff:], h.Prev)
	binary.PutUint32(buf[kvNextOff:], h.Next)
	buf[kvCodecOff] = byte(h.Codec)
	return buf
}

func readKVHeader(f *os.File, offset int64) (kvHeader, error) {
	buf := make([]byte, kvHeaderLen)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return kvHeader{}, err
	}
	h := kvHeader{
		KLen:   binary.Uint16(buf[kvKLenOff:]),
		ELen:   binary.Uint32(buf[kvELenOff:]),
		VLen:   binary.Uint32(buf[kvVLenOff:]),
		CRC:    binary.Uint32(buf[kvCRCOff:]),
		Expire: binary.Uint32(buf[kvExpireOff:]),
		Prev:   binary.Uint32(buf[kvPrevOff:]),
		Next:   binary.Uint32(buf[kvNextOff:]),
		Codec:  valuecodec.Kind(buf[kvCodecOff]),
		Offset: offset,
	}
	if h.KLen > 0 {
		key := make([]byte, h.KLen)
		if _, err := f.ReadAt(key, offset+kvHeaderLen); err != nil {
			return kvHeader{}, err
		}
		h.Key = key
	}
	return h, nil
}

func (h kvHeader) recordInfo() RecordInfo {
	return RecordInfo{Offset: h.Offset, Prev: h.Prev, Next: h.Next, Dead: h.KLen == 0, Key: h.Key}
}

func (h kvHeader) dataOffset() int64 {
	return h.Offset + kvHeaderLen + int64(len(h.Key))
}

func (h kvHeader) expired(now time.Time) bool {
	return h.Expire != 0 && uint32(now.Unix()) >= h.Expire
}

// KVDriver implements Driver for the KV flavor and carries its full
// operation set: set, get, ttl, expire, increase, remove.
type KVDriver struct {
	Mgr   *store.Manager
	Hints hintcache.Cache
	Cap   int
}

// NewKVDriver returns a KVDriver backed by mgr. A nil hints falls back to
// hintcache.NoHintCache. cap bounds in-bucket chain walks; zero disables
// the bound.
func NewKVDriver(mgr *store.Manager, hints hintcache.Cache, cap int) *KVDriver {
	if hints == nil {
		hints = hintcache.NoHintCache{}
	}
	return &KVDriver{Mgr: mgr, Hints: hints, Cap: cap}
}

func (d *KVDriver) Name() string { return "kv" }

func (d *KVDriver) ChainCap() int { return d.Cap }

func (d *KVDriver) RecordLayout(f *os.File, offset int64) (RecordInfo, error) {
	h, err := readKVHeader(f, offset)
	if err != nil {
		return RecordInfo{}, ErrFormat
	}
	return h.recordInfo(), nil
}

// locate walks key's bucket chain looking for a live record matching key.
// f must already be a handle obtained for the operation in progress.
func (d *KVDriver) locate(f *os.File, bucket uint32, key []byte) (kvHeader, bool, error) {
	if offset, ok := d.Hints.Get(key); ok {
		h, err := readKVHeader(f, offset)
		if err == nil && !h.Dead() && bytes.Equal(h.Key, key) {
			return h, true, nil
		}
		d.Hints.Delete(key)
	}

	head, err := ReadBucketHead(f, d.Mgr.ArrayStart(), bucket)
	if err != nil {
		return kvHeader{}, false, err
	}
	infos, err := WalkBucket(f, head, d.Cap, d.RecordLayout)
	if err != nil {
		return kvHeader{}, false, err
	}
	for _, info := range infos {
		if info.Dead || !bytes.Equal(info.Key, key) {
			continue
		}
		h, err := readKVHeader(f, info.Offset)
		if err != nil {
			return kvHeader{}, false, err
		}
		return h, true, nil
	}
	return kvHeader{}, false, nil
}

func (h kvHeader) Dead() bool { return h.KLen == 0 }

// insertNew appends a brand-new record at the head of bucket's chain and
// bumps the live count. Used by both Set's create path and Increase's
// create path.
func (d *KVDriver) insertNew(f *os.File, bucket uint32, key []byte, payload []byte, eLen uint32, expire uint32, codec valuecodec.Kind) (uint32, error) {
	arrayStart := d.Mgr.ArrayStart()
	head, err := ReadBucketHead(f, arrayStart, bucket)
	if err != nil {
		return 0, err
	}
	hdr := kvHeader{
		KLen: uint16(len(key)), ELen: eLen, VLen: uint32(len(payload)),
		CRC: binary.CRC32(payload), Expire: expire, Prev: 0, Next: head, Codec: codec,
	}
	slot := make([]byte, eLen)
	copy(slot, payload)
	buf := append(encodeKVHeader(hdr), key...)
	buf = append(buf, slot...)

	offset, err := store.Append(f, buf)
	if err != nil {
		return 0, err
	}
	if err := LinkAtHead(f, arrayStart, bucket, uint32(offset), head, kvPrevOff); err != nil {
		return 0, err
	}
	if err := d.Mgr.AdjustCount(f, 1); err != nil {
		return 0, err
	}
	d.Hints.Set(key, offset)
	return uint32(offset), nil
}

// Set implements set(key, value, ttlSec) per spec §4.3: a nil value is
// equivalent to Remove; an existing record is updated in place when the new
// value fits its allocated slot, otherwise grown and relinked. codec
// records which valuecodec.Kind value was already encoded with, so Get and
// the iterator can report it back to the caller responsible for decoding.
func (d *KVDriver) Set(key, value []byte, ttlSec int64, codec valuecodec.Kind) error {
	if len(key) == 0 {
		return ErrArg
	}
	if value == nil {
		return d.Remove(key)
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer fl.Release()

	existing, found, err := d.locate(f, bucket, key)
	if err != nil {
		return err
	}

	expire := expireFor(ttlSec)
	vLen := uint32(len(value))
	crc := binary.CRC32(value)

	if found {
		if vLen <= existing.ELen {
			if err := writeField4(f, existing.Offset+kvVLenOff, vLen); err != nil {
				return err
			}
			if err := writeField4(f, existing.Offset+kvCRCOff, crc); err != nil {
				return err
			}
			if err := writeField4(f, existing.Offset+kvExpireOff, expire); err != nil {
				return err
			}
			if _, err := f.WriteAt(value, existing.dataOffset()); err != nil {
				return err
			}
			if err := writeByte(f, existing.Offset+kvCodecOff, byte(codec)); err != nil {
				return err
			}
			d.Hints.Set(key, existing.Offset)
			return nil
		}

		newHdr := kvHeader{
			KLen: uint16(len(key)), ELen: vLen, VLen: vLen, CRC: crc, Expire: expire,
			Prev: existing.Prev, Next: existing.Next, Codec: codec,
		}
		buf := append(encodeKVHeader(newHdr), key...)
		buf = append(buf, value...)
		newOffset, err := store.Append(f, buf)
		if err != nil {
			return err
		}
		arrayStart := d.Mgr.ArrayStart()
		if existing.Prev == 0 {
			if err := WriteBucketHead(f, arrayStart, bucket, uint32(newOffset)); err != nil {
				return err
			}
		} else if err := WriteUint32At(f, int64(existing.Prev)+kvNextOff, uint32(newOffset)); err != nil {
			return err
		}
		if existing.Next != 0 {
			if err := WriteUint32At(f, int64(existing.Next)+kvPrevOff, uint32(newOffset)); err != nil {
				return err
			}
		}
		if err := WriteUint16At(f, existing.Offset+kvKLenOff, 0); err != nil {
			return err
		}
		d.Hints.Set(key, newOffset)
		return nil
	}

	_, err = d.insertNew(f, bucket, key, value, vLen, expire, codec)
	return err
}

// Get implements get(key) per spec §4.3: absent, expired, or checksum-bad
// records all read back as "no value".
func (d *KVDriver) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return nil, false, err
	}
	h, found, err := d.locate(f, bucket, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return d.getFromOldStore(key, bucket)
	}
	if h.expired(time.Now()) {
		return nil, false, nil
	}
	raw := make([]byte, h.VLen)
	if _, err := f.ReadAt(raw, h.dataOffset()); err != nil {
		return nil, false, err
	}
	if binary.CRC32(raw) != h.CRC {
		return nil, false, nil
	}
	value, err := valuecodec.Decode(h.Codec, raw)
	if err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

// getFromOldStore implements the reader side of spec §4.6's cooperation
// rules: on a miss against the new store, fall through read-only to the
// old store a compaction has pinned under <path>.op, if one exists.
func (d *KVDriver) getFromOldStore(key []byte, bucket uint32) ([]byte, bool, error) {
	old, ok := openOldStore(d.Mgr)
	if !ok {
		return nil, false, nil
	}
	defer old.Close()

	of, err := old.Handle(store.Read)
	if err != nil {
		return nil, false, nil
	}
	oldDriver := NewKVDriver(old, nil, d.Cap)
	h, found, err := oldDriver.locate(of, bucket, key)
	if err != nil || !found || h.expired(time.Now()) {
		return nil, false, nil
	}
	raw := make([]byte, h.VLen)
	if _, err := of.ReadAt(raw, h.dataOffset()); err != nil {
		return nil, false, nil
	}
	if binary.CRC32(raw) != h.CRC {
		return nil, false, nil
	}
	value, err := valuecodec.Decode(h.Codec, raw)
	if err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

// TTLState is the four-way outcome of TTL: a key with no live record, a
// key that never expires, a key whose expiry has already elapsed (the
// record is still physically present — expiry is reported, not enforced,
// until the next read or compaction touches it), or a key with time left.
type TTLState int

const (
	TTLAbsent TTLState = iota
	TTLNever
	TTLExpired
	TTLActive
)

// TTL implements ttl(key) per spec §4.3.
func (d *KVDriver) TTL(key []byte) (TTLState, int64, error) {
	if len(key) == 0 {
		return TTLAbsent, 0, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return TTLAbsent, 0, err
	}
	h, found, err := d.locate(f, bucket, key)
	if err != nil {
		return TTLAbsent, 0, err
	}
	if !found {
		return TTLAbsent, 0, nil
	}
	if h.Expire == 0 {
		return TTLNever, 0, nil
	}
	now := uint32(time.Now().Unix())
	if now >= h.Expire {
		return TTLExpired, 0, nil
	}
	return TTLActive, int64(h.Expire - now), nil
}

// Expire implements expire(key, secs) per spec §4.3: an in-place patch of
// the expire field only. secs<0 expires the key immediately, secs==0
// clears any expiry, secs>0 sets a new absolute deadline.
func (d *KVDriver) Expire(key []byte, secs int64) error {
	if len(key) == 0 {
		return ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer fl.Release()

	h, found, err := d.locate(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if err := writeField4(f, h.Offset+kvExpireOff, expireFor(secs)); err != nil {
		return err
	}
	dualWrite(d.Mgr, func(old *store.Manager) error {
		return NewKVDriver(old, nil, d.Cap).Expire(key, secs)
	})
	return nil
}

// expireFor computes the on-disk expire field for a requested ttlSec,
// shared by Set, Increase, and Expire: ttlSec<0 yields the current time (an
// already-elapsed deadline), ttlSec==0 yields 0 ("never"), and ttlSec>0
// yields now+ttlSec.
func expireFor(ttlSec int64) uint32 {
	now := time.Now()
	if ttlSec < 0 {
		return uint32(now.Unix())
	}
	if ttlSec == 0 {
		return 0
	}
	return uint32(now.Unix()) + uint32(ttlSec)
}

// Increase implements increase(key, delta, ttlSec) per spec §4.3: the
// current value is read as a decimal integer (absent or expired treated as
// 0), delta is added, and the result is written back as decimal text,
// atomically under the file lock.
func (d *KVDriver) Increase(key []byte, delta int64, ttlSec int64) (int64, error) {
	if len(key) == 0 {
		return 0, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return 0, err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return 0, err
	}
	defer fl.Release()

	h, found, err := d.locate(f, bucket, key)
	if err != nil {
		return 0, err
	}

	var cur int64
	now := time.Now()
	if found && !h.expired(now) {
		raw := make([]byte, h.VLen)
		if _, err := f.ReadAt(raw, h.dataOffset()); err != nil {
			return 0, err
		}
		if binary.CRC32(raw) == h.CRC {
			parsed, perr := strconv.ParseInt(string(raw), 10, 64)
			if perr != nil {
				return 0, ErrFormat
			}
			cur = parsed
		}
	}
	newVal := cur + delta
	text := []byte(strconv.FormatInt(newVal, 10))
	vLen := uint32(len(text))
	crc := binary.CRC32(text)
	expire := expireFor(ttlSec)

	if found {
		if vLen <= h.ELen {
			if err := writeField4(f, h.Offset+kvVLenOff, vLen); err != nil {
				return 0, err
			}
			if err := writeField4(f, h.Offset+kvCRCOff, crc); err != nil {
				return 0, err
			}
			if err := writeField4(f, h.Offset+kvExpireOff, expire); err != nil {
				return 0, err
			}
			if _, err := f.WriteAt(text, h.dataOffset()); err != nil {
				return 0, err
			}
			d.Hints.Set(key, h.Offset)
			return newVal, nil
		}
		newHdr := kvHeader{
			KLen: uint16(len(key)), ELen: vLen, VLen: vLen, CRC: crc, Expire: expire,
			Prev: h.Prev, Next: h.Next, Codec: valuecodec.None,
		}
		buf := append(encodeKVHeader(newHdr), key...)
		buf = append(buf, text...)
		newOffset, err := store.Append(f, buf)
		if err != nil {
			return 0, err
		}
		arrayStart := d.Mgr.ArrayStart()
		if h.Prev == 0 {
			if err := WriteBucketHead(f, arrayStart, bucket, uint32(newOffset)); err != nil {
				return 0, err
			}
		} else if err := WriteUint32At(f, int64(h.Prev)+kvNextOff, uint32(newOffset)); err != nil {
			return 0, err
		}
		if h.Next != 0 {
			if err := WriteUint32At(f, int64(h.Next)+kvPrevOff, uint32(newOffset)); err != nil {
				return 0, err
			}
		}
		if err := WriteUint16At(f, h.Offset+kvKLenOff, 0); err != nil {
			return 0, err
		}
		d.Hints.Set(key, newOffset)
		return newVal, nil
	}

	if _, err := d.insertNew(f, bucket, key, text, kvIncreasePad, expire, valuecodec.None); err != nil {
		return 0, err
	}
	return newVal, nil
}

// Remove implements remove(key) per spec §4.3: idempotent success when the
// key is already absent, delete-splice otherwise.
func (d *KVDriver) Remove(key []byte) error {
	if len(key) == 0 {
		return ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return err
	}
	defer fl.Release()

	h, found, err := d.locate(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := WriteUint16At(f, h.Offset+kvKLenOff, 0); err != nil {
		return err
	}
	info := RecordInfo{Offset: h.Offset, Prev: h.Prev, Next: h.Next}
	if err := SpliceOut(f, d.Mgr.ArrayStart(), bucket, info, kvNextOff, kvPrevOff); err != nil {
		return err
	}
	if err := d.Mgr.AdjustCount(f, -1); err != nil {
		return err
	}
	d.Hints.Delete(key)
	dualWrite(d.Mgr, func(old *store.Manager) error {
		return NewKVDriver(old, nil, d.Cap).Remove(key)
	})
	return nil
}

// ReadValueForIterator implements Driver.ReadValueForIterator for KV.
func (d *KVDriver) ReadValueForIterator(f *os.File, info RecordInfo) ([]Pair, error) {
	if info.Dead {
		return nil, nil
	}
	h, err := readKVHeader(f, info.Offset)
	if err != nil {
		return nil, err
	}
	if h.expired(time.Now()) {
		return nil, nil
	}
	raw := make([]byte, h.VLen)
	if _, err := f.ReadAt(raw, h.dataOffset()); err != nil {
		return nil, err
	}
	if binary.CRC32(raw) != h.CRC {
		return nil, nil
	}
	value, err := valuecodec.Decode(h.Codec, raw)
	if err != nil {
		return nil, nil
	}
	return []Pair{{Key: h.Key, Value: value}}, nil
}

// WriteOptimize implements Driver.WriteOptimize for KV: expired or
// checksum-bad records are dropped (compaction doubles as a TTL sweep);
// live records are skipped if the key already exists in the new store.
func (d *KVDriver) WriteOptimize(oldFile *os.File, info RecordInfo, newMgr *store.Manager) (bool, error) {
	h, err := readKVHeader(oldFile, info.Offset)
	if err != nil {
		return false, err
	}
	if h.KLen == 0 || h.expired(time.Now()) {
		return false, nil
	}
	value := make([]byte, h.VLen)
	if _, err := oldFile.ReadAt(value, h.dataOffset()); err != nil {
		return false, err
	}
	if binary.CRC32(value) != h.CRC {
		return false, nil
	}

	nf, err := newMgr.Handle(store.Write)
	if err != nil {
		return false, err
	}
	fl, err := lock.Acquire(nf)
	if err != nil {
		return false, err
	}
	defer fl.Release()

	newDriver := NewKVDriver(newMgr, nil, d.Cap)
	bucket := store.BucketOf(h.Key)
	if _, found, err := newDriver.locate(nf, bucket, h.Key); err != nil {
		return false, err
	} else if found {
		return false, nil
	}
	if _, err := newDriver.insertNew(nf, bucket, h.Key, value, h.VLen, h.Expire, h.Codec); err != nil {
		return false, err
	}
	return true, nil
}

func writeField4(f *os.File, offset int64, v uint32) error {
	return WriteUint32At(f, offset, v)
}

func writeByte(f *os.File, offset int64, v byte) error {
	_, err := f.WriteAt([]byte{v}, offset)
	return err
}
