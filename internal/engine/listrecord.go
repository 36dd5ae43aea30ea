package engine

import (
	"os"

	"github.com/kjdunn/chainstore/internal/binary"
	"github.com/kjdunn/chainstore/internal/lock"
	"github.com/kjdunn/chainstore/internal/store"
)

// List key-header record layout (spec §3.2, 14 bytes + key bytes):
// kLen(2) | prev(4) | next(4) | valueHead(4) | key[kLen]. Links sibling
// key-headers within one bucket and points at the head of a separate,
// per-key, doubly-linked value list.
const (
	listHeaderLen = 14

	lhKLenOff      = 0
	lhPrevOff      = 2
	lhNextOff      = 6
	lhValueHeadOff = 10
)

// List value record layout (12 bytes + 4 CRC + value): vLen(4) | prev(4) |
// next(4) | crc(4) | value[vLen]. prev/next link adjacent values of the
// same key only; there is no dead flag, unlinking suffices.
const (
	listValueLen = 16

	lvVLenOff = 0
	lvPrevOff = 4
	lvNextOff = 8
	lvCRCOff  = 12
)

type listHeader struct {
	KLen       uint16
	Prev       uint32
	Next       uint32
	ValueHead  uint32
	Key        []byte
	Offset     int64
}

func (h listHeader) dead() bool { return h.KLen == 0 }

func (h listHeader) recordInfo() RecordInfo {
	return RecordInfo{Offset: h.Offset, Prev: h.Prev, Next: h.Next, Dead: h.dead(), Key: h.Key}
}

func encodeListHeader(h listHeader) []byte {
	buf := make([]byte, listHeaderLen)
	binary.PutUint16(buf[lhKLenOff:], h.KLen)
	binary.PutUint32(buf[lhPrevOff:], h.Prev)
	binary.PutUint32(buf[lhNextOff:], h.Next)
	binary.PutUint32(buf[lhValueHeadOff:], h.ValueHead)
	return buf
}

func readListHeader(f *os.File, offset int64) (listHeader, error) {
	buf := make([]byte, listHeaderLen)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return listHeader{}, err
	}
	h := listHeader{
		KLen:      binary.Uint16(buf[lhKLenOff:]),
		Prev:      binary.Uint32(buf[lhPrevOff:]),
		Next:      binary.Uint32(buf[lhNextOff:]),
		ValueHead: binary.Uint32(buf[lhValueHeadOff:]),
		Offset:    offset,
	}
	if h.KLen > 0 {
		key := make([]byte, h.KLen)
		if _, err := f.ReadAt(key, offset+listHeaderLen); err != nil {
			return listHeader{}, err
		}
		h.Key = key
	}
	return h, nil
}

type valueHeader struct {
	Offset int64
	VLen   uint32
	Prev   uint32
	Next   uint32
	CRC    uint32
}

func (h valueHeader) dataOffset() int64 { return h.Offset + listValueLen }

func (h valueHeader) toRecordInfo() RecordInfo {
	return RecordInfo{Offset: h.Offset, Prev: h.Prev, Next: h.Next}
}

func encodeValueRecord(prev, next uint32, value []byte) []byte {
	buf := make([]byte, listValueLen)
	binary.PutUint32(buf[lvVLenOff:], uint32(len(value)))
	binary.PutUint32(buf[lvPrevOff:], prev)
	binary.PutUint32(buf[lvNextOff:], next)
	binary.PutUint32(buf[lvCRCOff:], binary.CRC32(value))
	return append(buf, value...)
}

func readValueHeader(f *os.File, offset int64) (valueHeader, error) {
	buf := make([]byte, listValueLen)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return valueHeader{}, err
	}
	return valueHeader{
		Offset: offset,
		VLen:   binary.Uint32(buf[lvVLenOff:]),
		Prev:   binary.Uint32(buf[lvPrevOff:]),
		Next:   binary.Uint32(buf[lvNextOff:]),
		CRC:    binary.Uint32(buf[lvCRCOff:]),
	}, nil
}

func readValueBytes(f *os.File, h valueHeader) ([]byte, error) {
	buf := make([]byte, h.VLen)
	if _, err := f.ReadAt(buf, h.dataOffset()); err != nil {
		return nil, err
	}
	return buf, nil
}

// ListDriver implements Driver for the list flavor and carries its full
// operation set atop the per-key value list.
type ListDriver struct {
	Mgr *store.Manager
	Cap int
}

// NewListDriver returns a ListDriver backed by mgr. cap bounds in-bucket
// key-header chain walks; zero disables the bound.
func NewListDriver(mgr *store.Manager, cap int) *ListDriver {
	return &ListDriver{Mgr: mgr, Cap: cap}
}

func (d *ListDriver) Name() string { return "list" }

func (d *ListDriver) ChainCap() int { return d.Cap }

// RecordLayout implements Driver.RecordLayout over key-headers; the bucket
// chain this engine walks for list is the chain of key-headers, one per
// distinct key in the bucket, not the per-key value lists.
func (d *ListDriver) RecordLayout(f *os.File, offset int64) (RecordInfo, error) {
	h, err := readListHeader(f, offset)
	if err != nil {
		return RecordInfo{}, ErrFormat
	}
	return h.recordInfo(), nil
}

func (d *ListDriver) locateHeader(f *os.File, bucket uint32, key []byte) (listHeader, bool, error) {
	head, err := ReadBucketHead(f, d.Mgr.ArrayStart(), bucket)
	if err != nil {
		return listHeader{}, false, err
	}
	infos, err := WalkBucket(f, head, d.Cap, d.RecordLayout)
	if err != nil {
		return listHeader{}, false, err
	}
	for _, info := range infos {
		if info.Dead || string(info.Key) != string(key) {
			continue
		}
		h, err := readListHeader(f, info.Offset)
		if err != nil {
			return listHeader{}, false, err
		}
		return h, true, nil
	}
	return listHeader{}, false, nil
}

// walkValues returns every value record in the per-key list starting at
// head, head-to-tail, guarded against cycles.
func (d *ListDriver) walkValues(f *os.File, head uint32) ([]valueHeader, error) {
	if head == 0 {
		return nil, nil
	}
	visited := make(map[uint32]struct{})
	var out []valueHeader
	cur := head
	for cur != 0 {
		if _, seen := visited[cur]; seen {
			return nil, ErrCycle
		}
		visited[cur] = struct{}{}
		h, err := readValueHeader(f, int64(cur))
		if err != nil {
			return nil, err
		}
		out = append(out, h)
		cur = h.Next
	}
	return out, nil
}

// insertHeader creates a brand-new key-header at the head of bucket's
// key-header chain, with an empty value list, and bumps the live count.
func (d *ListDriver) insertHeader(f *os.File, bucket uint32, key []byte) (listHeader, error) {
	arrayStart := d.Mgr.ArrayStart()
	head, err := ReadBucketHead(f, arrayStart, bucket)
	if err != nil {
		return listHeader{}, err
	}
	hdr := listHeader{KLen: uint16(len(key)), Prev: 0, Next: head, ValueHead: 0, Key: key}
	buf := append(encodeListHeader(hdr), key...)
	offset, err := store.Append(f, buf)
	if err != nil {
		return listHeader{}, err
	}
	if err := LinkAtHead(f, arrayStart, bucket, uint32(offset), head, lhPrevOff); err != nil {
		return listHeader{}, err
	}
	if err := d.Mgr.AdjustCount(f, 1); err != nil {
		return listHeader{}, err
	}
	hdr.Offset = offset
	return hdr, nil
}

// buildChain appends len(values) value records linked to each other, with
// the first's prev set to prevAnchor and the last's next set to
// nextAnchor, and returns the offsets of the first and last new records.
// values must be non-empty.
func buildChain(f *os.File, prevAnchor, nextAnchor uint32, values [][]byte) (first, last uint32, err error) {
	offsets := make([]uint32, len(values))
	for i, v := range values {
		prev := prevAnchor
		if i > 0 {
			prev = offsets[i-1]
		}
		off, err := store.Append(f, encodeValueRecord(prev, 0, v))
		if err != nil {
			return 0, 0, err
		}
		offsets[i] = uint32(off)
		if i > 0 {
			if err := WriteUint32At(f, int64(offsets[i-1])+lvNextOff, offsets[i]); err != nil {
				return 0, 0, err
			}
		}
	}
	last = offsets[len(offsets)-1]
	if err := WriteUint32At(f, int64(last)+lvNextOff, nextAnchor); err != nil {
		return 0, 0, err
	}
	return offsets[0], last, nil
}

// insertAfter splices values in after anchor.
func (d *ListDriver) insertAfter(f *os.File, header listHeader, anchor valueHeader, values [][]byte) error {
	first, last, err := buildChain(f, uint32(anchor.Offset), anchor.Next, values)
	if err != nil {
		return err
	}
	if err := WriteUint32At(f, anchor.Offset+lvNextOff, first); err != nil {
		return err
	}
	if anchor.Next != 0 {
		if err := WriteUint32At(f, int64(anchor.Next)+lvPrevOff, last); err != nil {
			return err
		}
	}
	return nil
}

// insertBefore splices values in before anchor.
func (d *ListDriver) insertBefore(f *os.File, header listHeader, anchor valueHeader, values [][]byte) error {
	first, last, err := buildChain(f, anchor.Prev, uint32(anchor.Offset), values)
	if err != nil {
		return err
	}
	if anchor.Prev == 0 {
		if err := WriteUint32At(f, header.Offset+lhValueHeadOff, first); err != nil {
			return err
		}
	} else if err := WriteUint32At(f, int64(anchor.Prev)+lvNextOff, first); err != nil {
		return err
	}
	return WriteUint32At(f, anchor.Offset+lvPrevOff, last)
}

// writeEmptyList installs values as the whole of an empty per-key list.
func (d *ListDriver) writeEmptyList(f *os.File, header listHeader, values [][]byte) error {
	first, _, err := buildChain(f, 0, 0, values)
	if err != nil {
		return err
	}
	return WriteUint32At(f, header.Offset+lhValueHeadOff, first)
}

func (d *ListDriver) withWriteLock(key []byte) (*os.File, uint32, *lock.FileLock, error) {
	if len(key) == 0 {
		return nil, 0, nil, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Write)
	if err != nil {
		return nil, 0, nil, err
	}
	fl, err := lock.Acquire(f)
	if err != nil {
		return nil, 0, nil, err
	}
	return f, bucket, fl, nil
}

// Push implements push(key) per spec §4.3: append values to the tail of
// key's value list, creating the key-header if absent.
func (d *ListDriver) Push(key []byte, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		header, err = d.insertHeader(f, bucket, key)
		if err != nil {
			return err
		}
	}
	if header.ValueHead == 0 {
		return d.writeEmptyList(f, header, values)
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	return d.insertAfter(f, header, vals[len(vals)-1], values)
}

// Insert implements insert(key) per spec §4.3: prepend values to the head
// of key's value list, creating the key-header if absent.
func (d *ListDriver) Insert(key []byte, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		header, err = d.insertHeader(f, bucket, key)
		if err != nil {
			return err
		}
	}
	if header.ValueHead == 0 {
		return d.writeEmptyList(f, header, values)
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	return d.insertBefore(f, header, vals[0], values)
}

func firstMatchingCRC(vals []valueHeader, pivot []byte) (valueHeader, bool) {
	crc := binary.CRC32(pivot)
	for _, v := range vals {
		if v.CRC == crc {
			return v, true
		}
	}
	return valueHeader{}, false
}

// AppendPivot implements append(key, pivot) per spec §4.3.
func (d *ListDriver) AppendPivot(key []byte, pivot []byte, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	anchor, ok := firstMatchingCRC(vals, pivot)
	if !ok {
		return ErrNotFound
	}
	return d.insertAfter(f, header, anchor, values)
}

// PrependPivot implements prepend(key, pivot) per spec §4.3.
func (d *ListDriver) PrependPivot(key []byte, pivot []byte, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	anchor, ok := firstMatchingCRC(vals, pivot)
	if !ok {
		return ErrNotFound
	}
	return d.insertBefore(f, header, anchor, values)
}

func resolveIndex(idx int64, n int64) (int64, bool) {
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

func resolveRange(start int64, length *int64, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := n
	if length != nil {
		l := *length
		if l < 0 {
			l = 0
		}
		end = start + l
		if end > n {
			end = n
		}
	}
	return start, end
}

// AppendByIndex implements appendByIndex(key, idx) per spec §4.3. idx=-1
// is the end-of-list sentinel: behavior matches Push and may create key.
func (d *ListDriver) AppendByIndex(key []byte, idx int64, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found && idx != -1 {
		return ErrNotFound
	}
	if !found {
		header, err = d.insertHeader(f, bucket, key)
		if err != nil {
			return err
		}
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	if idx == -1 || len(vals) == 0 {
		if header.ValueHead == 0 {
			return d.writeEmptyList(f, header, values)
		}
		return d.insertAfter(f, header, vals[len(vals)-1], values)
	}
	pos, ok := resolveIndex(idx, int64(len(vals)))
	if !ok {
		return ErrArg
	}
	return d.insertAfter(f, header, vals[pos], values)
}

// PrependByIndex implements prependByIndex(key, idx) per spec §4.3. idx=0
// is the start-of-list sentinel: behavior matches Insert and may create
// key.
func (d *ListDriver) PrependByIndex(key []byte, idx int64, values [][]byte) error {
	if len(values) == 0 {
		return nil
	}
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found && idx != 0 {
		return ErrNotFound
	}
	if !found {
		header, err = d.insertHeader(f, bucket, key)
		if err != nil {
			return err
		}
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		return d.writeEmptyList(f, header, values)
	}
	if idx == 0 {
		return d.insertBefore(f, header, vals[0], values)
	}
	pos, ok := resolveIndex(idx, int64(len(vals)))
	if !ok {
		return ErrArg
	}
	return d.insertBefore(f, header, vals[pos], values)
}

// Alter implements alter(key, idx, value) per spec §4.3: in-place if the
// new serialized length fits the old record's allocated bytes, else
// grow-and-relink within the per-key value list.
func (d *ListDriver) Alter(key []byte, idx int64, value []byte) error {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	pos, ok := resolveIndex(idx, int64(len(vals)))
	if !ok {
		return ErrArg
	}
	old := vals[pos]
	if uint32(len(value)) <= old.VLen {
		if err := WriteUint32At(f, old.Offset+lvVLenOff, uint32(len(value))); err != nil {
			return err
		}
		if err := WriteUint32At(f, old.Offset+lvCRCOff, binary.CRC32(value)); err != nil {
			return err
		}
		_, err := f.WriteAt(value, old.dataOffset())
		return err
	}
	newOffset, err := store.Append(f, encodeValueRecord(old.Prev, old.Next, value))
	if err != nil {
		return err
	}
	if old.Prev == 0 {
		if err := WriteUint32At(f, header.Offset+lhValueHeadOff, uint32(newOffset)); err != nil {
			return err
		}
	} else if err := WriteUint32At(f, int64(old.Prev)+lvNextOff, uint32(newOffset)); err != nil {
		return err
	}
	if old.Next != 0 {
		if err := WriteUint32At(f, int64(old.Next)+lvPrevOff, uint32(newOffset)); err != nil {
			return err
		}
	}
	return nil
}

// Pop implements pop(key) per spec §4.3: atomic read-then-unlink of tail.
func (d *ListDriver) Pop(key []byte) ([]byte, bool, error) {
	return d.popEnd(key, true)
}

// Shift implements shift(key) per spec §4.3: atomic read-then-unlink of
// head.
func (d *ListDriver) Shift(key []byte) ([]byte, bool, error) {
	return d.popEnd(key, false)
}

func (d *ListDriver) popEnd(key []byte, tail bool) ([]byte, bool, error) {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return nil, false, err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return nil, false, err
	}
	if !found || header.ValueHead == 0 {
		return nil, false, nil
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return nil, false, err
	}
	var target valueHeader
	if tail {
		target = vals[len(vals)-1]
	} else {
		target = vals[0]
	}
	value, err := readValueBytes(f, target)
	if err != nil {
		return nil, false, err
	}
	if err := SpliceOutOfList(f, header.Offset+lhValueHeadOff, target.toRecordInfo(), lvNextOff, lvPrevOff); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Remove implements remove(key, start, length) per spec §4.3: unlink the
// slice. start=0 with length=nil is the shortcut that zeroes valueHead.
func (d *ListDriver) Remove(key []byte, start int64, length *int64) error {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if start == 0 && length == nil {
		return WriteUint32At(f, header.Offset+lhValueHeadOff, 0)
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	n := int64(len(vals))
	from, to := resolveRange(start, length, n)
	if from >= to {
		return nil
	}
	return d.relinkRemove(f, header, vals, from, to)
}

func (d *ListDriver) relinkRemove(f *os.File, header listHeader, vals []valueHeader, from, to int64) error {
	n := int64(len(vals))
	switch {
	case from == 0 && to == n:
		return WriteUint32At(f, header.Offset+lhValueHeadOff, 0)
	case from == 0:
		survivor := vals[to]
		if err := WriteUint32At(f, header.Offset+lhValueHeadOff, uint32(survivor.Offset)); err != nil {
			return err
		}
		return WriteUint32At(f, survivor.Offset+lvPrevOff, 0)
	case to == n:
		return WriteUint32At(f, vals[from-1].Offset+lvNextOff, 0)
	default:
		left, right := vals[from-1], vals[to]
		if err := WriteUint32At(f, left.Offset+lvNextOff, uint32(right.Offset)); err != nil {
			return err
		}
		return WriteUint32At(f, right.Offset+lvPrevOff, uint32(left.Offset))
	}
}

// Keep implements keep(key, start, length) per spec §4.3: retain only the
// slice, rewriting valueHead and terminating the new tail's next at 0.
func (d *ListDriver) Keep(key []byte, start int64, length *int64) error {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	n := int64(len(vals))
	from, to := resolveRange(start, length, n)
	if from >= to {
		return WriteUint32At(f, header.Offset+lhValueHeadOff, 0)
	}
	if err := WriteUint32At(f, header.Offset+lhValueHeadOff, uint32(vals[from].Offset)); err != nil {
		return err
	}
	if err := WriteUint32At(f, vals[from].Offset+lvPrevOff, 0); err != nil {
		return err
	}
	return WriteUint32At(f, vals[to-1].Offset+lvNextOff, 0)
}

func indexSet(idxs []int64, n int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(idxs))
	for _, idx := range idxs {
		if pos, ok := resolveIndex(idx, n); ok {
			set[pos] = struct{}{}
		}
	}
	return set
}

// relinkSurvivors fully rebuilds the per-key chain over exactly the
// offsets in keep, in their original relative order.
func (d *ListDriver) relinkSurvivors(f *os.File, header listHeader, vals []valueHeader, keep []bool) error {
	var survivors []valueHeader
	for i, k := range keep {
		if k {
			survivors = append(survivors, vals[i])
		}
	}
	if len(survivors) == 0 {
		return WriteUint32At(f, header.Offset+lhValueHeadOff, 0)
	}
	if err := WriteUint32At(f, header.Offset+lhValueHeadOff, uint32(survivors[0].Offset)); err != nil {
		return err
	}
	for i, v := range survivors {
		var prev, next uint32
		if i > 0 {
			prev = uint32(survivors[i-1].Offset)
		}
		if i < len(survivors)-1 {
			next = uint32(survivors[i+1].Offset)
		}
		if err := WriteUint32At(f, v.Offset+lvPrevOff, prev); err != nil {
			return err
		}
		if err := WriteUint32At(f, v.Offset+lvNextOff, next); err != nil {
			return err
		}
	}
	return nil
}

// RemoveIndex implements removeIndex(key, idx|[idx...]) per spec §4.3.
func (d *ListDriver) RemoveIndex(key []byte, idxs []int64) error {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	doomed := indexSet(idxs, int64(len(vals)))
	keep := make([]bool, len(vals))
	for i := range vals {
		if _, ok := doomed[int64(i)]; !ok {
			keep[i] = true
		}
	}
	return d.relinkSurvivors(f, header, vals, keep)
}

// KeepIndex implements keepIndex(key, idx|[idx...]) per spec §4.3.
func (d *ListDriver) KeepIndex(key []byte, idxs []int64) error {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return err
	}
	kept := indexSet(idxs, int64(len(vals)))
	keep := make([]bool, len(vals))
	for i := range vals {
		if _, ok := kept[int64(i)]; ok {
			keep[i] = true
		}
	}
	return d.relinkSurvivors(f, header, vals, keep)
}

// Range implements range(key, start, length) per spec §4.3.
func (d *ListDriver) Range(key []byte, start int64, length *int64) ([][]byte, error) {
	if len(key) == 0 {
		return nil, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return nil, err
	}
	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return nil, err
	}
	if !found {
		header, found, err = d.migrateIfOnlyInOld(key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrNotFound
		}
		f, err = d.Mgr.Handle(store.Read)
		if err != nil {
			return nil, err
		}
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return nil, err
	}
	from, to := resolveRange(start, length, int64(len(vals)))
	out := make([][]byte, 0, to-from)
	for _, v := range vals[from:to] {
		raw, err := readValueBytes(f, v)
		if err != nil {
			return nil, err
		}
		if binary.CRC32(raw) != v.CRC {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// Len implements len(key) per spec §4.3.
func (d *ListDriver) Len(key []byte) (int64, error) {
	if len(key) == 0 {
		return 0, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return 0, err
	}
	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return 0, err
	}
	if !found {
		header, found, err = d.migrateIfOnlyInOld(key)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, ErrNotFound
		}
		f, err = d.Mgr.Handle(store.Read)
		if err != nil {
			return 0, err
		}
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return 0, err
	}
	return int64(len(vals)), nil
}

// Search implements search(key, v) per spec §4.3: returns the index of
// the first value whose CRC matches v's CRC.
func (d *ListDriver) Search(key []byte, v []byte) (int64, bool, error) {
	if len(key) == 0 {
		return 0, false, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return 0, false, err
	}
	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		header, found, err = d.migrateIfOnlyInOld(key)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, nil
		}
		f, err = d.Mgr.Handle(store.Read)
		if err != nil {
			return 0, false, err
		}
	}
	vals, err := d.walkValues(f, header.ValueHead)
	if err != nil {
		return 0, false, err
	}
	crc := binary.CRC32(v)
	for i, val := range vals {
		if val.CRC == crc {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

// Exist implements exist(key) per spec §4.3.
func (d *ListDriver) Exist(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrArg
	}
	bucket := store.BucketOf(key)
	f, err := d.Mgr.Handle(store.Read)
	if err != nil {
		return false, err
	}
	_, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	_, found, err = d.migrateIfOnlyInOld(key)
	return found, err
}

// migrateIfOnlyInOld implements list's read-triggered migration (spec
// §4.6): if key is missing from the new store but present in the old
// one a compaction has pinned, the whole per-key value list is copied
// over atomically under lock before the caller's read proceeds.
func (d *ListDriver) migrateIfOnlyInOld(key []byte) (listHeader, bool, error) {
	old, ok := openOldStore(d.Mgr)
	if !ok {
		return listHeader{}, false, nil
	}
	defer old.Close()

	of, err := old.Handle(store.Read)
	if err != nil {
		return listHeader{}, false, nil
	}
	oldBucket := store.BucketOf(key)
	oldDriver := NewListDriver(old, d.Cap)
	oh, found, err := oldDriver.locateHeader(of, oldBucket, key)
	if err != nil || !found {
		return listHeader{}, false, nil
	}
	values, err := oldDriver.liveValues(of, oh.ValueHead)
	if err != nil {
		return listHeader{}, false, nil
	}

	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return listHeader{}, false, nil
	}
	defer fl.Release()

	if h, found, err := d.locateHeader(f, bucket, key); err == nil && found {
		return h, true, nil
	}

	oh2, err := old.ReadHeader(of)
	if err != nil || oh2.Status == store.StatusClearing {
		// The old store started clearing between our read above and
		// taking the new store's write lock; resurrecting its value
		// list now would bring back data the clear is discarding.
		return listHeader{}, false, nil
	}

	newHeader, err := d.insertHeader(f, bucket, key)
	if err != nil {
		return listHeader{}, false, nil
	}
	if len(values) > 0 {
		if err := d.writeEmptyList(f, newHeader, values); err != nil {
			return listHeader{}, false, nil
		}
		if newHeader, err = readListHeader(f, newHeader.Offset); err != nil {
			return listHeader{}, false, nil
		}
	}
	return newHeader, true, nil
}

// liveValues returns every checksum-valid value in the per-key list
// rooted at head, as raw bytes.
func (d *ListDriver) liveValues(f *os.File, head uint32) ([][]byte, error) {
	vals, err := d.walkValues(f, head)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		raw, err := readValueBytes(f, v)
		if err != nil {
			return nil, err
		}
		if binary.CRC32(raw) != v.CRC {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// Drop implements drop(key) per spec §4.3: delete-marker and splice of the
// key-header; the value list becomes unreachable, reclaimed only by
// compaction.
func (d *ListDriver) Drop(key []byte) error {
	f, bucket, fl, err := d.withWriteLock(key)
	if err != nil {
		return err
	}
	defer fl.Release()

	header, found, err := d.locateHeader(f, bucket, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := WriteUint16At(f, header.Offset+lhKLenOff, 0); err != nil {
		return err
	}
	info := RecordInfo{Offset: header.Offset, Prev: header.Prev, Next: header.Next}
	if err := SpliceOut(f, d.Mgr.ArrayStart(), bucket, info, lhNextOff, lhPrevOff); err != nil {
		return err
	}
	if err := d.Mgr.AdjustCount(f, -1); err != nil {
		return err
	}
	dualWrite(d.Mgr, func(old *store.Manager) error {
		return NewListDriver(old, d.Cap).Drop(key)
	})
	return nil
}

// ReadValueForIterator implements Driver.ReadValueForIterator for list:
// one key-header contributes one Pair per live value in its list.
func (d *ListDriver) ReadValueForIterator(f *os.File, info RecordInfo) ([]Pair, error) {
	if info.Dead {
		return nil, nil
	}
	h, err := readListHeader(f, info.Offset)
	if err != nil {
		return nil, err
	}
	vals, err := d.walkValues(f, h.ValueHead)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(vals))
	for _, v := range vals {
		raw, err := readValueBytes(f, v)
		if err != nil {
			return nil, err
		}
		if binary.CRC32(raw) != v.CRC {
			continue
		}
		pairs = append(pairs, Pair{Key: h.Key, Value: raw})
	}
	return pairs, nil
}

// WriteOptimize implements Driver.WriteOptimize for list: skips a key
// already present in the new store, otherwise recreates the key-header
// and copies its whole value list in original order in one pass.
func (d *ListDriver) WriteOptimize(oldFile *os.File, info RecordInfo, newMgr *store.Manager) (bool, error) {
	h, err := readListHeader(oldFile, info.Offset)
	if err != nil {
		return false, err
	}
	if h.dead() {
		return false, nil
	}
	values, err := d.liveValues(oldFile, h.ValueHead)
	if err != nil {
		return false, err
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

	newDriver := NewListDriver(newMgr, d.Cap)
	bucket := store.BucketOf(h.Key)
	if _, found, err := newDriver.locateHeader(nf, bucket, h.Key); err != nil {
		return false, err
	} else if found {
		return false, nil
	}
	newHeader, err := newDriver.insertHeader(nf, bucket, h.Key)
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return true, nil
	}
	if err := newDriver.writeEmptyList(nf, newHeader, values); err != nil {
		return false, err
	}
	return true, nil
}
