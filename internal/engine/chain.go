// Package engine implements the record engine, the three flavor drivers,
// the iterator, and the online compactor (spec §4.2–§4.6). Drivers share
// the low-level chain-walking and pointer-relinking primitives in this
// file; each flavor supplies its own record layout and business logic in
// its own *record.go file.
package engine

import (
	"errors"
	"os"

	"github.com/kjdunn/chainstore/internal/binary"
	"github.com/kjdunn/chainstore/internal/store"
)

// ErrCycle is returned when a chain walk revisits an offset it has already
// seen, the corruption guard mandated by spec §4.2 and §9's design notes.
var ErrCycle = errors.New("engine: chain walk revisited an offset")

// ErrFormat is returned when a record header fails to parse.
var ErrFormat = errors.New("engine: record header failed to parse")

// ErrArg is returned for a structurally invalid argument, most commonly an
// empty key.
var ErrArg = errors.New("engine: invalid argument")

// ErrNotFound is returned by operations that require an existing record
// (e.g. expire) when the key has no live record.
var ErrNotFound = errors.New("engine: key not found")

// RecordInfo is the generic shape chain.go needs to walk any record chain,
// regardless of which flavor's record format produced it.
type RecordInfo struct {
	Offset int64
	Prev   uint32
	Next   uint32
	Dead   bool
	Key    []byte
}

// ReadHeaderFunc parses the record at offset into a RecordInfo. Each
// flavor driver supplies one bound to its own record layout.
type ReadHeaderFunc func(f *os.File, offset int64) (RecordInfo, error)

// WalkBucket follows next pointers starting at head, returning every
// record visited in head-to-tail order. maxChain, if positive, bounds the
// walk (spec §6.5's optional chain-length cap — records beyond it become
// invisible, silently truncating the returned slice rather than erroring).
// A revisited offset is reported as ErrCycle.
func WalkBucket(f *os.File, head uint32, maxChain int, readHeader ReadHeaderFunc) ([]RecordInfo, error) {
	if head == 0 {
		return nil, nil
	}
	visited := make(map[uint32]struct{})
	var out []RecordInfo
	cur := head
	for cur != 0 {
		if _, seen := visited[cur]; seen {
			return nil, ErrCycle
		}
		visited[cur] = struct{}{}
		info, err := readHeader(f, int64(cur))
		if err != nil {
			return nil, err
		}
		info.Offset = int64(cur)
		out = append(out, info)
		if maxChain > 0 && len(out) >= maxChain {
			break
		}
		cur = info.Next
	}
	return out, nil
}

// ReadUint32At reads a little-endian uint32 at an absolute file offset.
func ReadUint32At(f *os.File, offset int64) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	return binary.Uint32(buf), nil
}

// WriteUint32At writes a little-endian uint32 at an absolute file offset.
func WriteUint32At(f *os.File, offset int64, v uint32) error {
	buf := make([]byte, 4)
	binary.PutUint32(buf, v)
	_, err := f.WriteAt(buf, offset)
	return err
}

// WriteUint16At writes a little-endian uint16 at an absolute file offset,
// used to flip a record's kLen field to 0 (logical delete) without
// rewriting the rest of its header.
func WriteUint16At(f *os.File, offset int64, v uint16) error {
	buf := make([]byte, 2)
	binary.PutUint16(buf, v)
	_, err := f.WriteAt(buf, offset)
	return err
}

// ReadBucketHead reads the head-of-chain offset for bucketIndex.
func ReadBucketHead(f *os.File, arrayStart int64, bucketIndex uint32) (uint32, error) {
	return ReadUint32At(f, store.SlotOffset(arrayStart, bucketIndex))
}

// WriteBucketHead writes the head-of-chain offset for bucketIndex.
func WriteBucketHead(f *os.File, arrayStart int64, bucketIndex uint32, offset uint32) error {
	return WriteUint32At(f, store.SlotOffset(arrayStart, bucketIndex), offset)
}

// LinkAtHead performs the head-of-chain insert relink sequence from spec
// §4.2: the new record (already appended with prev=0, next=oldHead) is
// made the bucket's head, and the old head's prev is rewritten to point at
// it, in that order.
func LinkAtHead(f *os.File, arrayStart int64, bucketIndex uint32, newOffset uint32, oldHead uint32, prevFieldOffset int64) error {
	if err := WriteBucketHead(f, arrayStart, bucketIndex, newOffset); err != nil {
		return err
	}
	if oldHead == 0 {
		return nil
	}
	return WriteUint32At(f, int64(oldHead)+prevFieldOffset, newOffset)
}

// SpliceOut removes the record at offset from its chain by rewriting its
// predecessor's forward pointer (the bucket slot if prev==0, else the
// predecessor's next field) and its successor's prev field, if any.
func SpliceOut(f *os.File, arrayStart int64, bucketIndex uint32, info RecordInfo, nextFieldOffset, prevFieldOffset int64) error {
	if info.Prev == 0 {
		if err := WriteBucketHead(f, arrayStart, bucketIndex, info.Next); err != nil {
			return err
		}
	} else {
		if err := WriteUint32At(f, int64(info.Prev)+nextFieldOffset, info.Next); err != nil {
			return err
		}
	}
	if info.Next != 0 {
		if err := WriteUint32At(f, int64(info.Next)+prevFieldOffset, info.Prev); err != nil {
			return err
		}
	}
	return nil
}

// SpliceOutOfList is SpliceOut's analogue for a per-key value list, whose
// "head slot" lives in the key-header's valueHead field at headFieldAbs
// instead of the bucket array.
func SpliceOutOfList(f *os.File, headFieldAbs int64, info RecordInfo, nextFieldOffset, prevFieldOffset int64) error {
	if info.Prev == 0 {
		if err := WriteUint32At(f, headFieldAbs, info.Next); err != nil {
			return err
		}
	} else {
		if err := WriteUint32At(f, int64(info.Prev)+nextFieldOffset, info.Next); err != nil {
			return err
		}
	}
	if info.Next != 0 {
		if err := WriteUint32At(f, int64(info.Next)+prevFieldOffset, info.Prev); err != nil {
			return err
		}
	}
	return nil
}

// LinkAtHeadOfList is LinkAtHead's analogue for a per-key value list.
func LinkAtHeadOfList(f *os.File, headFieldAbs int64, newOffset uint32, oldHead uint32, prevFieldOffset int64) error {
	if err := WriteUint32At(f, headFieldAbs, newOffset); err != nil {
		return err
	}
	if oldHead == 0 {
		return nil
	}
	return WriteUint32At(f, int64(oldHead)+prevFieldOffset, newOffset)
}
