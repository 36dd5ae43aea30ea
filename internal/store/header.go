package store

import (
	"time"

	"github.com/kjdunn/chainstore/internal/binary"
)

// HeaderLen is the size in bytes of the global header (spec §3.1.2):
// status(1) | optimized(1) | createTime(4) | count(4) sums to 10, but the
// region is 11 bytes — the extra leading byte is the "test byte" spec §5
// calls for: some platforms refuse to lock a fresh, unread write-only
// handle, so every header read/write touches this byte first. It carries
// no meaning of its own and is not a stable sentinel value.
const HeaderLen = 11

const testByteOffset = 0
const fieldsOffset = 1

// Status is the file-level status byte. Stored on disk as an ASCII digit,
// not a raw integer, matching spec §3.1.2.
type Status byte

const (
	StatusNormal          Status = '0'
	StatusClearing        Status = '1'
	StatusCreating        Status = '2'
	StatusWaitingOptimize Status = '3'
)

// Optimized is the second header byte: '1' means some process currently has
// a compaction in flight against this store's identity.
type Optimized byte

const (
	OptimizedNo  Optimized = '0'
	OptimizedYes Optimized = '1'
)

// Header is the decoded global header.
type Header struct {
	Status     Status
	Optimized  Optimized
	CreateTime uint32
	Count      uint32
}

// Encode writes h into an 11-byte buffer in the on-disk layout.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[testByteOffset] = 'x'
	buf[fieldsOffset+0] = byte(h.Status)
	buf[fieldsOffset+1] = byte(h.Optimized)
	binary.PutUint32(buf[fieldsOffset+2:fieldsOffset+6], h.CreateTime)
	binary.PutUint32(buf[fieldsOffset+6:fieldsOffset+10], h.Count)
	return buf
}

// Decode parses an 11-byte buffer into a Header.
func Decode(buf []byte) Header {
	return Header{
		Status:     Status(buf[fieldsOffset+0]),
		Optimized:  Optimized(buf[fieldsOffset+1]),
		CreateTime: binary.Uint32(buf[fieldsOffset+2 : fieldsOffset+6]),
		Count:      binary.Uint32(buf[fieldsOffset+6 : fieldsOffset+10]),
	}
}

// NewHeader returns the header written when a store is freshly created.
func NewHeader(now time.Time) Header {
	return Header{
		Status:     StatusCreating,
		Optimized:  OptimizedNo,
		CreateTime: uint32(now.Unix()),
		Count:      0,
	}
}
