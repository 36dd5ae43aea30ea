package store

import "github.com/kjdunn/chainstore/internal/binary"

// N is the fixed bucket-array size, a file-format constant for the life of
// any store (spec §3.1.3, §6.5).
const N uint32 = 0x8FFFF

// BucketSlotLen is the width of one bucket-array entry: an absolute file
// offset, or 0 for an empty bucket.
const BucketSlotLen = 4

// BucketArrayLen is the total size in bytes of the bucket array region.
const BucketArrayLen = int64(N) * BucketSlotLen

// BucketOf returns crc32(key) mod N, the bucket index for key.
func BucketOf(key []byte) uint32 {
	return binary.BucketOf(key, N)
}

// SlotOffset returns the absolute file offset of bucket index's slot,
// given the offset at which the bucket array begins (prefixLen + HeaderLen).
func SlotOffset(arrayStart int64, index uint32) int64 {
	return arrayStart + int64(index)*BucketSlotLen
}

// EncodeSlot packs an absolute record offset (or 0) into a 4-byte buffer.
func EncodeSlot(offset uint32) []byte {
	buf := make([]byte, BucketSlotLen)
	binary.PutUint32(buf, offset)
	return buf
}

// DecodeSlot unpacks a 4-byte bucket-slot value.
func DecodeSlot(buf []byte) uint32 {
	return binary.Uint32(buf)
}
