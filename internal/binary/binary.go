// Package binary packs and unpacks the little-endian fixed-width integers
// used throughout the on-disk format, plus the CRC32 helper shared by every
// record layout.
package binary

import (
	"encoding/binary"
	"hash/crc32"
)

// PutUint16 writes v as a little-endian uint16 into buf[0:2].
func PutUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// Uint16 reads a little-endian uint16 from buf[0:2].
func Uint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// PutUint32 writes v as a little-endian uint32 into buf[0:4].
func PutUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// Uint32 reads a little-endian uint32 from buf[0:4].
func Uint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// CRC32 returns the IEEE CRC32 checksum of b, the integrity check and
// cheap equality predicate used by every record format in this store.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// BucketOf returns crc32(key) mod n, the bucket-selection function used by
// the KV and key-set flavors. List keys use the same function over the raw
// key bytes.
func BucketOf(key []byte, n uint32) uint32 {
	return crc32.ChecksumIEEE(key) % n
}
