// Package hintcache implements the process-local, advisory offset-hint
// cache described in SPEC_FULL.md's Domain Stack: a map from user key to
// the last known absolute file offset of its chain record. It exists purely
// to let a repeat lookup skip straight to a candidate offset instead of
// walking a bucket chain from the head; every lookup through it is
// revalidated against the actual on-disk record before being trusted, so a
// stale or wrong entry can only cost a wasted read, never an incorrect
// result. Nothing in this store depends on the cache being populated,
// accurate, or even present — see NoHintCache.
package hintcache

// Cache maps a key to its last-known record offset. Implementations are
// not required to be safe for concurrent use by multiple goroutines unless
// documented otherwise. KVDriver calls the cache without any lock of its
// own; the ART and Radix backends guard every call with their own mutex.
type Cache interface {
	// Get returns the last known offset for key, if any.
	Get(key []byte) (offset int64, ok bool)
	// Set records offset as the last known location of key.
	Set(key []byte, offset int64)
	// Delete drops any hint for key.
	Delete(key []byte)
	// Len reports the number of hints currently held.
	Len() int
}

// NoHintCache is a Cache that never remembers anything; every Get misses.
// Selecting it makes every lookup fall through to a full bucket-chain walk,
// which is always correct and is the right choice when key churn is high
// enough that the cache would thrash.
type NoHintCache struct{}

func (NoHintCache) Get([]byte) (int64, bool) { return 0, false }
func (NoHintCache) Set([]byte, int64)        {}
func (NoHintCache) Delete([]byte)            {}
func (NoHintCache) Len() int                 { return 0 }
