package chainstore

import (
	"time"

	"github.com/kjdunn/chainstore/internal/engine"
	"github.com/kjdunn/chainstore/internal/store"
	"github.com/kjdunn/chainstore/internal/valuecodec"
)

// KV is a handle to a store opened in the KV flavor: string keys mapping
// to serialized values, each with an optional expiry and atomic integer
// increment.
type KV struct {
	mgr    *store.Manager
	driver *engine.KVDriver
	cfg    config
}

// OpenKV opens (creating if absent) the KV-flavor store at path.
func OpenKV(path string, opts ...Option) (*KV, error) {
	cfg := applyOptions(opts)
	mgr, err := store.Open(path, cfg.Quiet, cfg.Logger)
	if err != nil {
		return nil, translate(err)
	}
	return &KV{mgr: mgr, driver: engine.NewKVDriver(mgr, cfg.HintCache, cfg.ChainCap), cfg: cfg}, nil
}

// Close releases the store's file handle.
func (kv *KV) Close() error { return translate(kv.mgr.Close()) }

// Set stores value under key with the given time-to-live; ttl<=0 means no
// expiry. A nil value is equivalent to Remove.
func (kv *KV) Set(key []byte, value interface{}, ttl time.Duration) error {
	if value == nil {
		return kv.Remove(key)
	}
	raw, err := kv.cfg.Serializer.Serialize(value)
	if err != nil {
		return err
	}
	return kv.SetBytes(key, raw, ttl)
}

// SetBytes stores the already-serialized value verbatim, bypassing the
// configured Serializer.
func (kv *KV) SetBytes(key, value []byte, ttl time.Duration) error {
	codec := kv.cfg.codec()
	encoded, err := valuecodec.Encode(codec, value)
	if err != nil {
		return translate(err)
	}
	secs := int64(ttl / time.Second)
	if secs < 0 {
		secs = 0
	}
	return translate(kv.driver.Set(key, encoded, secs, codec))
}

// Get deserializes key's value into out. It reports found=false if the
// key is absent, expired, or fails its checksum.
func (kv *KV) Get(key []byte, out interface{}) (found bool, err error) {
	raw, found, err := kv.GetBytes(key)
	if err != nil || !found {
		return found, translate(err)
	}
	return true, kv.cfg.Serializer.Deserialize(raw, out)
}

// GetBytes returns the decoded (decompressed) but still-serialized value
// bytes for key, without running them through the Serializer.
func (kv *KV) GetBytes(key []byte) ([]byte, bool, error) {
	value, found, err := kv.driver.Get(key)
	return value, found, translate(err)
}

// TTL reports a key's remaining time-to-live: ErrNotFound if the key has
// no live record, -1 if it never expires, 0 if its deadline has already
// passed, or the positive number of seconds remaining.
func (kv *KV) TTL(key []byte) (int64, error) {
	state, remaining, err := kv.driver.TTL(key)
	if err != nil {
		return 0, translate(err)
	}
	switch state {
	case engine.TTLAbsent:
		return 0, ErrNotFound
	case engine.TTLNever:
		return -1, nil
	case engine.TTLExpired:
		return 0, nil
	default:
		return remaining, nil
	}
}

// Expire sets key's expiry: secs<0 expires it immediately, 0 clears any
// expiry, >0 sets a new deadline secs from now.
func (kv *KV) Expire(key []byte, secs int64) error {
	return translate(kv.driver.Expire(key, secs))
}

// Increase atomically adds delta to key's current integer value (absent
// treated as 0) and returns the new value, resetting ttl in the same
// critical section.
func (kv *KV) Increase(key []byte, delta int64, ttl time.Duration) (int64, error) {
	newVal, err := kv.driver.Increase(key, delta, int64(ttl/time.Second))
	return newVal, translate(err)
}

// Remove deletes key. Removing an absent key is a no-op success.
func (kv *KV) Remove(key []byte) error {
	return translate(kv.driver.Remove(key))
}

// Count returns the store's advisory live-record count.
func (kv *KV) Count() (int, error) {
	n, err := kv.mgr.Count()
	return int(n), translate(err)
}

// IsOptimizing reports whether a compaction is currently in flight.
func (kv *KV) IsOptimizing() (bool, error) {
	v, err := kv.mgr.IsOptimizing()
	return v, translate(err)
}

// Optimize runs the online compactor against this store.
func (kv *KV) Optimize(progress func(pct int)) error {
	return translate(engine.Optimize(kv.mgr, kv.driver, kv.cfg.MinIntervalSec, progress))
}

// Clear marks the store for recreation on every handle's next access.
func (kv *KV) Clear() error { return translate(kv.mgr.Clear()) }

// Stats returns a snapshot of the store's header.
func (kv *KV) Stats() (Stats, error) {
	f, err := kv.mgr.Handle(store.Read)
	if err != nil {
		return Stats{}, translate(err)
	}
	h, err := kv.mgr.ReadHeader(f)
	if err != nil {
		return Stats{}, translate(err)
	}
	return Stats{
		Count:       int(h.Count),
		Optimizing:  h.Optimized == store.OptimizedYes,
		CreatedAt:   time.Unix(int64(h.CreateTime), 0),
		BucketCount: int(store.N),
	}, nil
}

// Iterator returns a restartable iterator over every live (key, value)
// pair. It never takes the file lock and may observe a dirty snapshot
// under concurrent writers, as documented in the iterator's package.
func (kv *KV) Iterator() *KVIterator {
	return &KVIterator{it: engine.NewIterator(kv.mgr, kv.driver, kv.cfg.IteratorSlice), cfg: kv.cfg}
}
