package chainstore

import (
	"time"

	"github.com/kjdunn/chainstore/internal/engine"
	"github.com/kjdunn/chainstore/internal/store"
)

// Set is a handle to a store opened in the key-set flavor: pure membership
// over raw 16-byte MD5 digests of user keys. No key or value bytes are
// ever stored, so iterating a Set yields digests, not recoverable
// original keys.
type Set struct {
	mgr    *store.Manager
	driver *engine.SetDriver
	cfg    config
}

// OpenSet opens (creating if absent) the key-set-flavor store at path.
func OpenSet(path string, opts ...Option) (*Set, error) {
	cfg := applyOptions(opts)
	mgr, err := store.Open(path, cfg.Quiet, cfg.Logger)
	if err != nil {
		return nil, translate(err)
	}
	return &Set{mgr: mgr, driver: engine.NewSetDriver(mgr, cfg.ChainCap), cfg: cfg}, nil
}

func (s *Set) Close() error { return translate(s.mgr.Close()) }

// Add inserts key's digest. Already present is a no-op success.
func (s *Set) Add(key []byte) error { return translate(s.driver.Add(key)) }

// Has reports whether key's digest is present.
func (s *Set) Has(key []byte) (bool, error) {
	v, err := s.driver.Has(key)
	return v, translate(err)
}

// Remove deletes key's digest. Already absent is a no-op success.
func (s *Set) Remove(key []byte) error { return translate(s.driver.Remove(key)) }

func (s *Set) Count() (int, error) {
	n, err := s.mgr.Count()
	return int(n), translate(err)
}

func (s *Set) IsOptimizing() (bool, error) {
	v, err := s.mgr.IsOptimizing()
	return v, translate(err)
}

func (s *Set) Optimize(progress func(pct int)) error {
	return translate(engine.Optimize(s.mgr, s.driver, s.cfg.MinIntervalSec, progress))
}

func (s *Set) Clear() error { return translate(s.mgr.Clear()) }

func (s *Set) Stats() (Stats, error) {
	f, err := s.mgr.Handle(store.Read)
	if err != nil {
		return Stats{}, translate(err)
	}
	h, err := s.mgr.ReadHeader(f)
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

// Iterator returns a restartable iterator over every live digest. The
// Value half of each yielded pair is always empty; see SetIterator.
func (s *Set) Iterator() *SetIterator {
	return &SetIterator{it: engine.NewIterator(s.mgr, s.driver, s.cfg.IteratorSlice)}
}
