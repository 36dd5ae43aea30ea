package chainstore

import (
	"sync"
	"time"

	"github.com/kjdunn/chainstore/internal/engine"
	"github.com/kjdunn/chainstore/internal/store"
)

// List is a handle to a store opened in the list flavor: each key roots
// an independent doubly-linked list of serialized values.
//
// Values destined for push(), insert(), append(), prepend(),
// appendByIndex(), and prependByIndex() are staged through a pending
// buffer via AddValue/SetValue/ClearValue before one of those calls
// flushes it against a key, mirroring the buffer-then-flush protocol the
// underlying engine's value-list operations are built around. The buffer
// is handle-local state, not safe for concurrent use by multiple
// goroutines sharing one *List without external synchronization — callers
// that need concurrent list writers should open one *List handle per
// goroutine, which is cheap since all of them talk to the same backing
// file under its own lock.
type List struct {
	mgr    *store.Manager
	driver *engine.ListDriver
	cfg    config

	mu      sync.Mutex
	pending [][]byte
}

// OpenList opens (creating if absent) the list-flavor store at path.
func OpenList(path string, opts ...Option) (*List, error) {
	cfg := applyOptions(opts)
	mgr, err := store.Open(path, cfg.Quiet, cfg.Logger)
	if err != nil {
		return nil, translate(err)
	}
	return &List{mgr: mgr, driver: engine.NewListDriver(mgr, cfg.ChainCap), cfg: cfg}, nil
}

func (l *List) Close() error { return translate(l.mgr.Close()) }

// AddValue serializes v and appends it to the pending buffer.
func (l *List) AddValue(v interface{}) error {
	raw, err := l.cfg.Serializer.Serialize(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.pending = append(l.pending, raw)
	l.mu.Unlock()
	return nil
}

// SetValue replaces the pending buffer with the serialization of vs.
func (l *List) SetValue(vs ...interface{}) error {
	raw := make([][]byte, len(vs))
	for i, v := range vs {
		r, err := l.cfg.Serializer.Serialize(v)
		if err != nil {
			return err
		}
		raw[i] = r
	}
	l.mu.Lock()
	l.pending = raw
	l.mu.Unlock()
	return nil
}

// ClearValue empties the pending buffer without flushing it.
func (l *List) ClearValue() {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
}

// takePending returns and clears the pending buffer.
func (l *List) takePending() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.pending
	l.pending = nil
	return v
}

func (l *List) serialize(v interface{}) ([]byte, error) {
	return l.cfg.Serializer.Serialize(v)
}

// Decode deserializes a value returned by Range, Pop, or Shift into out.
func (l *List) Decode(raw []byte, out interface{}) error {
	return l.cfg.Serializer.Deserialize(raw, out)
}

// Push flushes the pending buffer, appending it to key's tail, creating
// key if absent.
func (l *List) Push(key []byte) error {
	return translate(l.driver.Push(key, l.takePending()))
}

// Insert flushes the pending buffer, prepending it to key's head, creating
// key if absent.
func (l *List) Insert(key []byte) error {
	return translate(l.driver.Insert(key, l.takePending()))
}

// Append flushes the pending buffer after the first value whose serialized
// form matches pivot. Fails if key or a matching value is absent.
func (l *List) Append(key []byte, pivot interface{}) error {
	p, err := l.serialize(pivot)
	if err != nil {
		return err
	}
	return translate(l.driver.AppendPivot(key, p, l.takePending()))
}

// Prepend flushes the pending buffer before the first value whose
// serialized form matches pivot. Fails if key or a matching value is
// absent.
func (l *List) Prepend(key []byte, pivot interface{}) error {
	p, err := l.serialize(pivot)
	if err != nil {
		return err
	}
	return translate(l.driver.PrependPivot(key, p, l.takePending()))
}

// AppendByIndex flushes the pending buffer after position idx. idx=-1
// matches Push and may create key.
func (l *List) AppendByIndex(key []byte, idx int64) error {
	return translate(l.driver.AppendByIndex(key, idx, l.takePending()))
}

// PrependByIndex flushes the pending buffer before position idx. idx=0
// matches Insert and may create key.
func (l *List) PrependByIndex(key []byte, idx int64) error {
	return translate(l.driver.PrependByIndex(key, idx, l.takePending()))
}

// Alter replaces the value at position idx in place or, if it no longer
// fits the record's allocated bytes, by growing and relinking.
func (l *List) Alter(key []byte, idx int64, value interface{}) error {
	raw, err := l.serialize(value)
	if err != nil {
		return err
	}
	return translate(l.driver.Alter(key, idx, raw))
}

// Pop unlinks and deserializes key's tail value into out.
func (l *List) Pop(key []byte, out interface{}) (bool, error) {
	raw, found, err := l.driver.Pop(key)
	if err != nil || !found {
		return found, translate(err)
	}
	return true, l.Decode(raw, out)
}

// Shift unlinks and deserializes key's head value into out.
func (l *List) Shift(key []byte, out interface{}) (bool, error) {
	raw, found, err := l.driver.Shift(key)
	if err != nil || !found {
		return found, translate(err)
	}
	return true, l.Decode(raw, out)
}

// Remove unlinks the slice [start, start+length). length=nil means "to
// end"; start=0 with length=nil zeroes key's whole value list.
func (l *List) Remove(key []byte, start int64, length *int64) error {
	return translate(l.driver.Remove(key, start, length))
}

// Keep retains only the slice [start, start+length), discarding the rest.
func (l *List) Keep(key []byte, start int64, length *int64) error {
	return translate(l.driver.Keep(key, start, length))
}

// RemoveIndex unlinks the values at the given (possibly negative) indices.
func (l *List) RemoveIndex(key []byte, idxs ...int64) error {
	return translate(l.driver.RemoveIndex(key, idxs))
}

// KeepIndex retains only the values at the given (possibly negative)
// indices, in their original relative order.
func (l *List) KeepIndex(key []byte, idxs ...int64) error {
	return translate(l.driver.KeepIndex(key, idxs))
}

// Range returns the still-serialized values in [start, start+length).
// length=nil means "to end". Decode each element with Decode.
func (l *List) Range(key []byte, start int64, length *int64) ([][]byte, error) {
	v, err := l.driver.Range(key, start, length)
	return v, translate(err)
}

// Len returns the number of live values in key's list.
func (l *List) Len(key []byte) (int64, error) {
	n, err := l.driver.Len(key)
	return n, translate(err)
}

// Search returns the index of the first value whose serialized form
// matches v.
func (l *List) Search(key []byte, v interface{}) (int64, bool, error) {
	raw, err := l.serialize(v)
	if err != nil {
		return 0, false, err
	}
	idx, found, err := l.driver.Search(key, raw)
	return idx, found, translate(err)
}

// Exist reports whether key has a live value list.
func (l *List) Exist(key []byte) (bool, error) {
	v, err := l.driver.Exist(key)
	return v, translate(err)
}

// Drop deletes key's key-header; its value list becomes unreachable until
// the next compaction reclaims it.
func (l *List) Drop(key []byte) error {
	return translate(l.driver.Drop(key))
}

func (l *List) Count() (int, error) {
	n, err := l.mgr.Count()
	return int(n), translate(err)
}

func (l *List) IsOptimizing() (bool, error) {
	v, err := l.mgr.IsOptimizing()
	return v, translate(err)
}

func (l *List) Optimize(progress func(pct int)) error {
	return translate(engine.Optimize(l.mgr, l.driver, l.cfg.MinIntervalSec, progress))
}

func (l *List) Clear() error { return translate(l.mgr.Clear()) }

func (l *List) Stats() (Stats, error) {
	f, err := l.mgr.Handle(store.Read)
	if err != nil {
		return Stats{}, translate(err)
	}
	h, err := l.mgr.ReadHeader(f)
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

// Iterator returns a restartable iterator over one (key, value) pair per
// live value in every key's list.
func (l *List) Iterator() *ListIterator {
	return &ListIterator{it: engine.NewIterator(l.mgr, l.driver, l.cfg.IteratorSlice), cfg: l.cfg}
}
