package chainstore

import "github.com/kjdunn/chainstore/internal/engine"

// KVIterator is a restartable, dirty-read iterator over a KV store's live
// (key, value) pairs.
type KVIterator struct {
	it  *engine.Iterator
	cfg config
}

// Rewind resets the iterator to the first bucket.
func (it *KVIterator) Rewind() { it.it.Rewind() }

// Next deserializes the next pair into out, returning ok=false once
// exhausted.
func (it *KVIterator) Next(out interface{}) (key []byte, ok bool, err error) {
	pair, ok, err := it.it.Next()
	if err != nil || !ok {
		return nil, ok, translate(err)
	}
	if out != nil {
		if err := it.cfg.Serializer.Deserialize(pair.Value, out); err != nil {
			return pair.Key, true, err
		}
	}
	return pair.Key, true, nil
}

// SetIterator is a restartable, dirty-read iterator over a key-set
// store's live digests. The on-disk format never stores the original
// key, only its 16-byte MD5 digest, so that is what Next yields.
type SetIterator struct {
	it *engine.Iterator
}

func (it *SetIterator) Rewind() { it.it.Rewind() }

// Next returns the next live digest, ok=false once exhausted.
func (it *SetIterator) Next() (digest []byte, ok bool, err error) {
	pair, ok, err := it.it.Next()
	if err != nil || !ok {
		return nil, ok, translate(err)
	}
	return pair.Key, true, nil
}

// ListIterator is a restartable, dirty-read iterator over a list store's
// live (key, value) pairs, one per value in each key's list.
type ListIterator struct {
	it  *engine.Iterator
	cfg config
}

func (it *ListIterator) Rewind() { it.it.Rewind() }

// Next deserializes the next pair's value into out, returning ok=false
// once exhausted.
func (it *ListIterator) Next(out interface{}) (key []byte, ok bool, err error) {
	pair, ok, err := it.it.Next()
	if err != nil || !ok {
		return nil, ok, translate(err)
	}
	if out != nil {
		if err := it.cfg.Serializer.Deserialize(pair.Value, out); err != nil {
			return pair.Key, true, err
		}
	}
	return pair.Key, true, nil
}
