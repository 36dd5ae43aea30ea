package hintcache

import (
	"sync"

	art "github.com/plar/go-adaptive-radix-tree"
)

// ART is the default Cache backend: an adaptive radix tree keyed by the raw
// key bytes, storing the offset as its value. Chosen as the default because
// it is byte-key-native, avoiding the string conversion the immutable-radix
// backend needs on every call.
type ART struct {
	mu   sync.Mutex
	tree art.Tree
}

// NewART constructs an empty ART-backed hint cache.
func NewART() *ART {
	return &ART{tree: art.New()}
}

func (a *ART) Get(key []byte) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, found := a.tree.Search(key)
	if !found {
		return 0, false
	}
	return v.(int64), true
}

func (a *ART) Set(key []byte, offset int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tree.Insert(append([]byte(nil), key...), offset)
}

func (a *ART) Delete(key []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tree.Delete(key)
}

func (a *ART) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tree.Size()
}
