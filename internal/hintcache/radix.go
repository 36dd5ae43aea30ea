package hintcache

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

// Radix is an alternate Cache backend built on a copy-on-write immutable
// radix tree. Selecting it over ART trades a per-Set allocation of a new
// tree root for lock-free reads of any snapshot taken via the tree; this
// store only ever reads the latest root, so that advantage goes mostly
// unused here, but the backend is offered because the pack carries it and
// some callers may want to hold on to an older Cache snapshot for a
// point-in-time read path of their own.
type Radix struct {
	mu   sync.Mutex
	tree *iradix.Tree[int64]
}

// NewRadix constructs an empty immutable-radix-backed hint cache.
func NewRadix() *Radix {
	return &Radix{tree: iradix.New[int64]()}
}

func (r *Radix) Get(key []byte) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Get(key)
}

func (r *Radix) Set(key []byte, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, _, _ := r.tree.Insert(append([]byte(nil), key...), offset)
	r.tree = tree
}

func (r *Radix) Delete(key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, _, _ := r.tree.Delete(key)
	r.tree = tree
}

func (r *Radix) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}
