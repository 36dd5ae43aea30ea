package engine

import (
	"os"

	"github.com/kjdunn/chainstore/internal/store"
)

// DefaultIteratorSlice is the bucket-window size spec §4.4 defaults to.
const DefaultIteratorSlice = 10000

// Iterator is the restartable, finite (key, value) sequence over all live
// records of spec §4.4. It never takes the file lock, so concurrent writes
// may re-link chains under it; per-record recovery tolerates that rather
// than aborting the whole pass.
type Iterator struct {
	mgr       *store.Manager
	driver    Driver
	sliceSize uint32

	bucket uint32
	buf    []Pair
	done   bool
}

// NewIterator builds an Iterator over mgr using driver's record layout and
// value extraction. sliceSize <= 0 falls back to DefaultIteratorSlice.
func NewIterator(mgr *store.Manager, driver Driver, sliceSize int) *Iterator {
	n := uint32(sliceSize)
	if sliceSize <= 0 {
		n = DefaultIteratorSlice
	}
	return &Iterator{mgr: mgr, driver: driver, sliceSize: n}
}

// Rewind resets the iterator to bucket 0, per spec §4.4 step 1.
func (it *Iterator) Rewind() {
	it.bucket = 0
	it.buf = nil
	it.done = false
}

// Next returns the next live pair, or ok=false once every bucket has been
// visited.
func (it *Iterator) Next() (Pair, bool, error) {
	for {
		if len(it.buf) > 0 {
			p := it.buf[0]
			it.buf = it.buf[1:]
			return p, true, nil
		}
		if it.done {
			return Pair{}, false, nil
		}
		if err := it.fillSlice(); err != nil {
			return Pair{}, false, err
		}
	}
}

// fillSlice reads the next window of contiguous bucket slots (spec §4.4
// step 2), dropping zero slots and walking every nonzero one.
func (it *Iterator) fillSlice() error {
	f, err := it.mgr.Handle(store.Read)
	if err != nil {
		return err
	}
	arrayStart := it.mgr.ArrayStart()

	end := it.bucket + it.sliceSize
	if end > store.N || it.sliceSize == 0 {
		end = store.N
	}
	for b := it.bucket; b < end; b++ {
		head, err := ReadBucketHead(f, arrayStart, b)
		if err != nil {
			return err
		}
		if head == 0 {
			continue
		}
		pairs, err := it.walkChain(f, b, head)
		if err != nil {
			return err
		}
		it.buf = append(it.buf, pairs...)
	}
	it.bucket = end
	if it.bucket >= store.N {
		it.done = true
	}
	return nil
}

// walkChain walks one bucket's chain, recovering from a parse failure by
// re-reading the previous link's current next pointer (spec §4.4 step 3):
// if it has moved since the walk began, resume from there; otherwise give
// up on the remainder of this chain without failing the whole pass.
func (it *Iterator) walkChain(f *os.File, bucketIndex uint32, head uint32) ([]Pair, error) {
	visited := make(map[uint32]struct{})
	var pairs []Pair
	prevOffset := uint32(0)
	cur := head

	for cur != 0 {
		if _, seen := visited[cur]; seen {
			return pairs, nil
		}
		info, err := it.driver.RecordLayout(f, int64(cur))
		if err != nil {
			fresh, ok := it.recover(f, bucketIndex, prevOffset)
			if !ok || fresh == cur || fresh == 0 {
				return pairs, nil
			}
			cur = fresh
			continue
		}
		visited[cur] = struct{}{}
		if !info.Dead {
			ps, err := it.driver.ReadValueForIterator(f, info)
			if err != nil {
				return pairs, nil
			}
			pairs = append(pairs, ps...)
		}
		prevOffset = cur
		cur = info.Next
	}
	return pairs, nil
}

// recover re-derives the forward pointer a broken record's predecessor
// currently holds: the bucket slot if prevOffset is the chain head (0),
// else the predecessor's own next field.
func (it *Iterator) recover(f *os.File, bucketIndex uint32, prevOffset uint32) (uint32, bool) {
	if prevOffset == 0 {
		fresh, err := ReadBucketHead(f, it.mgr.ArrayStart(), bucketIndex)
		if err != nil {
			return 0, false
		}
		return fresh, true
	}
	prevInfo, err := it.driver.RecordLayout(f, int64(prevOffset))
	if err != nil {
		return 0, false
	}
	return prevInfo.Next, true
}
