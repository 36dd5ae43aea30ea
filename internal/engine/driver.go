package engine

import (
	"os"

	"github.com/kjdunn/chainstore/internal/store"
)

// Pair is one (key, value) tuple the iterator yields. For KV and key-set
// records a live bucket-chain record contributes at most one Pair; for
// list key-headers it contributes one Pair per live value in that key's
// value list.
type Pair struct {
	Key   []byte
	Value []byte
}

// Driver is the small capability set spec §9's design notes call for:
// each flavor supplies it as a value, and the iterator and compactor are
// written generically over it rather than switching on flavor.
type Driver interface {
	// Name identifies the flavor, for diagnostics and logging.
	Name() string

	// ChainCap bounds the number of records WalkBucket will traverse in a
	// single bucket chain, zero meaning unbounded. Records beyond the cap
	// are invisible to every operation that walks a chain, including
	// compaction backfill.
	ChainCap() int

	// RecordLayout parses the record header (and, for fixed-size formats,
	// enough of the payload to know where the next record starts) at
	// offset, for use by WalkBucket.
	RecordLayout(f *os.File, offset int64) (RecordInfo, error)

	// ReadValueForIterator turns a live bucket-chain record into zero or
	// more (key, value) pairs for the iterator. Expired or otherwise
	// unreadable entries should be filtered here and return no pairs
	// rather than an error.
	ReadValueForIterator(f *os.File, info RecordInfo) ([]Pair, error)

	// WriteOptimize migrates one live bucket-chain record from the old
	// store into the new store during compaction backfill (spec §4.6 step
	// 5). It must skip writing (wrote=false, err=nil) if the key already
	// exists in the new store — a concurrent writer has since set a newer
	// value that must not be overwritten (spec §9 Open Question 3, made
	// explicit here rather than left implicit in the write path).
	WriteOptimize(oldFile *os.File, info RecordInfo, newMgr *store.Manager) (wrote bool, err error)
}
