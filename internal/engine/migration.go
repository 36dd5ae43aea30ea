package engine

import (
	"os"

	"github.com/kjdunn/chainstore/internal/store"
)

// openOldStore opens the renamed old store pinned by an in-flight
// compaction (spec §4.6's concurrent-process cooperation section), if one
// exists. Absence, or a failure to open it, is not an error at this layer
// — callers treat it the same as "no migration in flight" and fall back
// to their ordinary not-found handling.
func openOldStore(mgr *store.Manager) (*store.Manager, bool) {
	opPath := mgr.Path() + ".op"
	if _, err := os.Stat(opPath); err != nil {
		return nil, false
	}
	old, err := store.OpenExisting(opPath, mgr.PrefixLen(), true, nil)
	if err != nil {
		return nil, false
	}
	return old, true
}

// dualWrite mirrors expire/remove onto the old store while a compaction is
// in flight, so a record already migrated to the new store is not
// resurrected by the backfill still running against the old one (spec
// §4.6's cooperation rules). Any error from the old side is warned rather
// than propagated: the old store is advisory once a compaction starts, and
// the new store's write already succeeded.
func dualWrite(mgr *store.Manager, apply func(old *store.Manager) error) {
	old, ok := openOldStore(mgr)
	if !ok {
		return
	}
	defer old.Close()
	if err := apply(old); err != nil {
		mgr.Warnf("engine: dual write into pinned old store %s failed: %v", old.Path(), err)
	}
}
