package engine

import (
	"os"
	"time"

	"github.com/kjdunn/chainstore/internal/lock"
	"github.com/kjdunn/chainstore/internal/store"
)

// Retry budgets from spec §4.6/§5.
const (
	renameAttempts  = 200
	renameDelay     = 10 * time.Millisecond
	cleanupAttempts = 20
	cleanupDelay    = 100 * time.Millisecond
)

// Optimize runs the online rewrite protocol of spec §4.6 against mgr,
// using driver's flavor-specific WriteOptimize to migrate live records
// into a freshly recreated store. minIntervalSec and progress are the
// optimize() knobs of spec §6.5; progress, when non-nil, receives a 0-100
// percentage, coalesced to changes only. A successful no-op (another
// process is already compacting, or the minimum interval has not
// elapsed) returns nil.
func Optimize(mgr *store.Manager, driver Driver, minIntervalSec int64, progress func(int)) error {
	path := mgr.Path()
	opPath := path + ".op"
	lockPath := path + ".lock"
	prefixLen := mgr.PrefixLen()

	if _, err := os.Stat(opPath); err == nil {
		return nil
	}

	f, err := mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	h, err := mgr.ReadHeader(f)
	if err != nil {
		return err
	}
	if time.Now().Unix() < int64(h.CreateTime)+minIntervalSec {
		return nil
	}

	// Announce: create the gate file, then flip status under lock.
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	_ = lockFile.Close()

	fl, err := lock.Acquire(f)
	if err != nil {
		if rerr := store.RemoveIfExists(lockPath, 1, 0); rerr != nil {
			mgr.Warnf("compactor: failed to unlink %s after lock acquire failure: %v", lockPath, rerr)
		}
		return err
	}
	h, err = mgr.ReadHeader(f)
	if err != nil {
		fl.Release()
		if rerr := store.RemoveIfExists(lockPath, 1, 0); rerr != nil {
			mgr.Warnf("compactor: failed to unlink %s after header read failure: %v", lockPath, rerr)
		}
		return err
	}
	h.Status = store.StatusWaitingOptimize
	werr := mgr.WriteHeader(f, h)
	fl.Release()
	if werr != nil {
		if rerr := store.RemoveIfExists(lockPath, 1, 0); rerr != nil {
			mgr.Warnf("compactor: failed to unlink %s after announce write failure: %v", lockPath, rerr)
		}
		return werr
	}
	if err := mgr.Close(); err != nil {
		return err
	}

	// Rename. If it never succeeds, roll the announce back so the store
	// does not stay stuck at status='3' with no compactor owning it.
	if err := store.RenameWithRetry(path, opPath, renameAttempts, renameDelay); err != nil {
		rollbackAnnounce(mgr, path, lockPath, prefixLen)
		return err
	}

	// Recreate.
	newMgr, err := store.Open(path, true, nil)
	if err != nil {
		return err
	}
	if err := setOptimized(newMgr, store.OptimizedYes); err != nil {
		return err
	}
	if err := store.RemoveIfExists(lockPath, cleanupAttempts, cleanupDelay); err != nil {
		return err
	}

	// Backfill.
	oldMgr, err := store.OpenExisting(opPath, prefixLen, true, nil)
	if err != nil {
		return restoreAndPropagate(newMgr, err)
	}
	if err := backfill(oldMgr, newMgr, driver, progress); err != nil {
		_ = oldMgr.Close()
		return restoreAndPropagate(newMgr, err)
	}

	// Finalize.
	if err := setOptimized(newMgr, store.OptimizedNo); err != nil {
		_ = oldMgr.Close()
		return err
	}
	if err := newMgr.Close(); err != nil {
		_ = oldMgr.Close()
		return err
	}
	if err := oldMgr.Close(); err != nil {
		return err
	}
	return store.RemoveIfExists(opPath, cleanupAttempts, cleanupDelay)
}

func setOptimized(mgr *store.Manager, v store.Optimized) error {
	f, err := mgr.Handle(store.Write)
	if err != nil {
		return err
	}
	h, err := mgr.ReadHeader(f)
	if err != nil {
		return err
	}
	h.Optimized = v
	return mgr.WriteHeader(f, h)
}

func restoreAndPropagate(newMgr *store.Manager, cause error) error {
	_ = setOptimized(newMgr, store.OptimizedNo)
	return cause
}

// backfill iterates every live record of the old store and migrates it
// into the new store (spec §4.6 step 5), aborting cleanly if the old
// store is concurrently cleared.
func backfill(oldMgr, newMgr *store.Manager, driver Driver, progress func(int)) error {
	of, err := oldMgr.Handle(store.Write)
	if err != nil {
		return err
	}
	arrayStart := oldMgr.ArrayStart()
	lastPct := -1

	for bucket := uint32(0); bucket < store.N; bucket++ {
		oh, err := oldMgr.ReadHeader(of)
		if err != nil {
			return err
		}
		if oh.Status == store.StatusClearing {
			break
		}

		head, err := ReadBucketHead(of, arrayStart, bucket)
		if err != nil {
			return err
		}
		if head != 0 {
			infos, err := WalkBucket(of, head, driver.ChainCap(), driver.RecordLayout)
			if err == nil {
				for _, info := range infos {
					if info.Dead {
						continue
					}
					if _, err := driver.WriteOptimize(of, info, newMgr); err != nil {
						return err
					}
				}
			}
			// A malformed chain in one bucket does not abort the whole
			// compaction; its records are skipped and are not carried into
			// the new store.
		}

		if progress != nil {
			pct := int(uint64(bucket) * 100 / uint64(store.N))
			if pct != lastPct {
				progress(pct)
				lastPct = pct
			}
		}
	}
	return nil
}

// rollbackAnnounce undoes Announce when the rename that must follow it
// never succeeds: status goes back to normal and the gate file is
// removed, all under the exclusive lock, bypassing the status machine in
// Manager.Handle (which would otherwise itself block on the very state
// this is trying to undo).
func rollbackAnnounce(mgr *store.Manager, path, lockPath string, prefixLen int64) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fl, err := lock.Acquire(f)
	if err != nil {
		return
	}
	defer fl.Release()

	buf := make([]byte, store.HeaderLen)
	if _, err := f.ReadAt(buf, prefixLen); err != nil {
		return
	}
	h := store.Decode(buf)
	h.Status = store.StatusNormal
	_, _ = f.WriteAt(store.Encode(h), prefixLen)
	if rerr := store.RemoveIfExists(lockPath, 1, 0); rerr != nil {
		mgr.Warnf("compactor: failed to unlink %s during announce rollback: %v", lockPath, rerr)
	}
}
