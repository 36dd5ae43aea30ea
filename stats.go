package chainstore

import "time"

// Stats is a snapshot of a store's header and status, read without taking
// the file lock (the same best-effort guarantee as any other read).
type Stats struct {
	Count       int
	Optimizing  bool
	CreatedAt   time.Time
	BucketCount int
}
