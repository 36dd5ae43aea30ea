package chainstore

import (
	"errors"
	"fmt"

	"github.com/kjdunn/chainstore/internal/engine"
	"github.com/kjdunn/chainstore/internal/store"
)

// Sentinel errors returned to callers. Every internal error this module
// can produce maps onto exactly one of these via translate, so callers
// only ever need errors.Is against this set regardless of which internal
// package actually raised the error.
var (
	ErrConfig   = errors.New("chainstore: invalid configuration")
	ErrIO       = errors.New("chainstore: i/o failure")
	ErrFormat   = errors.New("chainstore: malformed record")
	ErrBusy     = errors.New("chainstore: store busy, retry budget exhausted")
	ErrCycle    = errors.New("chainstore: chain walk revisited an offset")
	ErrNotFound = errors.New("chainstore: key not found")
	ErrArg      = errors.New("chainstore: invalid argument")
	ErrClosed   = errors.New("chainstore: store is closed")
	ErrCorrupt  = errors.New("chainstore: checksum mismatch")
)

// translate maps an internal/engine or internal/store error onto the
// public taxonomy above. Unrecognized errors (bare os.PathError and
// friends from the underlying file) are wrapped as ErrIO, since by the
// time they reach this layer every other failure mode has already been
// given its own sentinel.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrCycle):
		return ErrCycle
	case errors.Is(err, engine.ErrFormat), errors.Is(err, store.ErrFormat):
		return ErrFormat
	case errors.Is(err, engine.ErrArg):
		return ErrArg
	case errors.Is(err, engine.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrBusy):
		return ErrBusy
	case errors.Is(err, store.ErrClosed):
		return ErrClosed
	case errors.Is(err, ErrConfig), errors.Is(err, ErrIO), errors.Is(err, ErrFormat),
		errors.Is(err, ErrBusy), errors.Is(err, ErrCycle), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrArg), errors.Is(err, ErrClosed), errors.Is(err, ErrCorrupt):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}
