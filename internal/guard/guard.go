// Package guard implements the optional script-guard prefix (spec §3.1.1):
// when a store's path carries the host's usual script extension, the file
// begins with a literal guard string that makes accidental execution of the
// file a harmless no-op. Presence or absence is derived solely from the
// path extension and is fixed for the file's lifetime.
package guard

import (
	"path/filepath"
	"strings"
)

// Len is the fixed size of the guard prefix in bytes.
const Len = 13

// Bytes is the literal guard string written at offset 0 when a guarded
// extension is used. Executed directly, its shebang runs /bin/false, so the
// rest of the file is never interpreted; sourced by a shell, the line is a
// comment. It is exactly Len bytes long.
var Bytes = []byte("#!/bin/false\n")

func init() {
	if len(Bytes) != Len {
		panic("guard: Bytes must be exactly Len bytes")
	}
}

// guardedExt is the host "script language's usual" extension: files ending
// in it are treated as potentially directly executable and get the guard.
const guardedExt = ".sh"

// Applies reports whether path's extension calls for the script-guard
// prefix. The result is a pure function of the extension and never changes
// for a given path, matching the file-lifetime-constant invariant in spec
// §3.3.
func Applies(path string) bool {
	return strings.EqualFold(filepath.Ext(path), guardedExt)
}
