// Package scripting defines the collaborator surface the (out-of-scope)
// Lua scripting engine needs from this module: per-key locking so a
// script's reads/writes against the storage engine are isolated from
// concurrent client commands touching the same keys.
package scripting

import "context"

// KeyLocker acquires exclusive access to a set of keys for the duration
// of a script execution. Implementations are scoped to a single node's
// data groups (spec §5: "scoped to a single node's data groups").
type KeyLocker interface {
	// Lock blocks until every key is held or ctx is done, whichever comes
	// first. On success the returned Unlock func must be called exactly
	// once to release all of them.
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}
