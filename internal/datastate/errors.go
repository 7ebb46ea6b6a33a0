package datastate

import "errors"

// ErrWrongType is returned (never panics, never mutates state) when a
// command targets a key whose stored type-tag conflicts with the
// command's expected type (spec §4.3, "Type-tag conflicts ... are
// reported as WRONGTYPE without modifying state").
var ErrWrongType = errors.New("datastate: operation against a key holding the wrong kind of value")
