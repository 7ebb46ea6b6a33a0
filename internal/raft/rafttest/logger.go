package rafttest

import (
	"io"

	"github.com/rs/zerolog"
)

// NoopLogger returns a zerolog.Logger that discards everything, for tests
// that don't care about a group's log output.
func NoopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
