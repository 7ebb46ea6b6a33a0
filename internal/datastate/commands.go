package datastate

import (
	"bytes"
	"encoding/gob"
	"time"
)

// CommandType enumerates the write operations a data group's state
// machine accepts as log entries (spec §4.3). Reads never go through the
// log; they are served from the local storage engine after a
// leader-confirmed or relaxed read.
type CommandType int

const (
	CmdSet CommandType = iota
	CmdDel
	CmdExpire
	CmdHSet
	CmdSAdd
	CmdLPush
	CmdZAdd
	CmdMSet
	// CmdImportBatch writes RawPairs verbatim as a group of keys'
	// gob-encoded Records, in one atomic storage.Batch, used only by the
	// migration coordinator's destination-side batch apply (spec §4.6):
	// the source already has valid encoded Records (type, value,
	// ExpireAt included), so the destination just stores the bytes
	// instead of reconstructing a Record from typed fields, and the
	// whole batch lands atomically rather than key by key.
	CmdImportBatch
)

// Command is the gob-encoded payload of one data-group log entry.
// ClientID/RequestID drive the de-dup check in Machine.Apply so a
// retried write is safe to resubmit.
type Command struct {
	Type CommandType

	ClientID  string
	RequestID uint64

	Key   string
	Value []byte
	// ExpireAt is the absolute expiry deadline for CmdSet/CmdExpire, zero
	// meaning "no expiry". It is stamped by the proposer before
	// submission (spec §4.1/§9: apply must be deterministic, no
	// wall-clock) and applied verbatim by every replica.
	ExpireAt time.Time

	Field string   // CmdHSet
	Elems [][]byte // CmdSAdd/CmdLPush, one or more values in one entry
	Score float64  // CmdZAdd

	// Pairs is CmdMSet's key/value set, applied as one storage.Batch so
	// the write lands atomically (spec §4.3: "write_batch ... when
	// multiple operations must be atomic"). All keys are guaranteed by
	// the admission layer's CROSSSLOT check to share one slot (and
	// therefore one group) before this command is ever built.
	Pairs map[string][]byte

	// RawPairs is CmdImportBatch's key -> gob-encoded Record set,
	// applied as one storage.Batch on the migration destination.
	RawPairs map[string][]byte
}

// Encode gob-encodes a Command for submission as a raft log entry.
func Encode(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Command, error) {
	var cmd Command
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd)
	return cmd, err
}
