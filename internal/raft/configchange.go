package raft

import (
	"bytes"
	"encoding/gob"
)

type configOp int

const (
	configOpAddLearner configOp = iota
	configOpPromote
	configOpRemove
)

// configChange is the payload of an EntryConfigChange log entry. It is
// gob-encoded the same way the state machine commands are, keeping the
// replication layer's own entries self-describing without a separate
// wire type.
type configChange struct {
	Op     configOp
	NodeID string
}

func encodeConfigChange(c configChange) []byte {
	var buf bytes.Buffer
	// gob.Encode on a concrete, fixed-shape struct does not fail.
	_ = gob.NewEncoder(&buf).Encode(c)
	return buf.Bytes()
}

func decodeConfigChange(data []byte) (configChange, error) {
	var c configChange
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c)
	return c, err
}
