package metastate

import (
	"bytes"
	"encoding/gob"
)

// CommandType enumerates the closed set of MetaRaft mutations (spec §4.2).
// A tagged variant plus dispatch table keeps Apply exhaustively checkable
// instead of relying on open polymorphism, following the dispatch-table
// convention the rest of this codebase uses for command handling.
type CommandType int

const (
	CmdAddNode CommandType = iota
	CmdRemoveNode
	CmdAssignSlotRange
	CmdUnassignSlotRange
	CmdSetSlotState
	CmdSetReplica
	CmdClearReplica
	CmdSetNodeStatus
	CmdBumpConfigEpoch
)

// Command is the gob-encoded payload carried by every MetaRaft log entry.
// Only the fields relevant to Type are populated; Apply dispatches on
// Type alone.
type Command struct {
	Type CommandType

	// AddNode / RemoveNode / SetNodeStatus
	NodeID      string
	Addr        string
	ClusterPort int
	Role        NodeRole
	MasterOf    string
	Status      NodeStatus
	DataGroupID uint64

	// AssignSlotRange / UnassignSlotRange / SetSlotState
	FromSlot  int
	ToSlot    int
	OwnerNode string
	Slot      int
	NewState  SlotState

	// SetReplica / ClearReplica
	Replica string
	Master  string

	// BumpConfigEpoch
	TargetNode string
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
