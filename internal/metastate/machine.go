package metastate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"
)

// Response is the gob-encoded result of applying one Command, returned to
// the proposer through raft.CommitResult.Response.
type Response struct {
	OK  bool
	Err string
}

func encodeResponse(r Response) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

// DecodeResponse reverses encodeResponse, for callers that proposed a
// Command and want to inspect the outcome.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}

// persistedState is the gob shape used by Snapshot/Restore; it excludes
// the atomic view pointer, which is derived.
type persistedState struct {
	ConfigEpoch uint64
	Nodes       map[string]NodeInfo
	SlotOwner   [NumSlots]string
	SlotState   [NumSlots]SlotState
	NumGroups   uint64
}

// Machine is the MetaRaft state machine: group 0's Apply target. It
// satisfies raft.StateMachine. Every mutation publishes a fresh,
// immutable *ClusterView atomically so readers never observe a
// partially-applied map (spec §5, "the cluster view ... published as an
// immutable snapshot on every MetaRaft apply").
type Machine struct {
	mu sync.Mutex // serializes Apply, Snapshot and Restore; the apply loop
	// already serializes Apply, but Snapshot/Restore also take it.

	configEpoch uint64
	nodes       map[string]NodeInfo
	slotOwner   [NumSlots]string
	slotState   [NumSlots]SlotState
	numGroups   uint64

	view atomic.Pointer[ClusterView]
}

// NewMachine returns an empty cluster map for a cluster bootstrapped with
// numGroups data groups.
func NewMachine(numGroups uint64) *Machine {
	m := &Machine{
		nodes:     make(map[string]NodeInfo),
		numGroups: numGroups,
	}
	m.publish(0)
	return m
}

// GetClusterMeta returns the most recently published view. It never
// blocks on Apply.
func (m *Machine) GetClusterMeta() *ClusterView {
	return m.view.Load()
}

// Apply implements raft.StateMachine.
func (m *Machine) Apply(index uint64, command []byte) []byte {
	cmd, err := Decode(command)
	if err != nil {
		return encodeResponse(Response{OK: false, Err: fmt.Sprintf("decode: %v", err)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resp := m.apply(cmd)
	m.publish(index)
	return encodeResponse(resp)
}

func (m *Machine) apply(cmd Command) Response {
	switch cmd.Type {
	case CmdAddNode:
		m.nodes[cmd.NodeID] = NodeInfo{
			ID:          cmd.NodeID,
			Addr:        cmd.Addr,
			ClusterPort: cmd.ClusterPort,
			Role:        cmd.Role,
			MasterOf:    cmd.MasterOf,
			Status:      StatusOnline,
			Epoch:       m.configEpoch,
			DataGroupID: cmd.DataGroupID,
		}
		return Response{OK: true}

	case CmdRemoveNode:
		delete(m.nodes, cmd.NodeID)
		return Response{OK: true}

	case CmdAssignSlotRange:
		for s := cmd.FromSlot; s <= cmd.ToSlot; s++ {
			existing := m.slotOwner[s]
			// A slot Migrating to OwnerNode may be handed over: that is the
			// migration coordinator's ownership flip.
			handover := m.slotState[s].Kind == SlotMigrating && m.slotState[s].To == cmd.OwnerNode
			if existing != "" && existing != cmd.OwnerNode && !handover {
				return Response{OK: false, Err: fmt.Sprintf("slot %d already owned by %s", s, existing)}
			}
		}
		for s := cmd.FromSlot; s <= cmd.ToSlot; s++ {
			m.slotOwner[s] = cmd.OwnerNode
			m.slotState[s] = SlotState{Kind: SlotStable}
		}
		m.bumpConfigEpoch(cmd.OwnerNode)
		return Response{OK: true}

	case CmdUnassignSlotRange:
		for s := cmd.FromSlot; s <= cmd.ToSlot; s++ {
			m.slotOwner[s] = ""
			m.slotState[s] = SlotState{Kind: SlotStable}
		}
		m.bumpConfigEpoch("")
		return Response{OK: true}

	case CmdSetSlotState:
		if cmd.Slot < 0 || cmd.Slot >= NumSlots {
			return Response{OK: false, Err: "slot out of range"}
		}
		m.slotState[cmd.Slot] = cmd.NewState
		return Response{OK: true}

	case CmdSetReplica:
		n, ok := m.nodes[cmd.Replica]
		if !ok {
			return Response{OK: false, Err: "unknown replica node"}
		}
		n.Role = RoleReplica
		n.MasterOf = cmd.Master
		m.nodes[cmd.Replica] = n
		// Invariant 4: config_epoch strictly increases on every
		// committed mutation of nodes[*].role, and a plain REPLICATE is
		// exactly that.
		m.bumpConfigEpoch(cmd.Replica)
		return Response{OK: true}

	case CmdClearReplica:
		n, ok := m.nodes[cmd.Replica]
		if !ok {
			return Response{OK: false, Err: "unknown replica node"}
		}
		n.MasterOf = ""
		m.nodes[cmd.Replica] = n
		return Response{OK: true}

	case CmdSetNodeStatus:
		n, ok := m.nodes[cmd.NodeID]
		if !ok {
			return Response{OK: false, Err: "unknown node"}
		}
		n.Status = cmd.Status
		m.nodes[cmd.NodeID] = n
		return Response{OK: true}

	case CmdBumpConfigEpoch:
		m.bumpConfigEpoch(cmd.TargetNode)
		return Response{OK: true}

	default:
		return Response{OK: false, Err: "unknown command type"}
	}
}

// bumpConfigEpoch enforces invariant 4: config_epoch strictly increases
// on every committed mutation of slot_owner or nodes[*].role. node may be
// empty (e.g. on unassign).
func (m *Machine) bumpConfigEpoch(node string) {
	m.configEpoch++
	if node != "" {
		if n, ok := m.nodes[node]; ok {
			n.Epoch = m.configEpoch
			m.nodes[node] = n
		}
	}
}

func (m *Machine) publish(index uint64) {
	nodesCopy := make(map[string]NodeInfo, len(m.nodes))
	for k, v := range m.nodes {
		nodesCopy[k] = v
	}
	view := &ClusterView{
		AppliedIndex: index,
		ConfigEpoch:  m.configEpoch,
		Nodes:        nodesCopy,
		SlotOwner:    m.slotOwner,
		SlotState:    m.slotState,
		NumGroups:    m.numGroups,
	}
	m.view.Store(view)
}

// Snapshot implements raft.StateMachine.
func (m *Machine) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := persistedState{
		ConfigEpoch: m.configEpoch,
		Nodes:       m.nodes,
		SlotOwner:   m.slotOwner,
		SlotState:   m.slotState,
		NumGroups:   m.numGroups,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore implements raft.StateMachine.
func (m *Machine) Restore(data []byte) error {
	var state persistedState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.configEpoch = state.ConfigEpoch
	m.nodes = state.Nodes
	if m.nodes == nil {
		m.nodes = make(map[string]NodeInfo)
	}
	m.slotOwner = state.SlotOwner
	m.slotState = state.SlotState
	m.numGroups = state.NumGroups
	m.publish(0)
	return nil
}
