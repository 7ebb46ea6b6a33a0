// Package metastate implements the application state machine attached to
// the MetaRaft group: the authoritative cluster map (nodes, slot
// ownership, slot migration state, replication topology) plus the
// commands that mutate it.
package metastate

import "fmt"

const NumSlots = 16384

// NodeRole distinguishes a master (owns slots, accepts writes) from a
// replica (follows a master, optionally serves reads in READONLY mode).
type NodeRole int

const (
	RoleMaster NodeRole = iota
	RoleReplica
)

func (r NodeRole) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "master"
}

// NodeStatus tracks liveness as observed by the cluster bus.
type NodeStatus int

const (
	StatusOnline NodeStatus = iota
	StatusPossiblyFailing
	StatusFailed
)

func (s NodeStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusPossiblyFailing:
		return "possibly_failing"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeInfo is one entry of ClusterMap.Nodes.
type NodeInfo struct {
	ID          string
	Addr        string
	ClusterPort int
	Role        NodeRole
	MasterOf    string // non-empty only when Role == RoleReplica
	Status      NodeStatus
	Epoch       uint64
	// DataGroupID is the data group this node leads when Role ==
	// RoleMaster. group_of(slot) (spec §4.4) gives a slot's bootstrap-time
	// home group; at runtime the router resolves a slot's actual serving
	// group through the owning node's DataGroupID, since migration moves
	// authoritative ownership between nodes (and therefore between
	// groups) without changing group_of's static mapping.
	DataGroupID uint64
}

// SlotState distinguishes a stable slot from one in the middle of a
// migration.
type SlotStateKind int

const (
	SlotStable SlotStateKind = iota
	SlotMigrating
	SlotImporting
)

// SlotState is the per-slot migration state. To/From is meaningful only
// for the matching Kind.
type SlotState struct {
	Kind SlotStateKind
	To   string // Migrating: destination node id
	From string // Importing: source node id
}

func (s SlotState) String() string {
	switch s.Kind {
	case SlotMigrating:
		return fmt.Sprintf("migrating->%s", s.To)
	case SlotImporting:
		return fmt.Sprintf("importing<-%s", s.From)
	default:
		return "stable"
	}
}

// ClusterView is an immutable, published-by-value snapshot of the
// ClusterMap as of some applied index. Every reader (router, admission
// layer, CLUSTER INFO/NODES/SLOTS handlers) works off one of these; none
// of them ever sees a partially-mutated map.
type ClusterView struct {
	AppliedIndex uint64
	ConfigEpoch  uint64
	Nodes        map[string]NodeInfo
	SlotOwner    [NumSlots]string // "" means Unassigned
	SlotState    [NumSlots]SlotState
	NumGroups    uint64
}

// GroupOf implements the spec's static slot-to-group mapping.
func GroupOf(slot int, numGroups uint64) uint64 {
	if numGroups == 0 {
		return 0
	}
	return 1 + uint64(slot)*numGroups/NumSlots
}

// OwnerOf returns the node id owning slot, or "" if unassigned.
func (v *ClusterView) OwnerOf(slot int) string {
	if slot < 0 || slot >= NumSlots {
		return ""
	}
	return v.SlotOwner[slot]
}

// OwnerAddr resolves a node id to its client-facing address, or "" if unknown.
func (v *ClusterView) OwnerAddr(nodeID string) string {
	if n, ok := v.Nodes[nodeID]; ok {
		return n.Addr
	}
	return ""
}
