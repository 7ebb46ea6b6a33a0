package raft

// Transport sends the three Raft RPCs to a named peer. Implementations
// live outside this package: internal/rafttransport for real
// inter-process traffic, internal/raft/rafttest for in-memory simulation.
type Transport interface {
	RequestVote(target string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(target string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(target string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// WAL is the durable persistence surface a group's log needs: the
// (currentTerm, votedFor, log) triple must be fsynced before any RPC reply
// that depends on it, per spec.md's Persistence contract.
type WAL interface {
	Save(state *PersistentState) error
	Load() (*PersistentState, error)
	SaveSnapshot(snapshot *Snapshot) error
	LoadSnapshot() (*Snapshot, error)
	Size() (int64, error)
	Close() error
}

// StateMachine is the apply-side surface a Raft group drives. Index order
// and exactly-once delivery are guaranteed by the apply loop; the state
// machine itself must be deterministic (metastate.Machine, datastate.Machine).
type StateMachine interface {
	Apply(index uint64, command []byte) []byte
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
