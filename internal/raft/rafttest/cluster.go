package rafttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aikv/aikv/internal/raft"
)

// memWAL is a throwaway, non-persistent WAL used only by test clusters;
// it keeps rafttest free of a dependency on the real on-disk WAL package.
type memWAL struct {
	mu    sync.Mutex
	state *raft.PersistentState
	snap  *raft.Snapshot
}

func newMemWAL() *memWAL { return &memWAL{} }

func (w *memWAL) Save(state *raft.PersistentState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *state
	w.state = &cp
	return nil
}

func (w *memWAL) Load() (*raft.PersistentState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, nil
}

func (w *memWAL) SaveSnapshot(snap *raft.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *snap
	w.snap = &cp
	return nil
}

func (w *memWAL) LoadSnapshot() (*raft.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap, nil
}

func (w *memWAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == nil {
		return 0, nil
	}
	return int64(len(w.state.Log)), nil
}

func (w *memWAL) Close() error { return nil }

// EchoStateMachine is a minimal StateMachine that records every applied
// command verbatim, for tests that only care about replication and
// leader-election behavior rather than a real datastate/metastate engine.
type EchoStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
}

func NewEchoStateMachine() *EchoStateMachine { return &EchoStateMachine{} }

func (e *EchoStateMachine) Apply(index uint64, command []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := append([]byte(nil), command...)
	e.applied = append(e.applied, cp)
	return cp
}

func (e *EchoStateMachine) Applied() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.applied))
	copy(out, e.applied)
	return out
}

func (e *EchoStateMachine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var buf []byte
	for _, cmd := range e.applied {
		buf = append(buf, cmd...)
		buf = append(buf, 0)
	}
	return buf, nil
}

func (e *EchoStateMachine) Restore(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = nil
	start := 0
	for i, b := range data {
		if b == 0 {
			e.applied = append(e.applied, append([]byte(nil), data[start:i]...))
			start = i + 1
		}
	}
	return nil
}

// Cluster is a group of Nodes sharing one LocalTransport, for exercising
// election, replication, and membership-change behavior end to end.
type Cluster struct {
	Nodes     []*raft.Node
	Machines  []*EchoStateMachine
	Transport *LocalTransport
	nodeIDs   []string
}

// NewCluster builds a size-node single-group cluster with every node a
// founding voter.
func NewCluster(groupID uint64, size int) *Cluster {
	transport := NewLocalTransport()

	nodeIDs := make([]string, size)
	for i := 0; i < size; i++ {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	c := &Cluster{
		Transport: transport,
		nodeIDs:   nodeIDs,
	}

	for i := 0; i < size; i++ {
		cfg := raft.Config{
			GroupID:            groupID,
			NodeID:             nodeIDs[i],
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			SnapshotThreshold:  10000,
			ReadIndexTimeout:   2 * time.Second,
		}
		sm := NewEchoStateMachine()
		node := raft.NewNode(cfg, nodeIDs, transport, newMemWAL(), sm, NoopLogger())
		c.Nodes = append(c.Nodes, node)
		c.Machines = append(c.Machines, sm)
		transport.Register(nodeIDs[i], node)
	}

	return c
}

func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
}

// Leader returns the first node currently believing itself leader, or nil.
func (c *Cluster) Leader() *raft.Node {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader polls until a leader emerges or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.Leader(); l != nil {
			return l, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("rafttest: no leader elected within %s", timeout)
}

// SubmitCommand retries against whichever node is leader until it
// commits or timeout elapses.
func (c *Cluster) SubmitCommand(command []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_, err := leader.SubmitWithResult(ctx, command)
		cancel()
		if err == nil {
			return nil
		}
		if err == raft.ErrNotLeader || err == context.DeadlineExceeded {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("rafttest: timed out submitting command")
}
