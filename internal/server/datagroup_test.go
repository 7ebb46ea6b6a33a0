package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/raft"
	"github.com/aikv/aikv/internal/raft/rafttest"
	"github.com/aikv/aikv/internal/storage/memengine"
)

// memWAL is a throwaway, non-persistent raft.WAL for this test only.
type memWAL struct {
	mu    sync.Mutex
	state *raft.PersistentState
}

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
func (w *memWAL) SaveSnapshot(*raft.Snapshot) error     { return nil }
func (w *memWAL) LoadSnapshot() (*raft.Snapshot, error) { return nil, nil }
func (w *memWAL) Size() (int64, error)                  { return 0, nil }
func (w *memWAL) Close() error                          { return nil }

// TestExpirySweepDeletesExpiredKeyWhileLeader exercises the active
// expiration path of spec §4.3: a leader's background sweep proposes DEL
// for a key whose TTL has passed, without any client re-accessing it.
func TestExpirySweepDeletesExpiredKeyWhileLeader(t *testing.T) {
	transport := rafttest.NewLocalTransport()
	machine := datastate.NewMachine(memengine.New())

	cfg := raft.Config{
		GroupID:            1,
		NodeID:             "solo",
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		SnapshotThreshold:  10000,
		ReadIndexTimeout:   time.Second,
	}
	node := raft.NewNode(cfg, []string{"solo"}, transport, &memWAL{}, machine, rafttest.NoopLogger())
	transport.Register("solo", node)
	node.Start()
	defer node.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("node never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}

	g := newDataGroup(node, machine, func(string) string { return "" })
	go g.runExpirySweep()
	defer g.stopExpirySweep()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := g.Propose(ctx, datastate.Command{Type: datastate.CmdSet, Key: "k", Value: []byte("v"), ExpireAt: time.Now().Add(5 * time.Millisecond)})
	cancel()
	if err != nil {
		t.Fatalf("propose SET with TTL failed: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		if !g.HasKey("k") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expiry sweep did not remove expired key in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
