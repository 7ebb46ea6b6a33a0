// Package rafttest provides an in-memory raft.Transport for exercising a
// group's election, replication, and membership-change logic without
// sockets, plus a small single-group cluster harness.
package rafttest

import (
	"sync"
	"time"

	"github.com/aikv/aikv/internal/raft"
)

// LocalTransport dispatches RPCs directly to registered Node handlers.
// Each group under test gets its own LocalTransport since a node's
// per-peer Disconnect/Partition state is scoped to one group.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[string]*raft.Node
	disabled map[string]map[string]bool
	latency  time.Duration
}

// NewLocalTransport returns an empty transport; use Register to add peers.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[string]*raft.Node),
		disabled: make(map[string]map[string]bool),
	}
}

// Register attaches a node under id so RPCs addressed to id reach it.
func (t *LocalTransport) Register(id string, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// SetLatency injects a fixed delay before every RPC delivery, useful for
// exercising election-timeout races.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect makes RPCs sent from "from" to "to" fail, one-directionally.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect reverses a prior Disconnect.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates nodeID from every other registered node in both
// directions, simulating a network split.
func (t *LocalTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id == nodeID {
			continue
		}
		if t.disabled[nodeID] == nil {
			t.disabled[nodeID] = make(map[string]bool)
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		t.disabled[nodeID][id] = true
		t.disabled[id][nodeID] = true
	}
}

// Heal removes every disconnect involving nodeID.
func (t *LocalTransport) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[nodeID] = make(map[string]bool)
	for id := range t.disabled {
		delete(t.disabled[id], nodeID)
	}
}

// HealAll clears every disconnect in the transport.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *LocalTransport) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *LocalTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.CandidateID, target)
	latency := t.latency
	t.mu.RUnlock()
	if !ok || !connected {
		return nil, raft.ErrUnreachable
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node.HandleRequestVote(args), nil
}

func (t *LocalTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.LeaderID, target)
	latency := t.latency
	t.mu.RUnlock()
	if !ok || !connected {
		return nil, raft.ErrUnreachable
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node.HandleAppendEntries(args), nil
}

func (t *LocalTransport) InstallSnapshot(target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.LeaderID, target)
	latency := t.latency
	t.mu.RUnlock()
	if !ok || !connected {
		return nil, raft.ErrUnreachable
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node.HandleInstallSnapshot(args), nil
}
