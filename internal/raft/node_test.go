package raft_test

import (
	"context"
	"testing"
	"time"

	"github.com/aikv/aikv/internal/raft/rafttest"
)

func TestClusterElectsLeader(t *testing.T) {
	cluster := rafttest.NewCluster(1, 3)
	defer cluster.Stop()
	cluster.Start()

	leader, err := cluster.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("no leader elected: %v", err)
	}
	if leader == nil {
		t.Fatal("expected a non-nil leader")
	}
}

func TestCommandReplicatesToAllNodes(t *testing.T) {
	cluster := rafttest.NewCluster(1, 3)
	defer cluster.Stop()
	cluster.Start()

	if _, err := cluster.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("no leader elected: %v", err)
	}

	if err := cluster.SubmitCommand([]byte("hello"), 3*time.Second); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		allCaughtUp := true
		for _, m := range cluster.Machines {
			applied := m.Applied()
			if len(applied) != 1 || string(applied[0]) != "hello" {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("command did not replicate to all nodes in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLeaderLosesLeadershipAfterPartition(t *testing.T) {
	cluster := rafttest.NewCluster(1, 3)
	defer cluster.Stop()
	cluster.Start()

	leader, err := cluster.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("no leader elected: %v", err)
	}

	cluster.Transport.Partition(leader.ID())
	time.Sleep(1 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for {
		newLeader := cluster.Leader()
		if newLeader != nil && newLeader.ID() != leader.ID() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no new leader elected after partitioning old leader")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNonLeaderRejectsReadIndex(t *testing.T) {
	cluster := rafttest.NewCluster(1, 3)
	defer cluster.Stop()
	cluster.Start()

	leader, err := cluster.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("no leader elected: %v", err)
	}

	for _, n := range cluster.Nodes {
		if n.ID() == leader.ID() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := n.ReadIndex(ctx)
		cancel()
		if err == nil {
			t.Fatalf("expected non-leader %s to reject ReadIndex", n.ID())
		}
	}
}

func TestAddLearnerThenPromote(t *testing.T) {
	cluster := rafttest.NewCluster(1, 3)
	defer cluster.Stop()
	cluster.Start()

	leader, err := cluster.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("no leader elected: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := leader.AddLearner(ctx, "node-3"); err != nil {
		t.Fatalf("AddLearner failed: %v", err)
	}

	cfg := leader.Configuration()
	found := false
	for _, l := range cfg.Learners {
		if l == "node-3" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected node-3 to appear as a learner")
	}

	if leader.VoterCount() != 3 {
		t.Fatalf("expected voter count to remain 3 before promotion, got %d", leader.VoterCount())
	}

	if err := leader.PromoteLearner(ctx, "node-3"); err != nil {
		t.Fatalf("PromoteLearner failed: %v", err)
	}
	if leader.VoterCount() != 4 {
		t.Fatalf("expected voter count 4 after promotion, got %d", leader.VoterCount())
	}
}

// TestCommittedEntriesSatisfySafety exercises spec.md §8 property 1:
// every node's committed entries must agree with every other node's at
// the same index.
func TestCommittedEntriesSatisfySafety(t *testing.T) {
	cluster := rafttest.NewCluster(1, 3)
	defer cluster.Stop()
	cluster.Start()

	if _, err := cluster.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("no leader elected: %v", err)
	}

	for _, cmd := range []string{"a", "b", "c"} {
		if err := cluster.SubmitCommand([]byte(cmd), 3*time.Second); err != nil {
			t.Fatalf("submit %q failed: %v", cmd, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		allCaughtUp := true
		for _, m := range cluster.Machines {
			if len(m.Applied()) != 3 {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("commands did not replicate to all nodes in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if violations := rafttest.CheckSafety(cluster.Nodes); len(violations) != 0 {
		t.Fatalf("safety violations: %+v", violations)
	}
}
