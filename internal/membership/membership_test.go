package membership_test

import (
	"context"
	"testing"

	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/membership"
	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/raft"
	"github.com/aikv/aikv/internal/wire"
)

// fakeMetaRaft is a membership.MetaRaft backed by a real metastate.Machine
// for SubmitWithResult, with in-memory voter/learner/caught-up bookkeeping
// standing in for the real raft.Node's membership-change machinery.
type fakeMetaRaft struct {
	localID  string
	machine  *metastate.Machine
	idx      uint64
	voters   []string
	learners []string
	caughtUp map[string]bool
}

func newFakeMetaRaft(localID string, machine *metastate.Machine, voters ...string) *fakeMetaRaft {
	return &fakeMetaRaft{
		localID:  localID,
		machine:  machine,
		voters:   append([]string{}, voters...),
		caughtUp: make(map[string]bool),
	}
}

func (f *fakeMetaRaft) SubmitWithResult(ctx context.Context, command []byte) (raft.CommitResult, error) {
	f.idx++
	resp := f.machine.Apply(f.idx, command)
	return raft.CommitResult{Index: f.idx, Response: resp}, nil
}

func (f *fakeMetaRaft) AddLearner(ctx context.Context, id string) error {
	f.learners = append(f.learners, id)
	return nil
}

// markCaughtUp simulates the learner's log catching up to the commit
// index (raft.PromotionWindow), the precondition PromoteLearner checks.
func (f *fakeMetaRaft) markCaughtUp(id string) { f.caughtUp[id] = true }

func (f *fakeMetaRaft) PromoteLearner(ctx context.Context, id string) error {
	if !f.caughtUp[id] {
		return raft.ErrNotCaughtUp
	}
	for i, l := range f.learners {
		if l == id {
			f.learners = append(f.learners[:i], f.learners[i+1:]...)
			break
		}
	}
	f.voters = append(f.voters, id)
	return nil
}

func (f *fakeMetaRaft) RemoveVoter(ctx context.Context, id string) error {
	for i, v := range f.voters {
		if v == id {
			f.voters = append(f.voters[:i], f.voters[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeMetaRaft) IsLeader() bool   { return true }
func (f *fakeMetaRaft) LeaderID() string { return f.localID }

func (f *fakeMetaRaft) Configuration() raft.Configuration {
	return raft.Configuration{Voters: append([]string{}, f.voters...), Learners: append([]string{}, f.learners...)}
}

func noGroups(groupID uint64) (*datastate.Machine, bool) { return nil, false }

func apply(t *testing.T, m *metastate.Machine, idx *uint64, cmd metastate.Command) metastate.Response {
	t.Helper()
	*idx++
	payload, err := metastate.Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := metastate.DecodeResponse(m.Apply(*idx, payload))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("apply %+v failed: %s", cmd, resp.Err)
	}
	return resp
}

// TestAddLearnerPromoteRequiresCatchUp exercises spec.md §8 S5: a freshly
// added learner cannot be promoted until it has caught up, and the
// MetaRaft MEMBERS view reflects voter/learner status throughout.
func TestAddLearnerPromoteRequiresCatchUp(t *testing.T) {
	meta := metastate.NewMachine(1)
	var idx uint64
	apply(t, meta, &idx, metastate.Command{Type: metastate.CmdAddNode, NodeID: "n1", Addr: "10.0.0.1:6379", Role: metastate.RoleMaster, DataGroupID: 1})

	raftFake := newFakeMetaRaft("n1", meta, "n1")
	ctrl := membership.New("n1", "10.0.0.1:6379", raftFake, meta, 1, noGroups)
	ctx := context.Background()

	reply := ctrl.Handle(ctx, []string{"METARAFT", "ADDLEARNER", "n2", "10.0.0.2:6379"})
	if reply.Kind != wire.ReplySimpleString || reply.Str != "OK" {
		t.Fatalf("ADDLEARNER failed: %+v", reply)
	}

	members := ctrl.Handle(ctx, []string{"METARAFT", "MEMBERS"})
	if len(members.Array) != 2 {
		t.Fatalf("expected 2 members after ADDLEARNER, got %+v", members)
	}
	foundLearner := false
	for _, item := range members.Array {
		if string(item.Array[0].Bulk) == "n2" && item.Array[1].Str == "learner" {
			foundLearner = true
		}
	}
	if !foundLearner {
		t.Fatalf("expected n2 listed as learner, got %+v", members)
	}

	reply = ctrl.Handle(ctx, []string{"METARAFT", "PROMOTE", "n2"})
	if reply.Kind != wire.ReplyError || reply.Str != "InProgress learner has not caught up" {
		t.Fatalf("expected promote-before-caught-up to fail, got %+v", reply)
	}

	raftFake.markCaughtUp("n2")
	reply = ctrl.Handle(ctx, []string{"METARAFT", "PROMOTE", "n2"})
	if reply.Kind != wire.ReplySimpleString || reply.Str != "OK" {
		t.Fatalf("expected promote after catch-up to succeed, got %+v", reply)
	}

	members = ctrl.Handle(ctx, []string{"METARAFT", "MEMBERS"})
	votersSeen := 0
	for _, item := range members.Array {
		if item.Array[1].Str == "voter" {
			votersSeen++
		}
	}
	if votersSeen != 2 {
		t.Fatalf("expected 2 voters after promotion, got %+v", members)
	}
}

// TestFailoverTakeoverReassignsSlotsAndBumpsEpoch exercises spec.md §8 S6:
// CLUSTER FAILOVER TAKEOVER on a replica whose master has gone dark
// flips it to master, reassigns the former master's owned slot ranges to
// itself, and strictly bumps config_epoch (invariant 4).
func TestFailoverTakeoverReassignsSlotsAndBumpsEpoch(t *testing.T) {
	meta := metastate.NewMachine(1)
	var idx uint64
	apply(t, meta, &idx, metastate.Command{Type: metastate.CmdAddNode, NodeID: "master1", Addr: "10.0.0.1:6379", Role: metastate.RoleMaster, DataGroupID: 1})
	apply(t, meta, &idx, metastate.Command{Type: metastate.CmdAddNode, NodeID: "replica1", Addr: "10.0.0.2:6379", Role: metastate.RoleMaster, DataGroupID: 1})
	apply(t, meta, &idx, metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 16383, OwnerNode: "master1"})
	apply(t, meta, &idx, metastate.Command{Type: metastate.CmdSetReplica, Replica: "replica1", Master: "master1"})

	startEpoch := meta.GetClusterMeta().ConfigEpoch

	raftFake := newFakeMetaRaft("replica1", meta, "master1", "replica1")
	ctrl := membership.New("replica1", "10.0.0.2:6379", raftFake, meta, 1, noGroups)
	ctx := context.Background()

	reply := ctrl.Handle(ctx, []string{"FAILOVER", "TAKEOVER"})
	if reply.Kind != wire.ReplySimpleString || reply.Str != "OK" {
		t.Fatalf("FAILOVER TAKEOVER failed: %+v", reply)
	}

	view := meta.GetClusterMeta()
	self := view.Nodes["replica1"]
	if self.Role != metastate.RoleMaster {
		t.Fatalf("expected replica1 to become master, got role %v", self.Role)
	}
	if owner := view.OwnerOf(0); owner != "replica1" {
		t.Fatalf("expected replica1 to own slot 0 after takeover, got %q", owner)
	}
	if owner := view.OwnerOf(16383); owner != "replica1" {
		t.Fatalf("expected replica1 to own slot 16383 after takeover, got %q", owner)
	}
	if view.ConfigEpoch <= startEpoch {
		t.Fatalf("expected config_epoch to strictly increase, start=%d end=%d", startEpoch, view.ConfigEpoch)
	}
}

// TestFailoverTakeoverRejectsNonReplica covers the guard: a node that is
// not currently a replica of anything cannot TAKEOVER.
func TestFailoverTakeoverRejectsNonReplica(t *testing.T) {
	meta := metastate.NewMachine(1)
	var idx uint64
	apply(t, meta, &idx, metastate.Command{Type: metastate.CmdAddNode, NodeID: "master1", Addr: "10.0.0.1:6379", Role: metastate.RoleMaster, DataGroupID: 1})

	raftFake := newFakeMetaRaft("master1", meta, "master1")
	ctrl := membership.New("master1", "10.0.0.1:6379", raftFake, meta, 1, noGroups)

	reply := ctrl.Handle(context.Background(), []string{"FAILOVER", "TAKEOVER"})
	if reply.Kind != wire.ReplyError || reply.Str != "ERR this node is not a replica" {
		t.Fatalf("expected rejection for non-replica takeover, got %+v", reply)
	}
}
