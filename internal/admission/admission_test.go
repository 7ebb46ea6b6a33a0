package admission_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aikv/aikv/internal/admission"
	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/router"
	"github.com/aikv/aikv/internal/storage/memengine"
	"github.com/aikv/aikv/internal/wire"
)

// fakeGroup is a minimal admission.DataGroup backed directly by a
// datastate.Machine: Propose applies straight to the machine, as if this
// node were always the immediately-committed raft leader of the group,
// matching the in-process fakes the rest of this codebase's tests use
// (cf. internal/server/datagroup_test.go's memWAL).
type fakeGroup struct {
	id      uint64
	machine *datastate.Machine
	idx     uint64
	leader  bool
	hint    string
}

func newFakeGroup(id uint64) *fakeGroup {
	return &fakeGroup{id: id, machine: datastate.NewMachine(memengine.New()), leader: true}
}

func (g *fakeGroup) GroupID() uint64    { return g.id }
func (g *fakeGroup) IsLeader() bool     { return g.leader }
func (g *fakeGroup) LeaderHint() string { return g.hint }

func (g *fakeGroup) Propose(ctx context.Context, cmd datastate.Command) (datastate.Response, error) {
	if !g.leader {
		return datastate.Response{}, fmt.Errorf("fakeGroup: not leader")
	}
	g.idx++
	encoded, err := datastate.Encode(cmd)
	if err != nil {
		return datastate.Response{}, err
	}
	return datastate.DecodeResponse(g.machine.Apply(g.idx, encoded))
}

func (g *fakeGroup) Get(key string) ([]byte, bool, error)        { return g.machine.Get(key) }
func (g *fakeGroup) TypeOf(key string) (datastate.TypeTag, bool) { return g.machine.TypeOf(key) }
func (g *fakeGroup) HasKey(key string) bool                      { return g.machine.HasKey(key) }

type fakeDirectory map[uint64]admission.DataGroup

func (d fakeDirectory) Group(id uint64) (admission.DataGroup, bool) {
	g, ok := d[id]
	return g, ok
}

type noopMembership struct{}

func (noopMembership) Handle(ctx context.Context, args []string) wire.Reply {
	return wire.Err("ERR CLUSTER subcommand not exercised by this test")
}

// bootstrapThreeMasterCluster reproduces spec.md §8 S3's fixture: three
// masters owning slot ranges 0-5460 / 5461-10922 / 10923-16383, each
// leading the data group matching the spec's static group_of mapping.
func bootstrapThreeMasterCluster(t *testing.T) *metastate.Machine {
	t.Helper()
	m := metastate.NewMachine(3)
	idx := uint64(0)
	apply := func(cmd metastate.Command) metastate.Response {
		idx++
		payload, err := metastate.Encode(cmd)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		resp, err := metastate.DecodeResponse(m.Apply(idx, payload))
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !resp.OK {
			t.Fatalf("apply %+v failed: %s", cmd, resp.Err)
		}
		return resp
	}

	apply(metastate.Command{Type: metastate.CmdAddNode, NodeID: "node1", Addr: "10.0.0.1:6379", Role: metastate.RoleMaster, DataGroupID: 1})
	apply(metastate.Command{Type: metastate.CmdAddNode, NodeID: "node2", Addr: "10.0.0.2:6379", Role: metastate.RoleMaster, DataGroupID: 2})
	apply(metastate.Command{Type: metastate.CmdAddNode, NodeID: "node3", Addr: "10.0.0.3:6379", Role: metastate.RoleMaster, DataGroupID: 3})
	apply(metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 5460, OwnerNode: "node1"})
	apply(metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 5461, ToSlot: 10922, OwnerNode: "node2"})
	apply(metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 10923, ToSlot: 16383, OwnerNode: "node3"})
	return m
}

// TestCrossSlotRejection exercises spec.md §8 S2: MSET over keys that
// don't share a slot is rejected before any group is ever consulted.
func TestCrossSlotRejection(t *testing.T) {
	meta := bootstrapThreeMasterCluster(t)
	r := router.New(meta)
	layer := admission.New("node1", r, fakeDirectory{}, noopMembership{})

	reply := layer.Execute(context.Background(), wire.Command{Name: "MSET", Args: []string{"a", "1", "b", "2"}})
	if reply.Kind != wire.ReplyError {
		t.Fatalf("expected an error reply, got %+v", reply)
	}
	want := "CROSSSLOT Keys in request don't hash to the same slot"
	if reply.Str != want {
		t.Fatalf("reply = %q, want %q", reply.Str, want)
	}
}

// TestRedirectMovedToOwningNode exercises spec.md §8 S3: a node that
// does not own a key's slot returns MOVED to whichever node does.
func TestRedirectMovedToOwningNode(t *testing.T) {
	meta := bootstrapThreeMasterCluster(t)
	r := router.New(meta)
	// node1 only hosts its own group; it never owns slot(foo)=12182.
	groups := fakeDirectory{1: newFakeGroup(1)}
	layer := admission.New("node1", r, groups, noopMembership{})

	reply := layer.Execute(context.Background(), wire.Command{Name: "SET", Args: []string{"foo", "bar"}})
	if reply.Kind != wire.ReplyError {
		t.Fatalf("expected MOVED error reply, got %+v", reply)
	}
	want := "MOVED 12182 10.0.0.3:6379"
	if reply.Str != want {
		t.Fatalf("reply = %q, want %q", reply.Str, want)
	}
}

// TestMigrationMidFlightAskThenMoved exercises spec.md §8 S4 end to end:
// a key served locally while its slot is Migrating, ASK once it has been
// copied away, served on the destination after ASKING, and MOVED once
// the migration finalizes.
func TestMigrationMidFlightAskThenMoved(t *testing.T) {
	meta := bootstrapThreeMasterCluster(t)
	r := router.New(meta)

	sourceGroup := newFakeGroup(3) // node3 leads group 3, which owns slot 12182
	// node2's own locally-hosted copy of group 3's data, already primed
	// as the migration destination ahead of the ownership flip.
	destGroup := newFakeGroup(3)

	node3Layer := admission.New("node3", r, fakeDirectory{3: sourceGroup}, noopMembership{})
	node2Layer := admission.New("node2", r, fakeDirectory{3: destGroup}, noopMembership{})

	ctx := context.Background()
	if resp, err := sourceGroup.Propose(ctx, datastate.Command{Type: datastate.CmdSet, Key: "foo", Value: []byte("bar")}); err != nil || !resp.OK {
		t.Fatalf("seed SET foo failed: resp=%+v err=%v", resp, err)
	}

	idx := uint64(10)
	applyMeta := func(cmd metastate.Command) {
		idx++
		payload, err := metastate.Encode(cmd)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		resp, err := metastate.DecodeResponse(meta.Apply(idx, payload))
		if err != nil || !resp.OK {
			t.Fatalf("apply %+v failed: resp=%+v err=%v", cmd, resp, err)
		}
	}

	// Mark slot 12182 Migrating to node2.
	applyMeta(metastate.Command{
		Type: metastate.CmdSetSlotState, Slot: 12182,
		NewState: metastate.SlotState{Kind: metastate.SlotMigrating, To: "node2"},
	})

	// Before the key has been copied, node3 still serves it locally.
	reply := node3Layer.Execute(ctx, wire.Command{Name: "GET", Args: []string{"foo"}})
	if reply.Kind != wire.ReplyBulkString || string(reply.Bulk) != "bar" {
		t.Fatalf("expected node3 to serve foo locally mid-migration, got %+v", reply)
	}

	// The coordinator has copied the key to the destination and deleted
	// it locally on the source.
	if resp, err := destGroup.Propose(ctx, datastate.Command{Type: datastate.CmdSet, Key: "foo", Value: []byte("bar")}); err != nil || !resp.OK {
		t.Fatalf("import foo into destination failed: resp=%+v err=%v", resp, err)
	}
	if resp, err := sourceGroup.Propose(ctx, datastate.Command{Type: datastate.CmdDel, Key: "foo"}); err != nil || !resp.OK {
		t.Fatalf("delete copied foo on source failed: resp=%+v err=%v", resp, err)
	}

	// Now node3 redirects with ASK to the destination.
	reply = node3Layer.Execute(ctx, wire.Command{Name: "GET", Args: []string{"foo"}})
	if reply.Kind != wire.ReplyError || reply.Str != "ASK 12182 10.0.0.2:6379" {
		t.Fatalf("expected ASK to node2, got %+v", reply)
	}

	// A client that sends ASKING then GET to node2 gets served.
	reply = node2Layer.Execute(ctx, wire.Command{Name: "GET", Args: []string{"foo"}, Asking: true})
	if reply.Kind != wire.ReplyBulkString || string(reply.Bulk) != "bar" {
		t.Fatalf("expected node2 to serve foo after ASKING, got %+v", reply)
	}

	// Finalize: ownership flips to node2 and the slot goes stable again.
	applyMeta(metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 12182, ToSlot: 12182, OwnerNode: "node2"})
	applyMeta(metastate.Command{Type: metastate.CmdSetSlotState, Slot: 12182, NewState: metastate.SlotState{Kind: metastate.SlotStable}})

	reply = node3Layer.Execute(ctx, wire.Command{Name: "GET", Args: []string{"foo"}})
	if reply.Kind != wire.ReplyError || reply.Str != "MOVED 12182 10.0.0.2:6379" {
		t.Fatalf("expected MOVED to node2 after finalize, got %+v", reply)
	}
}
