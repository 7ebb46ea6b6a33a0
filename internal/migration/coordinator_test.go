package migration_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/migration"
	"github.com/aikv/aikv/internal/router"
	"github.com/aikv/aikv/internal/storage/memengine"
)

// fakeDataGroup is a migration.DataGroup backed by a real datastate.Machine,
// so copy/delete/import all exercise the real Apply path rather than a mock.
type fakeDataGroup struct {
	id      uint64
	machine *datastate.Machine
	idx     uint64
	leader  bool
}

func newFakeDataGroup(id uint64) *fakeDataGroup {
	return &fakeDataGroup{id: id, machine: datastate.NewMachine(memengine.New()), leader: true}
}

func (g *fakeDataGroup) GroupID() uint64 { return g.id }
func (g *fakeDataGroup) IsLeader() bool  { return g.leader }

func (g *fakeDataGroup) KeysInSlot(slot int) []string {
	return g.machine.KeysInSlot(router.SlotOf, slot)
}

func (g *fakeDataGroup) ExportRaw(key string) ([]byte, bool) { return g.machine.ExportRaw(key) }

func (g *fakeDataGroup) Propose(ctx context.Context, cmd datastate.Command) (datastate.Response, error) {
	g.idx++
	encoded, err := datastate.Encode(cmd)
	if err != nil {
		return datastate.Response{}, err
	}
	return datastate.DecodeResponse(g.machine.Apply(g.idx, encoded))
}

// fakeGroupDirectory is both source and destination's local group
// directory: each node in this test hosts its own fakeDataGroup instance
// for the same groupID, matching how the source and destination sides of
// a real migration run on different processes but the same group id.
type fakeGroupDirectory map[uint64]migration.DataGroup

func (d fakeGroupDirectory) Group(id uint64) (migration.DataGroup, bool) {
	g, ok := d[id]
	return g, ok
}

// fakeMeta wraps a real metastate.Machine so MigrateSlot's
// CmdSetSlotState/CmdAssignSlotRange proposals exercise real apply logic
// (including the config_epoch bump), as if this node were always the
// immediately-committed MetaRaft leader.
type fakeMeta struct {
	machine *metastate.Machine
	idx     uint64
}

func (f *fakeMeta) IsLeader() bool { return true }

func (f *fakeMeta) Propose(ctx context.Context, cmd metastate.Command) (metastate.Response, error) {
	f.idx++
	encoded, err := metastate.Encode(cmd)
	if err != nil {
		return metastate.Response{}, err
	}
	return metastate.DecodeResponse(f.machine.Apply(f.idx, encoded))
}

func (f *fakeMeta) View() *metastate.ClusterView { return f.machine.GetClusterMeta() }

// fakeImporter forwards ImportBatch straight to the destination
// Coordinator's HandleImportBatch, standing in for the real wire RPC a
// node would make to another process.
type fakeImporter struct {
	dest *migration.Coordinator
}

func (f *fakeImporter) ImportBatch(ctx context.Context, addr string, slot int, pairs []migration.KeyValue) error {
	return f.dest.HandleImportBatch(ctx, slot, pairs)
}

func noopLogger() zerolog.Logger { return zerolog.New(io.Discard) }

// bootstrapOneGroupCluster sets up a single data group (id 1) owned
// entirely by "n1", with "n2" present as a known migration destination.
func bootstrapOneGroupCluster(t *testing.T) *metastate.Machine {
	t.Helper()
	m := metastate.NewMachine(1)
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

	apply(metastate.Command{Type: metastate.CmdAddNode, NodeID: "n1", Addr: "10.0.0.1:6379", Role: metastate.RoleMaster, DataGroupID: 1})
	apply(metastate.Command{Type: metastate.CmdAddNode, NodeID: "n2", Addr: "10.0.0.2:6379", Role: metastate.RoleMaster, DataGroupID: 1})
	apply(metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 16383, OwnerNode: "n1"})
	return m
}

// TestMigrateSlotMovesKeyAtomically exercises spec.md §8's migration
// scenario end to end: a key living in slot 12182 ("foo") is migrated
// from n1 to n2 via the atomic CmdImportBatch path, and ownership plus
// config_epoch move with it (invariant 4).
func TestMigrateSlotMovesKeyAtomically(t *testing.T) {
	meta := bootstrapOneGroupCluster(t)
	startEpoch := meta.GetClusterMeta().ConfigEpoch

	sourceGroup := newFakeDataGroup(1)
	destGroup := newFakeDataGroup(1)

	ctx := context.Background()
	if resp, err := sourceGroup.Propose(ctx, datastate.Command{Type: datastate.CmdSet, Key: "foo", Value: []byte("bar")}); err != nil || !resp.OK {
		t.Fatalf("seed SET foo failed: resp=%+v err=%v", resp, err)
	}
	slot := router.SlotOf("foo")
	if slot != 12182 {
		t.Fatalf("expected slot(foo) = 12182, got %d", slot)
	}

	destCoordinator := migration.New("n2", 1, &fakeMeta{machine: meta}, fakeGroupDirectory{1: destGroup}, nil, noopLogger())
	sourceCoordinator := migration.New("n1", 1, &fakeMeta{machine: meta}, fakeGroupDirectory{1: sourceGroup}, &fakeImporter{dest: destCoordinator}, noopLogger())

	if err := sourceCoordinator.MigrateSlot(ctx, slot, "n2"); err != nil {
		t.Fatalf("MigrateSlot failed: %v", err)
	}

	if sourceGroup.machine.HasKey("foo") {
		t.Fatalf("expected foo to be deleted from the source after migration")
	}
	val, ok, err := destGroup.machine.Get("foo")
	if err != nil || !ok || string(val) != "bar" {
		t.Fatalf("expected foo=bar on destination, got val=%q ok=%v err=%v", val, ok, err)
	}

	view := meta.GetClusterMeta()
	if owner := view.OwnerOf(slot); owner != "n2" {
		t.Fatalf("expected slot %d owner = n2, got %q", slot, owner)
	}
	if view.SlotState[slot].Kind != metastate.SlotStable {
		t.Fatalf("expected slot %d state Stable after finalize, got %v", slot, view.SlotState[slot])
	}
	if view.ConfigEpoch <= startEpoch {
		t.Fatalf("expected config_epoch to strictly increase, start=%d end=%d", startEpoch, view.ConfigEpoch)
	}
}

// TestMigrateSlotRejectsNonOwner exercises the guard in MigrateSlot: a
// node that isn't the slot's current owner cannot initiate its move.
func TestMigrateSlotRejectsNonOwner(t *testing.T) {
	meta := bootstrapOneGroupCluster(t)
	destGroup := newFakeDataGroup(1)
	coordinator := migration.New("n2", 1, &fakeMeta{machine: meta}, fakeGroupDirectory{1: destGroup}, nil, noopLogger())

	err := coordinator.MigrateSlot(context.Background(), 12182, "n1")
	if err == nil {
		t.Fatalf("expected an error when a non-owner initiates migration")
	}
	want := fmt.Sprintf("migration: slot %d is owned by n1, not local node n2", 12182)
	if err.Error() != want {
		t.Fatalf("err = %q, want %q", err.Error(), want)
	}
}
