package metastate_test

import (
	"testing"

	"github.com/aikv/aikv/internal/metastate"
)

func apply(t *testing.T, m *metastate.Machine, index uint64, cmd metastate.Command) metastate.Response {
	t.Helper()
	raw, err := metastate.Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := metastate.DecodeResponse(m.Apply(index, raw))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestAssignSlotRangeOwnershipAndConfigEpoch(t *testing.T) {
	m := metastate.NewMachine(3)

	apply(t, m, 1, metastate.Command{Type: metastate.CmdAddNode, NodeID: "n1", Addr: "10.0.0.1:6379", Role: metastate.RoleMaster})

	resp := apply(t, m, 2, metastate.Command{
		Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 100, OwnerNode: "n1",
	})
	if !resp.OK {
		t.Fatalf("expected assign to succeed, got %+v", resp)
	}

	view := m.GetClusterMeta()
	if view.OwnerOf(50) != "n1" {
		t.Fatalf("expected slot 50 owned by n1, got %q", view.OwnerOf(50))
	}
	firstEpoch := view.ConfigEpoch

	// Re-assigning to the same owner is fine (idempotent).
	resp = apply(t, m, 3, metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 100, OwnerNode: "n1"})
	if !resp.OK {
		t.Fatalf("expected re-assign to same owner to succeed, got %+v", resp)
	}

	// Assigning to a different owner without unassigning first must fail.
	resp = apply(t, m, 4, metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 50, ToSlot: 60, OwnerNode: "n2"})
	if resp.OK {
		t.Fatal("expected conflicting assign to fail")
	}

	if m.GetClusterMeta().ConfigEpoch <= firstEpoch {
		t.Fatal("config epoch must have advanced again on the second successful assign")
	}
}

func TestSetSlotStateMigration(t *testing.T) {
	m := metastate.NewMachine(3)
	apply(t, m, 1, metastate.Command{Type: metastate.CmdAddNode, NodeID: "n1", Role: metastate.RoleMaster})
	apply(t, m, 2, metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 16383, OwnerNode: "n1"})

	resp := apply(t, m, 3, metastate.Command{
		Type: metastate.CmdSetSlotState,
		Slot: 100,
		NewState: metastate.SlotState{
			Kind: metastate.SlotMigrating,
			To:   "n2",
		},
	})
	if !resp.OK {
		t.Fatalf("expected SetSlotState to succeed, got %+v", resp)
	}

	view := m.GetClusterMeta()
	if view.SlotState[100].Kind != metastate.SlotMigrating || view.SlotState[100].To != "n2" {
		t.Fatalf("unexpected slot state: %+v", view.SlotState[100])
	}
}

func TestConfigEpochStrictlyMonotone(t *testing.T) {
	m := metastate.NewMachine(1)
	apply(t, m, 1, metastate.Command{Type: metastate.CmdAddNode, NodeID: "n1", Role: metastate.RoleMaster})

	var last uint64
	for i, slot := range []int{0, 1, 2, 3} {
		apply(t, m, uint64(i+2), metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: slot, ToSlot: slot, OwnerNode: "n1"})
		epoch := m.GetClusterMeta().ConfigEpoch
		if epoch <= last {
			t.Fatalf("config_epoch did not strictly increase: was %d now %d", last, epoch)
		}
		last = epoch
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := metastate.NewMachine(2)
	apply(t, m, 1, metastate.Command{Type: metastate.CmdAddNode, NodeID: "n1", Role: metastate.RoleMaster})
	apply(t, m, 2, metastate.Command{Type: metastate.CmdAssignSlotRange, FromSlot: 0, ToSlot: 8191, OwnerNode: "n1"})

	data, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := metastate.NewMachine(2)
	if err := restored.Restore(data); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.GetClusterMeta().OwnerOf(100) != "n1" {
		t.Fatalf("restored view missing expected slot ownership")
	}
}
