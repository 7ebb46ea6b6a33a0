package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aikv/aikv/internal/raft"
	"github.com/aikv/aikv/internal/wal"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "aikv-wal-test-"+t.Name())
	os.RemoveAll(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := tempDir(t)
	w, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	state := &raft.PersistentState{
		CurrentTerm: 4,
		VotedFor:    "node-1",
		Log: []raft.LogEntry{
			{Index: 1, Term: 1, Type: raft.EntryNoop},
			{Index: 2, Term: 4, Type: raft.EntryNormal, Command: []byte("set x 1")},
		},
	}
	if err := w.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := w.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentTerm != 4 || loaded.VotedFor != "node-1" || len(loaded.Log) != 2 {
		t.Fatalf("unexpected state after round trip: %+v", loaded)
	}
}

func TestRecoverAfterReopen(t *testing.T) {
	dir := tempDir(t)
	w, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	state := &raft.PersistentState{CurrentTerm: 7, VotedFor: "node-2"}
	if err := w.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	w.Close()

	reopened, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load()
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if loaded == nil || loaded.CurrentTerm != 7 || loaded.VotedFor != "node-2" {
		t.Fatalf("state not recovered correctly: %+v", loaded)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := tempDir(t)
	w, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	snap := &raft.Snapshot{
		LastIncludedIndex: 10,
		LastIncludedTerm:  3,
		Configuration:     raft.Configuration{Voters: []string{"a", "b", "c"}},
		Data:              []byte("state-machine-bytes"),
	}
	if err := w.SaveSnapshot(snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	loaded, err := w.LoadSnapshot()
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded.LastIncludedIndex != 10 || string(loaded.Data) != "state-machine-bytes" {
		t.Fatalf("unexpected snapshot after round trip: %+v", loaded)
	}
}

func TestLoadSnapshotWhenNoneExists(t *testing.T) {
	dir := tempDir(t)
	w, err := wal.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	snap, err := w.LoadSnapshot()
	if err != nil {
		t.Fatalf("expected no error when no snapshot exists, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}
