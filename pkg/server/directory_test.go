package server

import (
	"testing"

	"github.com/NicolasHaas/gocall/pkg/model"
)

func TestDirectoryRegisterReplace(t *testing.T) {
	d := NewDirectory()

	if replaced := d.Register("alice", 1, 5000, "10.0.0.1"); replaced != nil {
		t.Fatalf("first register replaced %+v", replaced)
	}
	replaced := d.Register("alice", 2, 5001, "10.0.0.2")
	if replaced == nil || replaced.SessionID != 1 {
		t.Fatalf("second register: replaced = %+v, want session 1", replaced)
	}

	b := d.Lookup("alice")
	if b == nil || b.SessionID != 2 || b.UDPPort != 5001 {
		t.Fatalf("Lookup after replace: %+v", b)
	}
	if d.LookupSession(1) != nil {
		t.Fatalf("stale session 1 still resolvable")
	}
}

func TestDirectoryUnregisterIgnoresStaleSession(t *testing.T) {
	d := NewDirectory()
	d.Register("alice", 1, 0, "")
	d.Register("alice", 2, 0, "")

	// The replaced connection's cleanup must not evict the new binding.
	if b := d.Unregister(1); b != nil {
		t.Fatalf("stale unregister returned %+v", b)
	}
	if d.Lookup("alice") == nil {
		t.Fatalf("new binding evicted by stale unregister")
	}

	if b := d.Unregister(2); b == nil || b.Username != "alice" {
		t.Fatalf("current unregister returned %+v", b)
	}
	if d.Lookup("alice") != nil {
		t.Fatalf("alice still bound after unregister")
	}
}

func TestDirectoryStatusAndPeer(t *testing.T) {
	d := NewDirectory()
	d.Register("alice", 1, 0, "")

	d.SetPeer("alice", "bob")
	d.SetStatus("alice", model.StatusBusy)
	if b := d.Lookup("alice"); b.Status != model.StatusBusy || b.Peer != "bob" {
		t.Fatalf("busy binding: %+v", b)
	}

	// Returning to available clears the peer.
	d.SetStatus("alice", model.StatusAvailable)
	if b := d.Lookup("alice"); b.Peer != "" {
		t.Fatalf("peer not cleared: %+v", b)
	}
}

func TestDirectorySnapshotSorted(t *testing.T) {
	d := NewDirectory()
	d.Register("carol", 3, 0, "")
	d.Register("alice", 1, 0, "")
	d.Register("bob", 2, 0, "")

	snap := d.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	want := []string{"alice", "bob", "carol"}
	for i, u := range snap {
		if u.Username != want[i] {
			t.Fatalf("snapshot[%d] = %s, want %s", i, u.Username, want[i])
		}
	}
}
