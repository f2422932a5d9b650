package nameserver

import (
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/scrivd/api"
	"pkt.systems/scrivd/internal/clock"
)

// newQuietServer builds a name server without running its listener.
func newQuietServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestPersistRoundTrip(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state.txt")
	s := newQuietServer(t, Config{StateFile: state})

	s.reg.mu.Lock()
	s.reg.indexFile(FileRecord{
		Name:       "a.txt",
		Folder:     "docs/work",
		Owner:      "alice",
		SS:         2,
		CreatedAt:  100,
		ModifiedAt: 200,
		AccessedAt: 300,
		Size:       12,
		Words:      2,
		Chars:      12,
		ACL: []ACLEntry{
			{User: "alice", Read: true, Write: true},
			{User: "bob", Read: true, Write: false},
		},
	})
	id := s.reg.indexFile(FileRecord{Name: "gone.txt", Owner: "alice"})
	s.reg.dropFile(id)
	s.persistLocked()
	s.reg.mu.Unlock()

	reloaded := newQuietServer(t, Config{StateFile: state})
	reloaded.reg.mu.Lock()
	defer reloaded.reg.mu.Unlock()

	rec, _, err := reloaded.reg.file("a.txt")
	if err != nil {
		t.Fatalf("file after reload: %v", err)
	}
	if rec.Folder != "docs/work" || rec.Owner != "alice" || rec.SS != 2 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.CreatedAt != 100 || rec.ModifiedAt != 200 || rec.AccessedAt != 300 {
		t.Fatalf("timestamps = %+v", rec)
	}
	if rec.Size != 12 || rec.Words != 2 || rec.Chars != 12 {
		t.Fatalf("counters = %+v", rec)
	}
	if !rec.canWrite("alice") || !rec.canRead("bob") || rec.canWrite("bob") {
		t.Fatalf("acl = %+v", rec.ACL)
	}

	// Deleted files stay gone.
	if _, ok := reloaded.reg.findFile("gone.txt"); ok {
		t.Fatal("tombstoned file resurrected")
	}

	// Folders are not persisted but referenced paths come back, with
	// parents.
	if _, ok := reloaded.reg.findFolder("docs/work"); !ok {
		t.Fatal("referenced folder not restored")
	}
	if _, ok := reloaded.reg.findFolder("docs"); !ok {
		t.Fatal("parent folder not restored")
	}
	if _, ok := reloaded.reg.findFile("docs/work/a.txt"); !ok {
		t.Fatal("full path lookup broken after reload")
	}
}

func TestLoadStateMissingFileIsFreshStart(t *testing.T) {
	state := filepath.Join(t.TempDir(), "sub", "dir", "state.txt")
	s := newQuietServer(t, Config{StateFile: state})
	if len(s.reg.files) != 0 {
		t.Fatalf("fresh start carries %d files", len(s.reg.files))
	}
}

func TestSweepMarksStaleServersInactive(t *testing.T) {
	clk := clock.NewManual(time.Unix(10000, 0))
	s := newQuietServer(t, Config{Clock: clk, HeartbeatTimeout: 15 * time.Second})

	s.reg.mu.Lock()
	s.reg.servers = []SSRecord{
		{ID: 0, Active: true, LastHeartbeat: 10000 - 20}, // stale
		{ID: 1, Active: true, LastHeartbeat: 10000 - 5},  // fresh
		{ID: 2, Active: false, LastHeartbeat: 0},         // already down
	}
	s.reg.mu.Unlock()

	s.sweepInactive(s.logger)

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if s.reg.servers[0].Active {
		t.Fatal("stale server still active")
	}
	if !s.reg.servers[1].Active {
		t.Fatal("fresh server deactivated")
	}
	if s.reg.servers[2].Active {
		t.Fatal("inactive server flipped")
	}
}

func TestAddAccessRules(t *testing.T) {
	s := newQuietServer(t, Config{})
	s.reg.mu.Lock()
	s.reg.indexFile(FileRecord{Name: "a.txt", Owner: "alice", ACL: []ACLEntry{{User: "alice", Read: true, Write: true}}})
	s.reg.connectClient("alice", "10.0.0.1")
	s.reg.connectClient("bob", "10.0.0.2")
	s.reg.mu.Unlock()

	if err := s.addAccess("bob", "a.txt", "bob", true, false); api.CodeOf(err) != api.ErrNotOwner {
		t.Fatalf("non-owner grant: %v", err)
	}
	if err := s.addAccess("alice", "a.txt", "carol", true, false); api.CodeOf(err) != api.ErrUserNotFound {
		t.Fatalf("grant to unknown user: %v", err)
	}
	if err := s.addAccess("alice", "a.txt", "alice", true, true); api.CodeOf(err) != api.ErrAlreadyHasAccess {
		t.Fatalf("grant to owner: %v", err)
	}
	if err := s.addAccess("alice", "a.txt", "bob", false, true); err != nil {
		t.Fatalf("grant: %v", err)
	}

	s.reg.mu.Lock()
	rec, _, _ := s.reg.file("a.txt")
	// Write implies read.
	if !rec.canRead("bob") || !rec.canWrite("bob") {
		t.Fatalf("acl = %+v", rec.ACL)
	}
	s.reg.mu.Unlock()

	if err := s.addAccess("alice", "a.txt", "bob", true, true); api.CodeOf(err) != api.ErrAlreadyHasAccess {
		t.Fatalf("identical regrant: %v", err)
	}
}

func TestRemoveAccessRules(t *testing.T) {
	s := newQuietServer(t, Config{})
	s.reg.mu.Lock()
	s.reg.indexFile(FileRecord{Name: "a.txt", Owner: "alice", ACL: []ACLEntry{
		{User: "alice", Read: true, Write: true},
		{User: "bob", Read: true, Write: false},
	}})
	s.reg.connectClient("alice", "10.0.0.1")
	s.reg.mu.Unlock()

	if err := s.removeAccess("bob", "a.txt", "bob"); api.CodeOf(err) != api.ErrNotOwner {
		t.Fatalf("non-owner revoke: %v", err)
	}
	if err := s.removeAccess("alice", "a.txt", "alice"); api.CodeOf(err) != api.ErrPermissionDenied {
		t.Fatalf("owner self-revoke: %v", err)
	}
	if err := s.removeAccess("alice", "a.txt", "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.removeAccess("alice", "a.txt", "bob"); api.CodeOf(err) != api.ErrUserNotFound {
		t.Fatalf("double revoke: %v", err)
	}

	s.reg.mu.Lock()
	rec, _, _ := s.reg.file("a.txt")
	if rec.canRead("bob") {
		t.Fatalf("revoked user still reads: %+v", rec.ACL)
	}
	s.reg.mu.Unlock()
}
