package storageserver

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/scrivd/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestValidateNameRejectsReservedPatterns(t *testing.T) {
	cases := []string{
		"notes.meta",
		"notes.undo",
		"notes.stats",
		"notes.checkpoint.v1",
		"a.checkpoint.",
		"",
		"../escape",
		"dir/inner",
	}
	for _, name := range cases {
		if err := ValidateName(name); err == nil {
			t.Fatalf("ValidateName(%q) accepted a reserved or invalid name", name)
		} else if api.CodeOf(err) != api.ErrInvalidFilename {
			t.Fatalf("ValidateName(%q) code = %v", name, api.CodeOf(err))
		}
	}
	for _, name := range []string{"notes.txt", "metafile", "undo-list", ".hidden"} {
		if err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q): %v", name, err)
		}
	}
}

func TestStoreWriteReadRemove(t *testing.T) {
	store := newTestStore(t)
	if store.Exists("a.txt") {
		t.Fatalf("fresh store should not have a.txt")
	}
	if err := store.Write("a.txt", []byte("Hello world.")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.Read("a.txt")
	if err != nil || string(data) != "Hello world." {
		t.Fatalf("read = %q, %v", data, err)
	}
	if err := store.Remove("a.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Read("a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after remove: %v", err)
	}
	if err := store.Remove("a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double remove: %v", err)
	}
}

func TestStoreMetaRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("a.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	in := FileMeta{Owner: "alice", Created: 100, Modified: 200, Folder: "projects"}
	if err := store.WriteMeta("a.txt", in); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	out, err := store.ReadMeta("a.txt")
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if out != in {
		t.Fatalf("meta mismatch: got %+v want %+v", out, in)
	}
}

func TestStoreModTimePrefersMetaStamp(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("a.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	stamp := time.Unix(1234567890, 0)
	if err := store.WriteMeta("a.txt", FileMeta{Owner: "alice", Created: 1, Modified: stamp.Unix()}); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	ts, err := store.ModTime("a.txt")
	if err != nil {
		t.Fatalf("mod time: %v", err)
	}
	if ts != stamp.Unix() {
		t.Fatalf("mod time %d, want meta stamp %d", ts, stamp.Unix())
	}
}

func TestUndoRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("x", []byte("Hello world.")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.SaveUndo("x"); err != nil {
		t.Fatalf("save undo: %v", err)
	}
	if err := store.Write("x", []byte("Greetings world.")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.RestoreUndo("x"); err != nil {
		t.Fatalf("restore undo: %v", err)
	}
	data, err := store.Read("x")
	if err != nil || string(data) != "Hello world." {
		t.Fatalf("after undo = %q, %v", data, err)
	}
}

func TestUndoWithoutSnapshot(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("x", []byte("content.")); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := store.RestoreUndo("x")
	if api.CodeOf(err) != api.ErrUndoNotAvailable {
		t.Fatalf("restore without snapshot: %v", err)
	}
}

func TestCheckpointRevertRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("a", []byte("v1.")); err != nil {
		t.Fatalf("write: %v", err)
	}
	at := time.Unix(1000, 0)
	if err := store.CreateCheckpoint("a", "one", at); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := store.CreateCheckpoint("a", "one", at); api.CodeOf(err) != api.ErrCheckpointExists {
		t.Fatalf("duplicate tag: %v", err)
	}
	if err := store.Write("a", []byte("v2.")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.RevertToCheckpoint("a", "one", time.Unix(2000, 0)); err != nil {
		t.Fatalf("revert: %v", err)
	}
	data, err := store.Read("a")
	if err != nil || string(data) != "v1." {
		t.Fatalf("after revert = %q, %v", data, err)
	}
	// Revert stashes the pre-revert bytes in the undo slot.
	if err := store.RestoreUndo("a"); err != nil {
		t.Fatalf("undo after revert: %v", err)
	}
	data, _ = store.Read("a")
	if string(data) != "v2." {
		t.Fatalf("undo after revert = %q, want pre-revert bytes", data)
	}
}

func TestViewAndListCheckpoints(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("a", []byte("v1.")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.ViewCheckpoint("a", "nope"); api.CodeOf(err) != api.ErrCheckpointNotFound {
		t.Fatalf("view missing checkpoint: %v", err)
	}
	if err := store.CreateCheckpoint("a", "one", time.Unix(1000, 0)); err != nil {
		t.Fatalf("checkpoint one: %v", err)
	}
	if err := store.Write("a", []byte("v2.")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.CreateCheckpoint("a", "two", time.Unix(2000, 0)); err != nil {
		t.Fatalf("checkpoint two: %v", err)
	}
	data, err := store.ViewCheckpoint("a", "one")
	if err != nil || string(data) != "v1." {
		t.Fatalf("view one = %q, %v", data, err)
	}
	cps, err := store.ListCheckpoints("a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 2 || cps[0].Tag != "one" || cps[1].Tag != "two" {
		t.Fatalf("list = %+v", cps)
	}
}

func TestListExcludesSidecars(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"b", "a"} {
		if err := store.Write(name, []byte("x.")); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := store.WriteMeta(name, FileMeta{Owner: "alice"}); err != nil {
			t.Fatalf("meta %s: %v", name, err)
		}
	}
	if err := store.SaveUndo("a"); err != nil {
		t.Fatalf("undo a: %v", err)
	}
	if err := store.CreateCheckpoint("a", "v1", time.Unix(1, 0)); err != nil {
		t.Fatalf("checkpoint a: %v", err)
	}
	names, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(names, ",") != "a,b" {
		t.Fatalf("list = %v, want only payload files sorted", names)
	}
}

func TestRemoveDropsSidecarsAndCheckpoints(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("a", []byte("x.")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WriteMeta("a", FileMeta{Owner: "alice"}); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if err := store.SaveUndo("a"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if err := store.CreateCheckpoint("a", "v1", time.Unix(1, 0)); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := store.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	names, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("list after remove = %v", names)
	}
	if _, err := store.ViewCheckpoint("a", "v1"); api.CodeOf(err) != api.ErrCheckpointNotFound {
		t.Fatalf("checkpoint survived remove: %v", err)
	}
}
