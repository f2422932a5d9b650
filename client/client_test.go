package client_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/scrivd/api"
	"pkt.systems/scrivd/client"
	"pkt.systems/scrivd/internal/nameserver"
	"pkt.systems/scrivd/internal/storageserver"
)

// startCluster boots a name server and one storage server on loopback
// and returns the name server address once the storage server has
// registered.
func startCluster(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nm, err := nameserver.New(nameserver.Config{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("nameserver.New: %v", err)
	}
	go nm.Run(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for nm.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("name server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ss, err := storageserver.New(storageserver.Config{
		ServerID:          0,
		NMAddr:            nm.Addr(),
		ClientListen:      "127.0.0.1:0",
		ControlListen:     "127.0.0.1:0",
		StorageRoot:       t.TempDir(),
		HeartbeatInterval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("storageserver.New: %v", err)
	}
	go ss.Run(ctx)

	return nm.Addr()
}

func connect(t *testing.T, nmAddr, user string) *client.Client {
	t.Helper()
	c, err := client.Connect(client.Options{NMAddr: nmAddr, Username: user})
	if err != nil {
		t.Fatalf("connect %s: %v", user, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// createWhenReady retries until the storage server has registered with
// the name server.
func createWhenReady(t *testing.T, c *client.Client, file, folder string, content []byte) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := c.Create(file, folder, content)
		if err == nil {
			return
		}
		if api.CodeOf(err) != api.ErrSSUnavailable || time.Now().After(deadline) {
			t.Fatalf("create %q: %v", file, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestClientEndToEnd(t *testing.T) {
	nmAddr := startCluster(t)
	alice := connect(t, nmAddr, "alice")
	bob := connect(t, nmAddr, "bob")

	original := "Hello world. Second sentence."
	createWhenReady(t, alice, "story.txt", "", []byte(original))

	got, err := alice.Read("story.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != original {
		t.Fatalf("read = %q, want %q", got, original)
	}

	// Permission checks happen at the name server before any referral.
	if _, err := bob.Read("story.txt"); api.CodeOf(err) != api.ErrPermissionDenied {
		t.Fatalf("unauthorised read: %v", err)
	}
	if err := alice.Grant("story.txt", "bob", true, true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := bob.Read("story.txt"); err != nil {
		t.Fatalf("read after grant: %v", err)
	}

	// A held sentence lock blocks a second writer on that sentence.
	sess, err := alice.Edit("story.txt", 0)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := bob.Edit("story.txt", 0); api.CodeOf(err) != api.ErrSentenceLocked {
		t.Fatalf("conflicting edit: %v", err)
	}
	if err := sess.ReplaceWord(0, "Greetings"); err != nil {
		t.Fatalf("replace word: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = alice.Read("story.txt")
	if !strings.Contains(string(got), "Greetings world.") {
		t.Fatalf("after edit = %q", got)
	}

	if err := alice.Undo("story.txt"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	got, _ = alice.Read("story.txt")
	if string(got) != original {
		t.Fatalf("after undo = %q, want %q", got, original)
	}
}

func TestClientCheckpoints(t *testing.T) {
	nmAddr := startCluster(t)
	alice := connect(t, nmAddr, "alice")

	original := "Hello world. Second sentence."
	createWhenReady(t, alice, "cp.txt", "", []byte(original))

	if err := alice.Checkpoint("cp.txt", "v1"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	sess, err := alice.Edit("cp.txt", 0)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := sess.ReplaceSentence("Rewritten opening."); err != nil {
		t.Fatalf("replace sentence: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	data, err := alice.ViewCheckpoint("cp.txt", "v1")
	if err != nil {
		t.Fatalf("view checkpoint: %v", err)
	}
	if string(data) != original {
		t.Fatalf("checkpoint = %q, want %q", data, original)
	}
	tags, err := alice.ListCheckpoints("cp.txt")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if !strings.Contains(tags, "v1") {
		t.Fatalf("tags = %q", tags)
	}

	if err := alice.Revert("cp.txt", "v1"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, err := alice.Read("cp.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != original {
		t.Fatalf("after revert = %q, want %q", got, original)
	}

	if _, err := alice.ViewCheckpoint("cp.txt", "nope"); api.CodeOf(err) != api.ErrCheckpointNotFound {
		t.Fatalf("missing checkpoint: %v", err)
	}
}

func TestClientStream(t *testing.T) {
	nmAddr := startCluster(t)
	alice := connect(t, nmAddr, "alice")
	createWhenReady(t, alice, "s.txt", "", []byte("alpha beta gamma"))

	var words []string
	err := alice.Stream("s.txt", func(word string) error {
		words = append(words, word)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(words) != 3 || words[0] != "alpha" || words[2] != "gamma" {
		t.Fatalf("streamed %v", words)
	}
}

func TestClientFoldersAndDelete(t *testing.T) {
	nmAddr := startCluster(t)
	alice := connect(t, nmAddr, "alice")

	if err := alice.CreateFolder("docs"); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	createWhenReady(t, alice, "a.txt", "docs", []byte("In a folder."))

	view, err := alice.ViewFolder("docs")
	if err != nil {
		t.Fatalf("view folder: %v", err)
	}
	if !strings.Contains(view, "a.txt") {
		t.Fatalf("folder view = %q", view)
	}

	if err := alice.Delete("a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := alice.Read("a.txt"); api.CodeOf(err) != api.ErrFileNotFound {
		t.Fatalf("read deleted: %v", err)
	}
}

func TestClientAbortDiscardsEdits(t *testing.T) {
	nmAddr := startCluster(t)
	alice := connect(t, nmAddr, "alice")

	original := "Hello world. Second sentence."
	createWhenReady(t, alice, "draft.txt", "", []byte(original))

	session, err := alice.Edit("draft.txt", 0)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := session.ReplaceWord(0, "Goodbye"); err != nil {
		t.Fatalf("replace word: %v", err)
	}
	if err := session.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got, err := alice.Read("draft.txt")
	if err != nil {
		t.Fatalf("read after abort: %v", err)
	}
	if string(got) != original {
		t.Fatalf("aborted edit changed the file: %q", got)
	}

	// The lock is released synchronously, so a fresh session on the
	// same sentence needs no retry.
	session, err = alice.Edit("draft.txt", 0)
	if err != nil {
		t.Fatalf("relock after abort: %v", err)
	}
	if err := session.ReplaceSentence("Rewritten opening."); err != nil {
		t.Fatalf("replace sentence: %v", err)
	}
	if err := session.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err = alice.Read("draft.txt")
	if err != nil {
		t.Fatalf("read after commit: %v", err)
	}
	if !strings.Contains(string(got), "Rewritten opening.") {
		t.Fatalf("committed text = %q", got)
	}
}
