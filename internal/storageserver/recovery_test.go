package storageserver

import (
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/scrivd/api"
)

// newQuietServer builds a server without running its listeners or
// heartbeat loop, for exercising handlers directly.
func newQuietServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(Config{
		ServerID:      1,
		NMAddr:        "127.0.0.1:1",
		ClientListen:  "127.0.0.1:0",
		ControlListen: "127.0.0.1:0",
		StorageRoot:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.cache.close)
	return srv
}

func seedFile(t *testing.T, srv *Server, name, content string, mtime int64) {
	t.Helper()
	if err := srv.store.Write(name, []byte(content)); err != nil {
		t.Fatalf("write %q: %v", name, err)
	}
	if err := srv.store.Touch(name, time.Unix(mtime, 0)); err != nil {
		t.Fatalf("touch %q: %v", name, err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	srv := newQuietServer(t)
	seedFile(t, srv, "a.txt", "Alpha.", 100)
	seedFile(t, srv, "b.txt", "Beta.", 200)

	manifest, err := srv.buildManifest()
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	got := parseManifest([]byte(manifest))
	want := map[string]int64{"a.txt": 100, "b.txt": 200}
	if len(got) != len(want) {
		t.Fatalf("parsed %v, want %v", got, want)
	}
	for name, ts := range want {
		if got[name] != ts {
			t.Fatalf("%q = %d, want %d", name, got[name], ts)
		}
	}
}

func TestParseManifestSkipsMalformedLines(t *testing.T) {
	got := parseManifest([]byte("a.txt:100\ngarbage\n:5\nb.txt:notanumber\n\nc.txt:7\n"))
	if len(got) != 2 || got["a.txt"] != 100 || got["c.txt"] != 7 {
		t.Fatalf("parsed %v", got)
	}
}

// runSyncPull drives handleSyncPull over a pipe and collects the
// streamed frames up to the terminating ack.
func runSyncPull(t *testing.T, srv *Server, manifest string) (frames []*api.Message, summary string) {
	t.Helper()
	server, client := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		defer server.Close()
		errCh <- srv.handleSyncPull(server, api.Header{Type: api.MsgRequest, Op: api.OpSSSync}, []byte(manifest))
	}()
	defer client.Close()
	for {
		msg, err := api.ReadMessage(client)
		if err != nil {
			t.Fatalf("read sync frame: %v", err)
		}
		switch msg.Header.Type {
		case api.MsgAck:
			if err := <-errCh; err != nil {
				t.Fatalf("handleSyncPull: %v", err)
			}
			return frames, string(msg.Payload)
		case api.MsgResponse:
			frames = append(frames, msg)
		default:
			t.Fatalf("unexpected frame %v", msg.Header.Type)
		}
	}
}

func TestSyncPullSkipsUpToDateFiles(t *testing.T) {
	srv := newQuietServer(t)
	seedFile(t, srv, "a.txt", "Alpha.", 100)

	frames, summary := runSyncPull(t, srv, "a.txt:100\n")
	if len(frames) != 0 {
		t.Fatalf("streamed %d frames for an up-to-date file", len(frames))
	}
	if summary != "sent:0 skipped:1" {
		t.Fatalf("summary = %q", summary)
	}
}

func TestSyncPullStreamsNewerFiles(t *testing.T) {
	srv := newQuietServer(t)
	seedFile(t, srv, "a.txt", "Alpha updated.", 200)
	seedFile(t, srv, "b.txt", "Beta.", 50)

	// Remote holds an older a.txt and a current b.txt.
	frames, summary := runSyncPull(t, srv, "a.txt:100\nb.txt:50\n")
	if summary != "sent:1 skipped:1" {
		t.Fatalf("summary = %q", summary)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want content and sidecar", len(frames))
	}
	if frames[0].Header.Filename != "a.txt" || string(frames[0].Payload) != "Alpha updated." {
		t.Fatalf("content frame = %q %q", frames[0].Header.Filename, frames[0].Payload)
	}
	if frames[1].Header.Filename != "a.txt.meta" {
		t.Fatalf("sidecar frame names %q", frames[1].Header.Filename)
	}
	if !strings.Contains(string(frames[1].Payload), "modified:200") {
		t.Fatalf("sidecar payload = %q", frames[1].Payload)
	}
}

func TestSyncPullStreamsFilesMissingRemotely(t *testing.T) {
	srv := newQuietServer(t)
	seedFile(t, srv, "only-here.txt", "Local only.", 10)

	frames, summary := runSyncPull(t, srv, "")
	if summary != "sent:1 skipped:0" {
		t.Fatalf("summary = %q", summary)
	}
	if len(frames) == 0 || frames[0].Header.Filename != "only-here.txt" {
		t.Fatalf("frames = %v", frames)
	}
}
