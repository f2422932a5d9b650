package nameserver

import (
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scrivd/api"
	"pkt.systems/scrivd/internal/clock"
)

func newTestRegistry(cacheSize int) *registry {
	return newRegistry(clock.NewManual(time.Unix(1000, 0)), pslog.NoopLogger(), cacheSize)
}

func TestTriePutGetRemove(t *testing.T) {
	tr := newPathTrie()
	tr.put("a.txt", 1)
	tr.put("docs/a.txt", 1)
	tr.put("docs/b.txt", 2)

	if id, ok := tr.get("docs/b.txt"); !ok || id != 2 {
		t.Fatalf("get docs/b.txt = %d %v", id, ok)
	}
	// A key prefix that is not itself a stored key must miss.
	if _, ok := tr.get("docs"); ok {
		t.Fatal("prefix matched as a key")
	}
	if _, ok := tr.get("docs/c.txt"); ok {
		t.Fatal("absent key matched")
	}

	tr.put("a.txt", 7)
	if id, _ := tr.get("a.txt"); id != 7 {
		t.Fatalf("overwrite lost: %d", id)
	}

	tr.remove("docs/a.txt")
	if _, ok := tr.get("docs/a.txt"); ok {
		t.Fatal("removed key still present")
	}
	if id, ok := tr.get("a.txt"); !ok || id != 7 {
		t.Fatalf("sibling damaged by remove: %d %v", id, ok)
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", 1)
	c.put("b", 2)
	c.get("a") // refresh a; b is now oldest
	c.put("c", 3)

	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}
	if _, ok := c.get("b"); ok {
		t.Fatal("least recently used entry survived")
	}
	if id, ok := c.get("a"); !ok || id != 1 {
		t.Fatalf("refreshed entry evicted: %d %v", id, ok)
	}
	if id, ok := c.get("c"); !ok || id != 3 {
		t.Fatalf("newest entry missing: %d %v", id, ok)
	}

	c.remove("c")
	if _, ok := c.get("c"); ok {
		t.Fatal("removed entry still cached")
	}
}

func TestFindFileByNameAndPath(t *testing.T) {
	r := newTestRegistry(4)
	id := r.indexFile(FileRecord{Name: "a.txt", Folder: "docs", Owner: "alice"})

	for _, key := range []string{"a.txt", "docs/a.txt"} {
		got, ok := r.findFile(key)
		if !ok || got != id {
			t.Fatalf("findFile(%q) = %d %v, want %d", key, got, ok, id)
		}
	}
	if _, ok := r.findFile("b.txt"); ok {
		t.Fatal("absent file found")
	}
}

func TestFindFileSurvivesColdCaches(t *testing.T) {
	r := newTestRegistry(4)
	id := r.indexFile(FileRecord{Name: "a.txt", Owner: "alice"})

	// Drop the LRU entry, then the trie leaf: each fallback layer must
	// still resolve and repopulate the layers above it.
	r.lookup.remove("a.txt")
	if got, ok := r.findFile("a.txt"); !ok || got != id {
		t.Fatalf("trie fallback = %d %v", got, ok)
	}
	r.lookup.remove("a.txt")
	r.trie.remove("a.txt")
	if got, ok := r.findFile("a.txt"); !ok || got != id {
		t.Fatalf("linear fallback = %d %v", got, ok)
	}
	if got, ok := r.lookup.get("a.txt"); !ok || got != id {
		t.Fatal("linear hit did not repopulate the cache")
	}
}

func TestDropFileReusesSlot(t *testing.T) {
	r := newTestRegistry(4)
	first := r.indexFile(FileRecord{Name: "a.txt", Owner: "alice"})
	r.dropFile(first)

	if _, ok := r.findFile("a.txt"); ok {
		t.Fatal("dropped file still resolvable")
	}

	second := r.indexFile(FileRecord{Name: "b.txt", Owner: "bob"})
	if second != first {
		t.Fatalf("tombstoned slot not reused: got %d, want %d", second, first)
	}
	if len(r.files) != 1 {
		t.Fatalf("arena grew to %d", len(r.files))
	}
	if got, ok := r.findFile("b.txt"); !ok || got != second {
		t.Fatalf("findFile(b.txt) = %d %v", got, ok)
	}
}

func TestDropFileDiscardsPendingRequests(t *testing.T) {
	r := newTestRegistry(4)
	id := r.indexFile(FileRecord{Name: "a.txt", Owner: "alice"})
	r.requests = append(r.requests,
		AccessRequest{File: "a.txt", Requester: "bob", Read: true},
		AccessRequest{File: "other.txt", Requester: "bob", Read: true},
	)
	r.dropFile(id)
	if len(r.requests) != 1 || r.requests[0].File != "other.txt" {
		t.Fatalf("requests = %v", r.requests)
	}
}

func TestPickServerRoundRobin(t *testing.T) {
	r := newTestRegistry(4)
	if _, err := r.pickServer(); api.CodeOf(err) != api.ErrSSUnavailable {
		t.Fatalf("empty registry: %v", err)
	}
	r.servers = []SSRecord{
		{ID: 0, Active: true},
		{ID: 1, Active: false},
		{ID: 2, Active: true},
	}
	var got []SSID
	for i := 0; i < 4; i++ {
		srv, err := r.pickServer()
		if err != nil {
			t.Fatalf("pickServer: %v", err)
		}
		got = append(got, srv.ID)
	}
	want := []SSID{0, 2, 0, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round robin order %v, want %v", got, want)
		}
	}
}

func TestRouteFileFailsOverToReplica(t *testing.T) {
	r := newTestRegistry(4)
	r.servers = []SSRecord{
		{ID: 0, IP: "10.0.0.1", ClientPort: 7001, Active: true},
		{ID: 1, IP: "10.0.0.2", ClientPort: 7002, Active: true},
	}
	rec := &FileRecord{Name: "a.txt", SS: 0}

	srv, err := r.routeFile(rec)
	if err != nil || srv.ID != 0 {
		t.Fatalf("routed to %v, %v", srv, err)
	}

	r.servers[0].Active = false
	srv, err = r.routeFile(rec)
	if err != nil || srv.ID != 1 {
		t.Fatalf("failover routed to %v, %v", srv, err)
	}

	r.servers[1].Active = false
	if _, err := r.routeFile(rec); api.CodeOf(err) != api.ErrSSUnavailable {
		t.Fatalf("both down: %v", err)
	}
}

func TestReplicaPairing(t *testing.T) {
	pairs := map[SSID]SSID{0: 1, 1: 0, 2: 3, 3: 2}
	for id, want := range pairs {
		rec := SSRecord{ID: id}
		if got := rec.ReplicaID(); got != want {
			t.Fatalf("replica of %d = %d, want %d", id, got, want)
		}
	}
}

func TestConnectClientLifecycle(t *testing.T) {
	r := newTestRegistry(4)
	if err := r.connectClient("alice", "10.0.0.5"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.connectClient("alice", "10.0.0.6"); api.CodeOf(err) != api.ErrUsernameTaken {
		t.Fatalf("duplicate connect: %v", err)
	}
	r.disconnectClient("alice")
	if err := r.connectClient("alice", "10.0.0.6"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(r.clients) != 1 {
		t.Fatalf("reconnect grew the arena to %d", len(r.clients))
	}
	if r.clients[0].IP != "10.0.0.6" || !r.clients[0].Connected {
		t.Fatalf("slot not refreshed: %+v", r.clients[0])
	}
	if err := r.connectClient("", "10.0.0.7"); api.CodeOf(err) != api.ErrInvalidCommand {
		t.Fatalf("empty username: %v", err)
	}
}

func TestTouchClientUpdatesActivity(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	r := newRegistry(clk, pslog.NoopLogger(), 4)
	if err := r.connectClient("alice", "10.0.0.5"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	clk.Advance(30 * time.Second)
	r.touchClient("alice")
	if got := r.clients[0].LastActivity; got != 1030 {
		t.Fatalf("last activity = %d, want 1030", got)
	}
}
