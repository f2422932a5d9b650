package nameserver

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"pkt.systems/scrivd/api"
	"pkt.systems/scrivd/internal/clock"
	"pkt.systems/pslog"
)

// registry holds all name-server metadata behind one coarse mutex:
// files, folders, storage servers, client sessions, and pending access
// requests live in arenas cross-referenced by typed ids. The path
// lookup structures (trie + LRU) carry their own locking.
type registry struct {
	mu sync.Mutex

	files    []FileRecord
	folders  []FolderRecord
	servers  []SSRecord
	clients  []ClientRecord
	requests []AccessRequest

	// creating holds filenames whose CREATE is in flight to a storage
	// server but not yet indexed, so racing creates of the same name
	// cannot be forwarded to two different servers.
	creating map[string]bool

	trie   *pathTrie
	lookup *lruCache

	rrNext int

	clock  clock.Clock
	logger pslog.Logger
}

func newRegistry(clk clock.Clock, logger pslog.Logger, cacheSize int) *registry {
	if cacheSize <= 0 {
		cacheSize = DefaultLookupCacheSize
	}
	return &registry{
		creating: make(map[string]bool),
		trie:     newPathTrie(),
		lookup:   newLRUCache(cacheSize),
		clock:    clk,
		logger:   logger,
	}
}

func addrOf(ip string, port int) string {
	return net.JoinHostPort(ip, fmt.Sprintf("%d", port))
}

// findFile resolves a filename to its arena id: LRU cache first, trie
// second, linear scan as the final fallback. Files are unique by bare
// name, so both the full path and the bare name key the structures.
func (r *registry) findFile(name string) (FileID, bool) {
	if id, ok := r.lookup.get(name); ok {
		if int(id) < len(r.files) && !r.files[id].Deleted {
			return id, true
		}
		r.lookup.remove(name)
	}
	if id, ok := r.trie.get(name); ok {
		r.lookup.put(name, id)
		return id, true
	}
	for i := range r.files {
		f := &r.files[i]
		if !f.Deleted && (f.Name == name || f.Path() == name) {
			r.lookup.put(name, FileID(i))
			return FileID(i), true
		}
	}
	return noFile, false
}

func (r *registry) file(name string) (*FileRecord, FileID, error) {
	id, ok := r.findFile(name)
	if !ok {
		return nil, noFile, api.Failf(api.ErrFileNotFound, "%q not found", name)
	}
	return &r.files[id], id, nil
}

// indexFile registers a new file in the arenas and lookup structures.
func (r *registry) indexFile(rec FileRecord) FileID {
	id := FileID(len(r.files))
	// Reuse a deleted slot when one exists; trie leaves stay valid
	// because ids are positional.
	for i := range r.files {
		if r.files[i].Deleted {
			id = FileID(i)
			break
		}
	}
	if int(id) == len(r.files) {
		r.files = append(r.files, rec)
	} else {
		r.files[id] = rec
	}
	r.trie.put(rec.Name, id)
	if rec.Folder != "" {
		r.trie.put(rec.Path(), id)
	}
	r.lookup.put(rec.Name, id)
	return id
}

// dropFile unindexes and tombstones a file record.
func (r *registry) dropFile(id FileID) {
	rec := &r.files[id]
	r.trie.remove(rec.Name)
	if rec.Folder != "" {
		r.trie.remove(rec.Path())
	}
	r.lookup.remove(rec.Name)
	r.lookup.remove(rec.Path())
	rec.Deleted = true
	// Pending requests die with the file.
	kept := r.requests[:0]
	for _, req := range r.requests {
		if req.File != rec.Name {
			kept = append(kept, req)
		}
	}
	r.requests = kept
}

// reindexFile updates the lookup structures after a folder move.
func (r *registry) reindexFile(id FileID, oldPath string) {
	rec := &r.files[id]
	if oldPath != rec.Name {
		r.trie.remove(oldPath)
	}
	r.lookup.remove(oldPath)
	if rec.Folder != "" {
		r.trie.put(rec.Path(), id)
	}
	r.lookup.put(rec.Name, id)
}

// findFolder resolves a normalised folder path.
func (r *registry) findFolder(path string) (FolderID, bool) {
	for i := range r.folders {
		if !r.folders[i].Deleted && r.folders[i].Path == path {
			return FolderID(i), true
		}
	}
	return -1, false
}

// findServer locates a storage server record by id.
func (r *registry) findServer(id SSID) *SSRecord {
	for i := range r.servers {
		if r.servers[i].ID == id {
			return &r.servers[i]
		}
	}
	return nil
}

// pickServer chooses the storage server for a new file: round-robin
// over the currently active servers.
func (r *registry) pickServer() (*SSRecord, error) {
	var active []*SSRecord
	for i := range r.servers {
		if r.servers[i].Active {
			active = append(active, &r.servers[i])
		}
	}
	if len(active) == 0 {
		return nil, api.Failf(api.ErrSSUnavailable, "no active storage servers")
	}
	s := active[r.rrNext%len(active)]
	r.rrNext++
	return s, nil
}

// routeFile resolves the storage server that should serve the file
// right now: the primary when active, otherwise its active replica.
func (r *registry) routeFile(rec *FileRecord) (*SSRecord, error) {
	primary := r.findServer(rec.SS)
	if primary == nil {
		return nil, api.Failf(api.ErrSSUnavailable, "storage server %d unknown", rec.SS)
	}
	if primary.Active {
		return primary, nil
	}
	replica := r.findServer(primary.ReplicaID())
	if replica != nil && replica.Active {
		r.logger.Info("route.failover", "file", rec.Name, "primary", primary.ID, "replica", replica.ID)
		return replica, nil
	}
	return nil, api.Failf(api.ErrSSUnavailable, "storage server %d and replica unavailable", rec.SS)
}

// touchClient records activity for the user's session.
func (r *registry) touchClient(user string) {
	now := r.clock.Now().Unix()
	for i := range r.clients {
		if r.clients[i].User == user && r.clients[i].Connected {
			r.clients[i].LastActivity = now
			return
		}
	}
}

// connectClient registers a user session. Reconnection reuses the
// disconnected slot; a second concurrent connection is refused.
func (r *registry) connectClient(user, ip string) error {
	if strings.TrimSpace(user) == "" {
		return api.Failf(api.ErrInvalidCommand, "username required")
	}
	now := r.clock.Now().Unix()
	for i := range r.clients {
		if r.clients[i].User != user {
			continue
		}
		if r.clients[i].Connected {
			return api.Failf(api.ErrUsernameTaken, "%q is already connected", user)
		}
		r.clients[i].Connected = true
		r.clients[i].IP = ip
		r.clients[i].ConnectedAt = now
		r.clients[i].LastActivity = now
		return nil
	}
	r.clients = append(r.clients, ClientRecord{
		User:         user,
		IP:           ip,
		ConnectedAt:  now,
		LastActivity: now,
		Connected:    true,
	})
	return nil
}

func (r *registry) disconnectClient(user string) {
	for i := range r.clients {
		if r.clients[i].User == user && r.clients[i].Connected {
			r.clients[i].Connected = false
			return
		}
	}
}

func (r *registry) knownUser(user string) bool {
	for i := range r.clients {
		if r.clients[i].User == user {
			return true
		}
	}
	return false
}
