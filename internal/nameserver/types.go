package nameserver

// Typed indices into the registry arenas. All cross-references between
// files, folders, and storage servers travel as these ids, never as
// pointers; the trie and the LRU cache store FileID values.
type (
	FileID   int
	FolderID int
	SSID     int32
)

const noFile FileID = -1

// ACLEntry grants a user read and/or write on a file or folder. The
// owner's entry always carries both bits and is immutable.
type ACLEntry struct {
	User  string
	Read  bool
	Write bool
}

// FileRecord is the name server's metadata for one file.
type FileRecord struct {
	Name       string
	Folder     string
	Owner      string
	SS         SSID
	CreatedAt  int64
	ModifiedAt int64
	AccessedAt int64
	Size       int64
	Words      int64
	Chars      int64
	ACL        []ACLEntry
	Deleted    bool
}

// Path returns the trie key "folder/name" (bare name at the root).
func (f *FileRecord) Path() string {
	if f.Folder == "" {
		return f.Name
	}
	return f.Folder + "/" + f.Name
}

// FolderRecord is one node of the folder tree. Parent is an index into
// the folders arena; -1 marks a child of the implicit root.
type FolderRecord struct {
	Path      string
	Owner     string
	CreatedAt int64
	Parent    int
	ACL       []ACLEntry
	Deleted   bool
}

// SSRecord tracks one registered storage server. Records are never
// removed, only toggled active/inactive; the replica peer is the
// server whose id differs only in the lowest bit.
type SSRecord struct {
	ID            SSID
	IP            string
	ControlPort   int
	ClientPort    int
	Active        bool
	LastHeartbeat int64
	DiskTotal     uint64
	DiskFree      uint64
}

// ReplicaID returns the deterministic replica pairing: odd ids pair
// with the preceding even id and vice versa.
func (s *SSRecord) ReplicaID() SSID {
	return s.ID ^ 1
}

// ControlAddr is where the name server forwards requests.
func (s *SSRecord) ControlAddr() string {
	return addrOf(s.IP, s.ControlPort)
}

// ClientAddr is the referral address handed to clients.
func (s *SSRecord) ClientAddr() string {
	return addrOf(s.IP, s.ClientPort)
}

// ClientRecord tracks one user session. At most one connected record
// exists per username; reconnects reuse the disconnected slot.
type ClientRecord struct {
	User         string
	IP           string
	ConnectedAt  int64
	LastActivity int64
	Connected    bool
}

// AccessRequest is one pending permission request. At most one pending
// request exists per (file, requester); a write request implies read.
type AccessRequest struct {
	File        string
	Requester   string
	RequestedAt int64
	Read        bool
	Write       bool
}
