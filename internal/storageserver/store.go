package storageserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/scrivd/api"
)

// ErrNotFound reports a file missing from the store.
var ErrNotFound = errors.New("storageserver: file not found")

// Sidecar suffixes that never belong to user files. Names matching any
// reserved pattern are rejected at create time.
const (
	metaSuffix     = ".meta"
	undoSuffix     = ".undo"
	statsSuffix    = ".stats"
	checkpointMark = ".checkpoint."
)

// FileMeta is the sidecar metadata persisted next to every file.
type FileMeta struct {
	Owner    string
	Created  int64
	Modified int64
	Folder   string
}

// Store owns the on-disk layout beneath a single storage root:
//
//	<root>/<name>                      file content
//	<root>/<name>.meta                 key:value sidecar
//	<root>/<name>.undo                 pre-write-session snapshot
//	<root>/<name>.checkpoint.<tag>     checkpoint content
//	<root>/<name>.checkpoint.<tag>.meta  checkpoint creation stamp
type Store struct {
	root string
}

// NewStore prepares a store rooted at root.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storageserver: storage root required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storageserver: prepare root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage root path.
func (s *Store) Root() string { return s.root }

// ValidateName rejects empty names, path escapes, and reserved sidecar
// patterns.
func ValidateName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return api.Failf(api.ErrInvalidFilename, "invalid file name %q", name)
	}
	if strings.HasSuffix(name, metaSuffix) ||
		strings.HasSuffix(name, undoSuffix) ||
		strings.HasSuffix(name, statsSuffix) ||
		strings.Contains(name, checkpointMark) {
		return api.Failf(api.ErrInvalidFilename, "%q matches a reserved pattern", name)
	}
	return nil
}

func (s *Store) path(name string) string { return filepath.Join(s.root, name) }

// Exists reports whether the named file is present.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.path(name))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the file's bytes.
func (s *Store) Read(name string) ([]byte, error) {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storageserver: read %q: %w", name, err)
	}
	return b, nil
}

// Write persists bytes atomically: a temp file in the root renamed
// over the target.
func (s *Store) Write(name string, data []byte) error {
	return s.writeAtomic(s.path(name), data)
}

func (s *Store) writeAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storageserver: write %q: %w", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storageserver: rename %q: %w", target, err)
	}
	return nil
}

// Remove deletes the file and all of its sidecars, checkpoints
// included.
func (s *Store) Remove(name string) error {
	if !s.Exists(name) {
		return ErrNotFound
	}
	if err := os.Remove(s.path(name)); err != nil {
		return fmt.Errorf("storageserver: remove %q: %w", name, err)
	}
	os.Remove(s.path(name) + metaSuffix)
	os.Remove(s.path(name) + undoSuffix)
	tags, _ := s.ListCheckpoints(name)
	for _, cp := range tags {
		os.Remove(s.checkpointPath(name, cp.Tag))
		os.Remove(s.checkpointPath(name, cp.Tag) + metaSuffix)
	}
	return nil
}

// ReadMeta parses the key:value sidecar of the named file. A missing
// sidecar yields a zero FileMeta without error.
func (s *Store) ReadMeta(name string) (FileMeta, error) {
	var meta FileMeta
	raw, err := os.ReadFile(s.path(name) + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return meta, fmt.Errorf("storageserver: read meta %q: %w", name, err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "owner":
			meta.Owner = value
		case "created":
			meta.Created, _ = strconv.ParseInt(value, 10, 64)
		case "modified":
			meta.Modified, _ = strconv.ParseInt(value, 10, 64)
		case "folder":
			meta.Folder = value
		}
	}
	return meta, nil
}

// WriteMeta persists the sidecar for the named file.
func (s *Store) WriteMeta(name string, meta FileMeta) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "owner:%s\n", meta.Owner)
	fmt.Fprintf(&sb, "created:%d\n", meta.Created)
	fmt.Fprintf(&sb, "modified:%d\n", meta.Modified)
	if meta.Folder != "" {
		fmt.Fprintf(&sb, "folder:%s\n", meta.Folder)
	}
	return s.writeAtomic(s.path(name)+metaSuffix, []byte(sb.String()))
}

// WriteRawMeta stores sidecar bytes verbatim, used when replaying a
// peer's sidecar during recovery sync.
func (s *Store) WriteRawMeta(name string, raw []byte) error {
	return s.writeAtomic(s.path(name)+metaSuffix, raw)
}

// ReadRawMeta returns the sidecar bytes verbatim.
func (s *Store) ReadRawMeta(name string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(name) + metaSuffix)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("storageserver: read meta %q: %w", name, err)
	}
	return raw, nil
}

// Touch records a modification timestamp in the sidecar.
func (s *Store) Touch(name string, at time.Time) error {
	meta, err := s.ReadMeta(name)
	if err != nil {
		return err
	}
	meta.Modified = at.Unix()
	if meta.Created == 0 {
		meta.Created = at.Unix()
	}
	return s.WriteMeta(name, meta)
}

// ModTime reports the file's last-modified time: the sidecar stamp
// when present, otherwise the filesystem mtime.
func (s *Store) ModTime(name string) (int64, error) {
	meta, err := s.ReadMeta(name)
	if err != nil {
		return 0, err
	}
	if meta.Modified > 0 {
		return meta.Modified, nil
	}
	info, err := os.Stat(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storageserver: stat %q: %w", name, err)
	}
	return info.ModTime().Unix(), nil
}

// SaveUndo copies the file's current bytes to its undo sidecar.
func (s *Store) SaveUndo(name string) error {
	data, err := s.Read(name)
	if err != nil {
		return err
	}
	return s.writeAtomic(s.path(name)+undoSuffix, data)
}

// RestoreUndo replaces the file with its undo sidecar.
func (s *Store) RestoreUndo(name string) error {
	data, err := os.ReadFile(s.path(name) + undoSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return api.Failf(api.ErrUndoNotAvailable, "no undo snapshot for %q", name)
		}
		return fmt.Errorf("storageserver: read undo %q: %w", name, err)
	}
	return s.Write(name, data)
}

// isSidecar reports names that the file listing and recovery manifest
// must skip.
func isSidecar(name string) bool {
	return strings.HasSuffix(name, metaSuffix) ||
		strings.HasSuffix(name, undoSuffix) ||
		strings.HasSuffix(name, statsSuffix) ||
		strings.HasSuffix(name, ".tmp") ||
		strings.Contains(name, checkpointMark)
}

// List enumerates the store's regular user files, sidecars excluded.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("storageserver: list %q: %w", s.root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || isSidecar(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// checkpointPath builds the content path for a (file, tag) checkpoint.
func (s *Store) checkpointPath(name, tag string) string {
	return s.path(name) + checkpointMark + tag
}
