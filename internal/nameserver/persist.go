package nameserver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// The durable state covers files and their ACLs only. Folders, pending
// access requests, and client sessions are rebuilt from live traffic
// after a restart. The format is newline-delimited key:value records,
// one block per file terminated by "end".

// persistLocked writes the state file. Callers hold reg.mu. Failures
// are logged, not propagated: the in-memory state already committed.
func (s *Server) persistLocked() {
	if s.cfg.StateFile == "" {
		return
	}
	var b strings.Builder
	for i := range s.reg.files {
		f := &s.reg.files[i]
		if f.Deleted {
			continue
		}
		fmt.Fprintf(&b, "file:%s\n", f.Name)
		fmt.Fprintf(&b, "folder:%s\n", f.Folder)
		fmt.Fprintf(&b, "owner:%s\n", f.Owner)
		fmt.Fprintf(&b, "ss:%d\n", f.SS)
		fmt.Fprintf(&b, "created:%d\n", f.CreatedAt)
		fmt.Fprintf(&b, "modified:%d\n", f.ModifiedAt)
		fmt.Fprintf(&b, "accessed:%d\n", f.AccessedAt)
		fmt.Fprintf(&b, "size:%d\n", f.Size)
		fmt.Fprintf(&b, "words:%d\n", f.Words)
		fmt.Fprintf(&b, "chars:%d\n", f.Chars)
		for _, e := range f.ACL {
			fmt.Fprintf(&b, "acl:%s,%t,%t\n", e.User, e.Read, e.Write)
		}
		b.WriteString("end\n")
	}
	tmp := s.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		s.logger.Error("state.save.failed", "path", s.cfg.StateFile, "error", err)
		return
	}
	if err := os.Rename(tmp, s.cfg.StateFile); err != nil {
		os.Remove(tmp)
		s.logger.Error("state.save.failed", "path", s.cfg.StateFile, "error", err)
	}
}

// loadState reloads persisted file metadata. A missing state file is a
// fresh start, not an error.
func (s *Server) loadState() error {
	fh, err := os.Open(s.cfg.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(s.cfg.StateFile); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("nameserver: state dir: %w", err)
				}
			}
			return nil
		}
		return fmt.Errorf("nameserver: open state %q: %w", s.cfg.StateFile, err)
	}
	defer fh.Close()

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	var rec FileRecord
	open := false
	loaded := 0
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "end" {
			if open && rec.Name != "" {
				s.reg.indexFile(rec)
				loaded++
			}
			rec = FileRecord{}
			open = false
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "file":
			rec = FileRecord{Name: value}
			open = true
		case "folder":
			rec.Folder = value
		case "owner":
			rec.Owner = value
		case "ss":
			v, _ := strconv.ParseInt(value, 10, 32)
			rec.SS = SSID(v)
		case "created":
			rec.CreatedAt, _ = strconv.ParseInt(value, 10, 64)
		case "modified":
			rec.ModifiedAt, _ = strconv.ParseInt(value, 10, 64)
		case "accessed":
			rec.AccessedAt, _ = strconv.ParseInt(value, 10, 64)
		case "size":
			rec.Size, _ = strconv.ParseInt(value, 10, 64)
		case "words":
			rec.Words, _ = strconv.ParseInt(value, 10, 64)
		case "chars":
			rec.Chars, _ = strconv.ParseInt(value, 10, 64)
		case "acl":
			parts := strings.Split(value, ",")
			if len(parts) == 3 {
				rec.ACL = append(rec.ACL, ACLEntry{
					User:  parts[0],
					Read:  parts[1] == "true",
					Write: parts[2] == "true",
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("nameserver: read state %q: %w", s.cfg.StateFile, err)
	}
	// Folders are not persisted, but surviving files may reference
	// them; resurrect the referenced paths so lookups keep working.
	for i := range s.reg.files {
		f := &s.reg.files[i]
		if f.Deleted || f.Folder == "" {
			continue
		}
		s.restoreFolder(f.Folder, f.Owner)
	}
	if loaded > 0 {
		s.logger.Info("state.loaded", "path", s.cfg.StateFile, "files", loaded)
	}
	return nil
}

// restoreFolder recreates a folder chain referenced by a persisted
// file, parents first.
func (s *Server) restoreFolder(path, owner string) {
	if path == "" {
		return
	}
	if _, ok := s.reg.findFolder(path); ok {
		return
	}
	s.restoreFolder(parentPath(path), owner)
	parent := -1
	if pp := parentPath(path); pp != "" {
		if pid, ok := s.reg.findFolder(pp); ok {
			parent = int(pid)
		}
	}
	s.reg.folders = append(s.reg.folders, FolderRecord{
		Path:      path,
		Owner:     owner,
		CreatedAt: s.clock.Now().Unix(),
		Parent:    parent,
		ACL:       []ACLEntry{{User: owner, Read: true, Write: true}},
	})
}
