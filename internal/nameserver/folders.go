package nameserver

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"pkt.systems/scrivd/api"
)

// normalizeFolderPath canonicalises a folder argument: forward-slash
// separated, no leading/trailing slashes, no empty or dot segments.
// The empty string names the implicit root.
func normalizeFolderPath(path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", nil
	}
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", api.Failf(api.ErrInvalidPath, "invalid folder path %q", path)
		}
	}
	return strings.Join(segments, "/"), nil
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func (s *Server) handleCreateFolder(conn net.Conn, h api.Header) error {
	path, err := normalizeFolderPath(h.Foldername)
	if err != nil {
		return err
	}
	if path == "" {
		return api.Failf(api.ErrInvalidPath, "folder name required")
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if _, ok := s.reg.findFolder(path); ok {
		return api.Failf(api.ErrFolderExists, "folder %q exists", path)
	}
	parent := -1
	if pp := parentPath(path); pp != "" {
		pid, ok := s.reg.findFolder(pp)
		if !ok {
			return api.Failf(api.ErrFolderNotFound, "parent folder %q not found", pp)
		}
		parent = int(pid)
	}
	s.reg.folders = append(s.reg.folders, FolderRecord{
		Path:      path,
		Owner:     h.Username,
		CreatedAt: s.clock.Now().Unix(),
		Parent:    parent,
		ACL:       []ACLEntry{{User: h.Username, Read: true, Write: true}},
	})
	s.logger.Info("folder.created", "folder", path, "owner", h.Username)
	return api.WriteAck(conn, h, nil)
}

// handleViewFolder lists the immediate subfolders and the files of one
// folder, filtered to what the requesting user may read.
func (s *Server) handleViewFolder(conn net.Conn, h api.Header) error {
	path, err := normalizeFolderPath(h.Foldername)
	if err != nil {
		return err
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if path != "" {
		if _, ok := s.reg.findFolder(path); !ok {
			return api.Failf(api.ErrFolderNotFound, "folder %q not found", path)
		}
	}

	var lines []string
	for i := range s.reg.folders {
		f := &s.reg.folders[i]
		if f.Deleted || parentPath(f.Path) != path || f.Path == "" {
			continue
		}
		if path == "" && strings.Contains(f.Path, "/") {
			continue
		}
		lines = append(lines, "d\t"+f.Path)
	}
	for i := range s.reg.files {
		f := &s.reg.files[i]
		if f.Deleted || f.Folder != path || !f.canRead(h.Username) {
			continue
		}
		lines = append(lines, fmt.Sprintf("f\t%s\t%s\t%d\t%d", f.Name, f.Owner, f.Size, f.ModifiedAt))
	}
	sort.Strings(lines)
	return api.WriteResponse(conn, h, []byte(strings.Join(lines, "\n")))
}
