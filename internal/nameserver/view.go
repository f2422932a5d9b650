package nameserver

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"pkt.systems/scrivd/api"
)

// handleView lists the files the requesting user may read. Flag bit 0
// includes hidden files (leading-dot names); bit 1 selects the long
// listing with owner, folder, size, and modification time.
func (s *Server) handleView(conn net.Conn, h api.Header) error {
	showHidden := h.Flags&api.FlagAll != 0
	long := h.Flags&api.FlagLong != 0

	s.reg.mu.Lock()
	var lines []string
	for i := range s.reg.files {
		f := &s.reg.files[i]
		if f.Deleted || !f.canRead(h.Username) {
			continue
		}
		if !showHidden && strings.HasPrefix(f.Name, ".") {
			continue
		}
		if long {
			lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%d\t%d", f.Path(), f.Owner, f.Folder, f.Size, f.ModifiedAt))
		} else {
			lines = append(lines, f.Path())
		}
	}
	s.reg.mu.Unlock()

	sort.Strings(lines)
	return api.WriteResponse(conn, h, []byte(strings.Join(lines, "\n")))
}

// handleListUsers reports every known user with connection state and
// last-activity stamp.
func (s *Server) handleListUsers(conn net.Conn, h api.Header) error {
	s.reg.mu.Lock()
	var lines []string
	for i := range s.reg.clients {
		c := &s.reg.clients[i]
		state := "offline"
		if c.Connected {
			state = "online"
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%d", c.User, state, c.IP, c.LastActivity))
	}
	s.reg.mu.Unlock()

	sort.Strings(lines)
	return api.WriteResponse(conn, h, []byte(strings.Join(lines, "\n")))
}

// handleInfo returns one file's full metadata as key:value lines.
func (s *Server) handleInfo(conn net.Conn, h api.Header) error {
	s.reg.mu.Lock()
	rec, _, err := s.reg.file(h.Filename)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	if !rec.canRead(h.Username) {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrPermissionDenied, "%q may not read %q", h.Username, h.Filename)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "name:%s\n", rec.Name)
	fmt.Fprintf(&b, "folder:%s\n", rec.Folder)
	fmt.Fprintf(&b, "owner:%s\n", rec.Owner)
	fmt.Fprintf(&b, "ss:%d\n", rec.SS)
	fmt.Fprintf(&b, "created:%d\n", rec.CreatedAt)
	fmt.Fprintf(&b, "modified:%d\n", rec.ModifiedAt)
	fmt.Fprintf(&b, "accessed:%d\n", rec.AccessedAt)
	fmt.Fprintf(&b, "size:%d\n", rec.Size)
	fmt.Fprintf(&b, "words:%d\n", rec.Words)
	fmt.Fprintf(&b, "chars:%d\n", rec.Chars)
	for _, e := range rec.ACL {
		fmt.Fprintf(&b, "acl:%s,%t,%t\n", e.User, e.Read, e.Write)
	}
	s.reg.mu.Unlock()
	return api.WriteResponse(conn, h, []byte(b.String()))
}
