package nameserver

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"pkt.systems/scrivd/api"
)

// handleRequestAccess files a pending access request. Flag bit 0 asks
// for read, bit 1 for write; write implies read. At most one pending
// request exists per (file, requester).
func (s *Server) handleRequestAccess(conn net.Conn, h api.Header) error {
	wantRead := h.Flags&api.FlagRead != 0
	wantWrite := h.Flags&api.FlagWrite != 0
	if wantWrite {
		wantRead = true
	}
	if !wantRead {
		return api.Failf(api.ErrInvalidCommand, "request needs read and/or write")
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	rec, _, err := s.reg.file(h.Filename)
	if err != nil {
		return err
	}
	if rec.Owner == h.Username {
		return api.Failf(api.ErrAlreadyHasAccess, "%q owns the file", h.Username)
	}
	if (!wantWrite && rec.canRead(h.Username)) || (wantWrite && rec.canWrite(h.Username)) {
		return api.Failf(api.ErrAlreadyHasAccess, "%q already has the requested access", h.Username)
	}
	for i := range s.reg.requests {
		req := &s.reg.requests[i]
		if req.File == rec.Name && req.Requester == h.Username {
			return api.Failf(api.ErrRequestExists, "request for %q by %q is already pending", rec.Name, h.Username)
		}
	}
	s.reg.requests = append(s.reg.requests, AccessRequest{
		File:        rec.Name,
		Requester:   h.Username,
		RequestedAt: s.clock.Now().Unix(),
		Read:        wantRead,
		Write:       wantWrite,
	})
	s.logger.Info("request.filed", "file", rec.Name, "requester", h.Username, "read", wantRead, "write", wantWrite)
	return api.WriteAck(conn, h, nil)
}

// handleViewRequests lists the pending requests against files the
// requesting user owns.
func (s *Server) handleViewRequests(conn net.Conn, h api.Header) error {
	s.reg.mu.Lock()
	var lines []string
	for i := range s.reg.requests {
		req := &s.reg.requests[i]
		id, ok := s.reg.findFile(req.File)
		if !ok || s.reg.files[id].Owner != h.Username {
			continue
		}
		perm := "r"
		if req.Write {
			perm = "rw"
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%d", req.File, req.Requester, perm, req.RequestedAt))
	}
	s.reg.mu.Unlock()

	sort.Strings(lines)
	return api.WriteResponse(conn, h, []byte(strings.Join(lines, "\n")))
}

// takeRequest removes and returns the pending request for
// (file, requester), enforcing that the caller owns the file.
func (s *Server) takeRequest(file, requester, owner string) (AccessRequest, error) {
	rec, _, err := s.reg.file(file)
	if err != nil {
		return AccessRequest{}, err
	}
	if rec.Owner != owner {
		return AccessRequest{}, api.Failf(api.ErrNotOwner, "only the owner decides requests on %q", file)
	}
	for i := range s.reg.requests {
		req := s.reg.requests[i]
		if req.File == rec.Name && req.Requester == requester {
			s.reg.requests = append(s.reg.requests[:i], s.reg.requests[i+1:]...)
			return req, nil
		}
	}
	return AccessRequest{}, api.Failf(api.ErrRequestNotFound, "no pending request for %q by %q", file, requester)
}

// handleApproveRequest grants exactly what was asked and drops the
// request. The requester username travels in the payload.
func (s *Server) handleApproveRequest(conn net.Conn, h api.Header, payload []byte) error {
	requester := strings.TrimSpace(string(payload))
	if requester == "" {
		return api.Failf(api.ErrInvalidCommand, "requester username required")
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	req, err := s.takeRequest(h.Filename, requester, h.Username)
	if err != nil {
		return err
	}
	rec, _, err := s.reg.file(h.Filename)
	if err != nil {
		return err
	}
	if err := rec.grant(requester, req.Read, req.Write); err != nil {
		// AlreadyHasAccess here means the owner granted manually in
		// the meantime; the request is consumed either way.
		if api.CodeOf(err) != api.ErrAlreadyHasAccess {
			return err
		}
	}
	s.persistLocked()
	s.logger.Info("request.approved", "file", h.Filename, "requester", requester)
	return api.WriteAck(conn, h, nil)
}

// handleDenyRequest drops the request without granting anything.
func (s *Server) handleDenyRequest(conn net.Conn, h api.Header, payload []byte) error {
	requester := strings.TrimSpace(string(payload))
	if requester == "" {
		return api.Failf(api.ErrInvalidCommand, "requester username required")
	}

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if _, err := s.takeRequest(h.Filename, requester, h.Username); err != nil {
		return err
	}
	s.logger.Info("request.denied", "file", h.Filename, "requester", requester)
	return api.WriteAck(conn, h, nil)
}
