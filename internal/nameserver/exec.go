package nameserver

import (
	"context"
	"net"
	"os/exec"

	"pkt.systems/scrivd/api"
)

// handleExec fetches the file's bytes from its storage server and runs
// them through a subshell, returning captured stdout. The operation is
// double-gated: the deployment must enable it and the requester must
// hold read permission on the file.
func (s *Server) handleExec(conn net.Conn, h api.Header) error {
	if !s.cfg.ExecEnabled {
		return api.Failf(api.ErrPermissionDenied, "exec is disabled on this name server")
	}

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
	srv, err := s.reg.routeFile(rec)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	addr := srv.ControlAddr()
	s.reg.mu.Unlock()

	script, err := s.fetchContent(addr, h.Username, h.Filename)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", string(script))
	out, err := cmd.Output()
	if err != nil {
		s.logger.Warn("exec.failed", "file", h.Filename, "user", h.Username, "error", err)
		return api.Failf(api.ErrFileOperationFailed, "exec %q: %v", h.Filename, err)
	}
	s.logger.Info("exec.completed", "file", h.Filename, "user", h.Username, "stdout_bytes", len(out))
	return api.WriteResponse(conn, h, out)
}
