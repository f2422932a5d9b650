package nameserver

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"pkt.systems/scrivd/api"
)

// roundTrip opens a transient connection to a storage server, sends
// one request frame, and reads one response frame. A MsgError answer
// is surfaced as a Failure carrying the storage server's code.
func (s *Server) roundTrip(addr string, h api.Header, payload []byte) (*api.Message, error) {
	conn, err := net.DialTimeout("tcp", addr, s.cfg.DialTimeout)
	if err != nil {
		return nil, api.Failf(api.ErrSSUnavailable, "storage server %s unreachable: %v", addr, err)
	}
	defer conn.Close()
	if err := api.WriteMessage(conn, h, payload); err != nil {
		return nil, api.Failf(api.ErrNetworkError, "send to %s: %v", addr, err)
	}
	msg, err := api.ReadMessage(conn)
	if err != nil {
		return nil, api.Failf(api.ErrNetworkError, "read from %s: %v", addr, err)
	}
	if msg.Header.Type == api.MsgError {
		return nil, api.Failure{Code: msg.Header.ErrorCode, Detail: string(msg.Payload)}
	}
	return msg, nil
}

// relay copies a storage server's answer onto the client connection,
// re-labelled with the client's operation code.
func relay(conn net.Conn, clientOp api.Op, user string, msg *api.Message) error {
	out := msg.Header
	out.Op = clientOp
	out.Username = user
	return api.WriteMessage(conn, out, msg.Payload)
}

func validFilename(name string) error {
	if name == "" || len(name) >= api.FilenameLen || !utf8.ValidString(name) {
		return api.Failf(api.ErrInvalidFilename, "invalid filename %q", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return api.Failf(api.ErrInvalidFilename, "filename %q must not contain path separators", name)
	}
	return nil
}

// handleCreate places a new file: the name is reserved under the
// registry lock, then a round-robin-picked server gets SS_CREATE with
// the initial content, and only on its ACK is the metadata indexed.
// The reservation keeps racing creates of one name from reaching two
// different servers; a forward failure leaves no trace.
func (s *Server) handleCreate(conn net.Conn, h api.Header, content []byte) error {
	if err := validFilename(h.Filename); err != nil {
		return err
	}
	folder, err := normalizeFolderPath(h.Foldername)
	if err != nil {
		return err
	}

	s.reg.mu.Lock()
	if _, ok := s.reg.findFile(h.Filename); ok {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrFileExists, "%q exists", h.Filename)
	}
	if s.reg.creating[h.Filename] {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrFileExists, "create of %q already in flight", h.Filename)
	}
	if folder != "" {
		if _, ok := s.reg.findFolder(folder); !ok {
			s.reg.mu.Unlock()
			return api.Failf(api.ErrFolderNotFound, "folder %q not found", folder)
		}
	}
	srv, err := s.reg.pickServer()
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	addr := srv.ControlAddr()
	ssID := srv.ID
	s.reg.creating[h.Filename] = true
	s.reg.mu.Unlock()
	defer func() {
		s.reg.mu.Lock()
		delete(s.reg.creating, h.Filename)
		s.reg.mu.Unlock()
	}()

	req := api.Header{
		Type:       api.MsgRequest,
		Op:         api.OpSSCreate,
		Username:   h.Username,
		Filename:   h.Filename,
		Foldername: folder,
	}
	if _, err := s.roundTrip(addr, req, content); err != nil {
		return err
	}

	now := s.clock.Now().Unix()
	text := string(content)
	rec := FileRecord{
		Name:       h.Filename,
		Folder:     folder,
		Owner:      h.Username,
		SS:         ssID,
		CreatedAt:  now,
		ModifiedAt: now,
		AccessedAt: now,
		Size:       int64(len(content)),
		Words:      int64(len(strings.Fields(text))),
		Chars:      int64(utf8.RuneCountInString(text)),
		ACL:        []ACLEntry{{User: h.Username, Read: true, Write: true}},
	}
	s.reg.mu.Lock()
	s.reg.indexFile(rec)
	s.persistLocked()
	s.reg.mu.Unlock()

	s.logger.Info("file.created", "file", h.Filename, "owner", h.Username, "ss_id", ssID, "folder", folder)
	return api.WriteAck(conn, h, nil)
}

// handleDelete removes a file. Only the owner may delete. The storage
// server is told first; its refusal (an active write session, say)
// leaves the metadata untouched.
func (s *Server) handleDelete(conn net.Conn, h api.Header) error {
	s.reg.mu.Lock()
	rec, id, err := s.reg.file(h.Filename)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	if rec.Owner != h.Username {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrNotOwner, "only the owner may delete %q", h.Filename)
	}
	srv, err := s.reg.routeFile(rec)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	addr := srv.ControlAddr()
	s.reg.mu.Unlock()

	req := api.Header{Type: api.MsgRequest, Op: api.OpSSDelete, Username: h.Username, Filename: h.Filename}
	if _, err := s.roundTrip(addr, req, nil); err != nil {
		return err
	}

	s.reg.mu.Lock()
	s.reg.dropFile(id)
	s.persistLocked()
	s.reg.mu.Unlock()

	s.logger.Info("file.deleted", "file", h.Filename, "owner", h.Username)
	return api.WriteAck(conn, h, nil)
}

// handleMove reassigns a file to another folder. The storage server
// keeps a folder stamp in the meta sidecar, so the move is forwarded
// before the namespace is reindexed.
func (s *Server) handleMove(conn net.Conn, h api.Header) error {
	folder, err := normalizeFolderPath(h.Foldername)
	if err != nil {
		return err
	}

	s.reg.mu.Lock()
	rec, id, err := s.reg.file(h.Filename)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	if rec.Owner != h.Username {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrNotOwner, "only the owner may move %q", h.Filename)
	}
	if folder != "" {
		if _, ok := s.reg.findFolder(folder); !ok {
			s.reg.mu.Unlock()
			return api.Failf(api.ErrFolderNotFound, "folder %q not found", folder)
		}
	}
	srv, err := s.reg.routeFile(rec)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	addr := srv.ControlAddr()
	oldPath := rec.Path()
	s.reg.mu.Unlock()

	req := api.Header{Type: api.MsgRequest, Op: api.OpSSMove, Username: h.Username, Filename: h.Filename, Foldername: folder}
	if _, err := s.roundTrip(addr, req, nil); err != nil {
		return err
	}

	s.reg.mu.Lock()
	rec = &s.reg.files[id]
	rec.Folder = folder
	rec.ModifiedAt = s.clock.Now().Unix()
	s.reg.reindexFile(id, oldPath)
	s.persistLocked()
	s.reg.mu.Unlock()

	s.logger.Info("file.moved", "file", h.Filename, "folder", folder)
	return api.WriteAck(conn, h, nil)
}

// handleCheckpointOp forwards the checkpoint family. Creating a
// checkpoint and reverting require write permission; viewing and
// listing require read.
func (s *Server) handleCheckpointOp(conn net.Conn, h api.Header, ssOp api.Op, needWrite bool) error {
	s.reg.mu.Lock()
	rec, id, err := s.reg.file(h.Filename)
	if err != nil {
		s.reg.mu.Unlock()
		return err
	}
	if needWrite && !rec.canWrite(h.Username) {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrPermissionDenied, "%q may not write %q", h.Username, h.Filename)
	}
	if !needWrite && !rec.canRead(h.Username) {
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

	req := api.Header{
		Type:          api.MsgRequest,
		Op:            ssOp,
		Username:      h.Username,
		Filename:      h.Filename,
		CheckpointTag: h.CheckpointTag,
	}
	msg, err := s.roundTrip(addr, req, nil)
	if err != nil {
		return err
	}
	if ssOp == api.OpSSRevert {
		s.reg.mu.Lock()
		s.reg.files[id].ModifiedAt = s.clock.Now().Unix()
		s.persistLocked()
		s.reg.mu.Unlock()
	}
	return relay(conn, h.Op, h.Username, msg)
}

// fetchContent reads a file's bytes through SS_READ on the owning
// storage server's control port.
func (s *Server) fetchContent(addr, user, file string) ([]byte, error) {
	req := api.Header{Type: api.MsgRequest, Op: api.OpSSRead, Username: user, Filename: file}
	msg, err := s.roundTrip(addr, req, nil)
	if err != nil {
		return nil, err
	}
	if msg.Header.Type != api.MsgResponse {
		return nil, fmt.Errorf("nameserver: unexpected %s answer to read", msg.Header.Type)
	}
	return msg.Payload, nil
}
