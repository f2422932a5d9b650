// Package storageserver implements the payload-owning half of scrivd:
// it persists files beneath a local storage root, parses them into
// sentence-indexed documents, runs the LOCK -> WRITE_WORD -> UNLOCK
// write-session protocol, keeps undo snapshots and named checkpoints,
// streams content word by word, forwards every successful mutation to
// its replica peer, and pulls newer files from the replica when it
// returns from an outage.
package storageserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/scrivd/api"
	"pkt.systems/scrivd/internal/clock"
	"pkt.systems/scrivd/internal/document"
)

// Config captures the tunables for one storage server process.
type Config struct {
	ServerID          int32
	NMAddr            string
	ClientListen      string
	ControlListen     string
	StorageRoot       string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	Logger pslog.Logger
	Clock  clock.Clock
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.ServerID < 0 {
		return fmt.Errorf("storageserver: server id must be >= 0")
	}
	if strings.TrimSpace(c.NMAddr) == "" {
		return fmt.Errorf("storageserver: name server address required")
	}
	if strings.TrimSpace(c.ClientListen) == "" || strings.TrimSpace(c.ControlListen) == "" {
		return fmt.Errorf("storageserver: client and control listen addresses required")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storageserver: storage root required")
	}
	return nil
}

// Server is one storage server instance.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	store    *Store
	cache    *docCache
	sessions *sessionRegistry
	replica  *replicator
	metrics  *serverMetrics

	clientLn  net.Listener
	controlLn net.Listener
}

// New builds a storage server from cfg.
func New(cfg Config) (*Server, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("sys", "storageserver", "ss_id", cfg.ServerID)
	store, err := NewStore(cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	cache, err := newDocCache(store, logger.With("sys", "storageserver.cache"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		clock:    cfg.Clock,
		store:    store,
		cache:    cache,
		sessions: newSessionRegistry(),
		metrics:  newServerMetrics(logger),
	}
	s.replica = newReplicator(logger, cfg.DialTimeout, s.metrics)
	return s, nil
}

// Store exposes the disk store, used by tests and the recovery path.
func (s *Server) Store() *Store { return s.store }

// ClientAddr returns the bound client data address once Run started.
func (s *Server) ClientAddr() string {
	if s.clientLn == nil {
		return ""
	}
	return s.clientLn.Addr().String()
}

// ControlAddr returns the bound control address once Run started.
func (s *Server) ControlAddr() string {
	if s.controlLn == nil {
		return ""
	}
	return s.controlLn.Addr().String()
}

// Run starts both listeners and the heartbeat loop and blocks until
// ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	var err error
	s.clientLn, err = net.Listen("tcp", s.cfg.ClientListen)
	if err != nil {
		return fmt.Errorf("storageserver: listen client %q: %w", s.cfg.ClientListen, err)
	}
	s.controlLn, err = net.Listen("tcp", s.cfg.ControlListen)
	if err != nil {
		s.clientLn.Close()
		return fmt.Errorf("storageserver: listen control %q: %w", s.cfg.ControlListen, err)
	}
	s.logger.Info("storageserver.started",
		"client_listen", s.clientLn.Addr().String(),
		"control_listen", s.controlLn.Addr().String(),
		"storage_root", s.store.Root(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, s.clientLn) })
	g.Go(func() error { return s.acceptLoop(ctx, s.controlLn) })
	g.Go(func() error { return s.heartbeatLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		s.clientLn.Close()
		s.controlLn.Close()
		s.cache.close()
		return ctx.Err()
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("storageserver: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn serves frames until the peer closes. Write sessions begun
// on this connection roll their sentences back and release their locks
// when it dies; the replica is told to do the same.
func (s *Server) handleConn(conn net.Conn) {
	connID := xid.New().String()
	logger := s.logger.With("conn", connID, "remote", conn.RemoteAddr().String())
	defer func() {
		for _, sess := range s.sessions.endConn(connID) {
			s.rollbackSession(sess)
			s.forward(api.Header{
				Op:            api.OpSSWriteUnlock,
				Username:      sess.User,
				Filename:      sess.File,
				SentenceIndex: sess.SentenceIndex,
				Flags:         api.FlagDiscard,
			}, nil)
			logger.Info("session.abandoned",
				"file", sess.File,
				"user", sess.User,
				"sentence", sess.SentenceIndex,
			)
			s.metrics.sessionAbandoned()
		}
		conn.Close()
	}()

	for {
		msg, err := api.ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("conn.read.failed", "error", err)
			}
			return
		}
		if msg.Header.Type != api.MsgRequest {
			continue
		}
		s.dispatch(conn, connID, logger, msg)
	}
}

func (s *Server) dispatch(conn net.Conn, connID string, logger pslog.Logger, msg *api.Message) {
	h := msg.Header
	var err error
	switch h.Op {
	case api.OpSSCreate:
		err = s.handleCreate(conn, h, msg.Payload)
	case api.OpSSDelete:
		err = s.handleDelete(conn, h)
	case api.OpSSRead:
		err = s.handleRead(conn, h)
	case api.OpSSWriteLock:
		err = s.handleWriteLock(conn, connID, h)
	case api.OpSSWriteWord:
		err = s.handleWriteWord(conn, h, msg.Payload)
	case api.OpSSWriteUnlock:
		err = s.handleWriteUnlock(conn, h)
	case api.OpSSUndo:
		err = s.handleUndo(conn, h)
	case api.OpSSMove:
		err = s.handleMove(conn, h)
	case api.OpSSCheckpoint:
		err = s.handleCheckpoint(conn, h)
	case api.OpSSViewCheckpoint:
		err = s.handleViewCheckpoint(conn, h)
	case api.OpSSRevert:
		err = s.handleRevert(conn, h)
	case api.OpSSListCheckpoints:
		err = s.handleListCheckpoints(conn, h)
	case api.OpSSStream:
		err = s.handleStream(conn, h)
	case api.OpSSSync:
		err = s.handleSyncPull(conn, h, msg.Payload)
	case api.OpSSCheckMtime:
		err = s.handleCheckMtime(conn, h)
	default:
		err = api.Failf(api.ErrInvalidCommand, "unsupported operation %s", h.Op)
	}
	if err != nil {
		code := api.CodeOf(err)
		logger.Debug("op.failed", "op", h.Op.String(), "file", h.Filename, "code", code.String(), "error", err)
		_ = api.WriteError(conn, h, code, err.Error())
	}
}

func (s *Server) replicated(h api.Header) bool {
	return h.Flags&api.FlagReplica != 0
}

// forward mirrors a locally-committed mutation to the replica peer.
// Replication never gates the client ACK; failures are logged.
func (s *Server) forward(h api.Header, payload []byte) {
	if s.replicated(h) {
		return
	}
	s.replica.forward(h, payload)
}

func (s *Server) handleCreate(conn net.Conn, h api.Header, payload []byte) error {
	if err := ValidateName(h.Filename); err != nil {
		return err
	}
	if s.store.Exists(h.Filename) {
		return api.Failf(api.ErrFileExists, "%q already exists", h.Filename)
	}
	now := s.clock.Now()
	if err := s.store.Write(h.Filename, payload); err != nil {
		return err
	}
	meta := FileMeta{Owner: h.Username, Created: now.Unix(), Modified: now.Unix(), Folder: h.Foldername}
	if err := s.store.WriteMeta(h.Filename, meta); err != nil {
		return err
	}
	s.writeStats(h.Filename, string(payload))
	s.logger.Info("file.created", "file", h.Filename, "owner", h.Username)
	s.forward(h, payload)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleDelete(conn net.Conn, h api.Header) error {
	if s.sessions.activeOn(h.Filename) {
		return api.Failf(api.ErrSentenceLocked, "%q has active write sessions", h.Filename)
	}
	if err := s.store.Remove(h.Filename); err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
		}
		return err
	}
	s.cache.drop(h.Filename)
	s.logger.Info("file.deleted", "file", h.Filename, "user", h.Username)
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleRead(conn net.Conn, h api.Header) error {
	data, err := s.store.Read(h.Filename)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
		}
		return err
	}
	if len(data) == 0 {
		return api.Failf(api.ErrFileEmpty, "%q is empty", h.Filename)
	}
	return api.WriteResponse(conn, h, data)
}

func (s *Server) handleWriteLock(conn net.Conn, connID string, h api.Header) error {
	doc, err := s.docFor(h.Filename)
	if err != nil {
		return err
	}
	id, err := doc.IDByIndex(int(h.SentenceIndex))
	if err != nil {
		return api.Failf(api.ErrInvalidSentence, "no sentence %d in %q", h.SentenceIndex, h.Filename)
	}
	if err := doc.Lock(id, h.Username); err != nil {
		if errors.Is(err, document.ErrSentenceLocked) {
			holder, _ := doc.LockedBy(id)
			return api.Failf(api.ErrSentenceLocked, "sentence %d held by %s", h.SentenceIndex, holder)
		}
		return err
	}
	if err := s.store.SaveUndo(h.Filename); err != nil {
		_ = doc.Unlock(id, h.Username)
		return err
	}
	initial, err := doc.SentenceText(id)
	if err != nil {
		_ = doc.Unlock(id, h.Username)
		return err
	}
	bindConn := connID
	if s.replicated(h) {
		bindConn = ""
	}
	s.sessions.begin(h.Filename, h.Username, id, h.SentenceIndex, bindConn, initial, s.clock.Now())
	s.metrics.sessionStarted()
	s.logger.Info("session.lock", "file", h.Filename, "user", h.Username, "sentence", h.SentenceIndex)
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleWriteWord(conn net.Conn, h api.Header, payload []byte) error {
	sess, err := s.sessions.lookup(h.Filename, h.Username)
	if err != nil {
		return err
	}
	if sess.SentenceIndex != h.SentenceIndex {
		return api.Failf(api.ErrInvalidSentence, "session holds sentence %d, not %d", sess.SentenceIndex, h.SentenceIndex)
	}
	doc, ok := s.cache.peek(h.Filename)
	if !ok {
		return api.Failf(api.ErrInvalidSentence, "no open document for %q", h.Filename)
	}
	newWord := string(payload)
	var newText string
	if h.WordIndex == api.WholeSentence {
		newText = newWord
	} else {
		current, err := doc.SentenceText(sess.SentenceID)
		if err != nil {
			return api.Failf(api.ErrInvalidSentence, "sentence vanished from %q", h.Filename)
		}
		words := strings.Fields(current)
		if h.WordIndex < 0 || int(h.WordIndex) >= len(words) {
			return api.Failf(api.ErrInvalidWord, "word %d out of range (%d words)", h.WordIndex, len(words))
		}
		words[h.WordIndex] = newWord
		newText = strings.Join(words, " ")
	}
	if err := doc.Edit(sess.SentenceID, newText, h.Username); err != nil {
		if errors.Is(err, document.ErrNotLockHolder) {
			return api.Failf(api.ErrPermissionDenied, "lock not held by %s", h.Username)
		}
		return err
	}
	s.sessions.markDirty(h.Filename, h.Username)
	s.forward(h, payload)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleWriteUnlock(conn net.Conn, h api.Header) error {
	sess, err := s.sessions.lookup(h.Filename, h.Username)
	if err != nil {
		return err
	}
	if h.Flags&api.FlagDiscard != 0 {
		s.rollbackSession(sess)
		s.sessions.end(h.Filename, h.Username)
		s.metrics.sessionAbandoned()
		s.logger.Info("session.discarded", "file", h.Filename, "user", h.Username, "sentence", sess.SentenceIndex)
		s.forward(h, nil)
		return api.WriteAck(conn, h, nil)
	}
	doc, ok := s.cache.peek(h.Filename)
	if !ok {
		return api.Failf(api.ErrFileOperationFailed, "no open document for %q", h.Filename)
	}
	text := doc.Text()
	if err := s.store.Write(h.Filename, []byte(text)); err != nil {
		return err
	}
	if err := s.store.Touch(h.Filename, s.clock.Now()); err != nil {
		return err
	}
	s.writeStats(h.Filename, text)
	if err := doc.Unlock(sess.SentenceID, h.Username); err != nil && !errors.Is(err, document.ErrNotLockHolder) {
		return err
	}
	s.sessions.end(h.Filename, h.Username)
	s.metrics.sessionCommitted()
	s.logger.Info("session.commit", "file", h.Filename, "user", h.Username, "sentence", sess.SentenceIndex, "bytes", len(text))
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleUndo(conn net.Conn, h api.Header) error {
	if s.lockedAnywhere(h.Filename) {
		return api.Failf(api.ErrSentenceLocked, "%q has locked sentences", h.Filename)
	}
	if !s.store.Exists(h.Filename) {
		return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
	}
	if err := s.store.RestoreUndo(h.Filename); err != nil {
		return err
	}
	if err := s.store.Touch(h.Filename, s.clock.Now()); err != nil {
		return err
	}
	s.cache.drop(h.Filename)
	if data, err := s.store.Read(h.Filename); err == nil {
		s.writeStats(h.Filename, string(data))
	}
	s.logger.Info("file.undo", "file", h.Filename, "user", h.Username)
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleMove(conn net.Conn, h api.Header) error {
	if !s.store.Exists(h.Filename) {
		return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
	}
	meta, err := s.store.ReadMeta(h.Filename)
	if err != nil {
		return err
	}
	meta.Folder = h.Foldername
	if err := s.store.WriteMeta(h.Filename, meta); err != nil {
		return err
	}
	s.logger.Info("file.moved", "file", h.Filename, "folder", h.Foldername)
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleCheckpoint(conn net.Conn, h api.Header) error {
	if !s.store.Exists(h.Filename) {
		return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
	}
	if err := s.store.CreateCheckpoint(h.Filename, h.CheckpointTag, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info("checkpoint.created", "file", h.Filename, "tag", h.CheckpointTag)
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleViewCheckpoint(conn net.Conn, h api.Header) error {
	data, err := s.store.ViewCheckpoint(h.Filename, h.CheckpointTag)
	if err != nil {
		return err
	}
	return api.WriteResponse(conn, h, data)
}

func (s *Server) handleRevert(conn net.Conn, h api.Header) error {
	if s.lockedAnywhere(h.Filename) {
		return api.Failf(api.ErrSentenceLocked, "%q has locked sentences", h.Filename)
	}
	if !s.store.Exists(h.Filename) {
		return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
	}
	if err := s.store.RevertToCheckpoint(h.Filename, h.CheckpointTag, s.clock.Now()); err != nil {
		return err
	}
	s.cache.drop(h.Filename)
	if data, err := s.store.Read(h.Filename); err == nil {
		s.writeStats(h.Filename, string(data))
	}
	s.logger.Info("checkpoint.reverted", "file", h.Filename, "tag", h.CheckpointTag)
	s.forward(h, nil)
	return api.WriteAck(conn, h, nil)
}

func (s *Server) handleListCheckpoints(conn net.Conn, h api.Header) error {
	if !s.store.Exists(h.Filename) {
		return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
	}
	tags, err := s.store.ListCheckpoints(h.Filename)
	if err != nil {
		return err
	}
	var sb strings.Builder
	for _, cp := range tags {
		fmt.Fprintf(&sb, "%s\t%d\n", cp.Tag, cp.CreatedAt)
	}
	return api.WriteResponse(conn, h, []byte(sb.String()))
}

func (s *Server) handleCheckMtime(conn net.Conn, h api.Header) error {
	ts, err := s.store.ModTime(h.Filename)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
		}
		return err
	}
	return api.WriteResponse(conn, h, []byte(fmt.Sprintf("%d", ts)))
}

// rollbackSession restores a session's sentence to its lock-time text
// and releases the lock. Uncommitted edits never reach disk: the next
// commit on the shared document persists the rolled-back text.
func (s *Server) rollbackSession(sess *WriteSession) {
	doc, ok := s.cache.peek(sess.File)
	if !ok {
		return
	}
	if sess.Dirty {
		if err := doc.Edit(sess.SentenceID, sess.InitialText, sess.User); err != nil {
			s.logger.Warn("session.rollback.failed",
				"file", sess.File,
				"user", sess.User,
				"sentence", sess.SentenceIndex,
				"error", err,
			)
		}
	}
	_ = doc.Unlock(sess.SentenceID, sess.User)
}

// docFor loads the document, invalidating any unlocked cache entry
// first so a lock attempt always parses the latest committed bytes.
func (s *Server) docFor(name string) (*document.Document, error) {
	if !s.store.Exists(name) {
		return nil, api.Failf(api.ErrFileNotFound, "%q not found", name)
	}
	s.cache.invalidate(name)
	return s.cache.get(name)
}

// lockedAnywhere reports whether the file is pinned by a session or a
// cached document lock.
func (s *Server) lockedAnywhere(name string) bool {
	if s.sessions.activeOn(name) {
		return true
	}
	if doc, ok := s.cache.peek(name); ok && doc.AnyLocked() {
		return true
	}
	return false
}

// writeStats refreshes the .stats sidecar after each committed change.
func (s *Server) writeStats(name, text string) {
	stats := fmt.Sprintf("size:%d\nwords:%d\nchars:%d\n", len(text), len(strings.Fields(text)), len(text))
	if err := s.store.writeAtomic(s.store.path(name)+statsSuffix, []byte(stats)); err != nil {
		s.logger.Warn("stats.write.failed", "file", name, "error", err)
	}
}
