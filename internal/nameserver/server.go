// Package nameserver implements the metadata half of scrivd: the file
// and folder namespace, per-file ACLs and access requests, the storage
// server registry with heartbeat-driven health and failover routing,
// and the dispatch that forwards or refers client operations to the
// storage server that owns the payload.
package nameserver

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
)

// Defaults for the tunables in Config.
const (
	DefaultLookupCacheSize        = 64
	DefaultHeartbeatCheckInterval = 5 * time.Second
	DefaultHeartbeatTimeout       = 15 * time.Second
	DefaultDialTimeout            = 5 * time.Second
	DefaultExecTimeout            = 30 * time.Second
)

// Config captures the tunables for one name server process.
type Config struct {
	Listen                 string
	StateFile              string
	LookupCacheSize        int
	HeartbeatCheckInterval time.Duration
	HeartbeatTimeout       time.Duration
	DialTimeout            time.Duration

	// ExecEnabled gates the EXEC operation. Off by default: running
	// stored file bytes through a shell is opt-in per deployment.
	ExecEnabled bool
	ExecTimeout time.Duration

	Logger pslog.Logger
	Clock  clock.Clock
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if c.LookupCacheSize <= 0 {
		c.LookupCacheSize = DefaultLookupCacheSize
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
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
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("nameserver: listen address required")
	}
	return nil
}

// Server is one name server instance.
type Server struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	reg     *registry
	metrics *serverMetrics

	ln net.Listener
}

// New builds a name server from cfg and reloads persisted metadata
// when a state file exists.
func New(cfg Config) (*Server, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("sys", "nameserver")
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		clock:   cfg.Clock,
		reg:     newRegistry(cfg.Clock, logger, cfg.LookupCacheSize),
		metrics: newServerMetrics(logger),
	}
	if cfg.StateFile != "" {
		if err := s.loadState(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Addr returns the bound listen address once Run has started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Run starts the listener and health monitor and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	var err error
	s.ln, err = net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("nameserver: listen %q: %w", s.cfg.Listen, err)
	}
	s.logger.Info("nameserver.started", "listen", s.ln.Addr().String(), "state_file", s.cfg.StateFile)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx) })
	g.Go(func() error { return s.monitorLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		s.ln.Close()
		return nil
	})
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("nameserver: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// connState tracks what one accepted connection has identified itself
// as: a client shell (after CONNECT_CLIENT) or a storage server (after
// REGISTER_SS). The cleanup on close depends on which.
type connState struct {
	user string
	ssID SSID
	isSS bool
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("conn", xid.New().String(), "remote", conn.RemoteAddr().String())
	state := &connState{ssID: -1}
	defer func() {
		if state.user != "" {
			s.reg.mu.Lock()
			s.reg.disconnectClient(state.user)
			s.reg.mu.Unlock()
			logger.Info("client.disconnected", "user", state.user)
		}
	}()
	for {
		msg, err := api.ReadMessage(conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Warn("conn.read.failed", "error", err)
			}
			return
		}
		if err := s.dispatch(conn, logger, state, msg); err != nil {
			code := api.CodeOf(err)
			logger.Info("op.failed", "op", msg.Header.Op.String(), "user", msg.Header.Username, "code", code.String(), "error", err)
			if werr := api.WriteError(conn, msg.Header, code, err.Error()); werr != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(conn net.Conn, logger pslog.Logger, state *connState, msg *api.Message) error {
	h := msg.Header
	s.metrics.add(s.metrics.requests, 1)

	// Control-plane frames from storage servers.
	switch h.Op {
	case api.OpRegisterSS:
		return s.handleRegister(conn, logger, state, msg)
	case api.OpHeartbeat:
		return s.handleHeartbeat(conn, state, msg)
	case api.OpConnectClient:
		return s.handleConnect(conn, state, h)
	case api.OpDisconnect:
		if state.user != "" {
			s.reg.mu.Lock()
			s.reg.disconnectClient(state.user)
			s.reg.mu.Unlock()
			logger.Info("client.disconnected", "user", state.user)
			state.user = ""
		}
		return api.WriteAck(conn, h, nil)
	}

	// Everything else requires an identified client session.
	if state.user == "" || h.Username != state.user {
		return api.Failf(api.ErrPermissionDenied, "connect with a username first")
	}
	s.reg.mu.Lock()
	s.reg.touchClient(state.user)
	s.reg.mu.Unlock()

	switch h.Op {
	case api.OpView:
		return s.handleView(conn, h)
	case api.OpList:
		return s.handleListUsers(conn, h)
	case api.OpInfo:
		return s.handleInfo(conn, h)
	case api.OpViewFolder:
		return s.handleViewFolder(conn, h)
	case api.OpCreateFolder:
		return s.handleCreateFolder(conn, h)
	case api.OpCreate:
		return s.handleCreate(conn, h, msg.Payload)
	case api.OpDelete:
		return s.handleDelete(conn, h)
	case api.OpMove:
		return s.handleMove(conn, h)
	case api.OpRead, api.OpStream:
		return s.handleReferral(conn, h, false)
	case api.OpWrite, api.OpUndo:
		return s.handleReferral(conn, h, true)
	case api.OpExec:
		return s.handleExec(conn, h)
	case api.OpAddAccess:
		target := strings.TrimSpace(string(msg.Payload))
		if err := s.addAccess(h.Username, h.Filename, target, h.Flags&api.FlagRead != 0, h.Flags&api.FlagWrite != 0); err != nil {
			return err
		}
		return api.WriteAck(conn, h, nil)
	case api.OpRemAccess:
		target := strings.TrimSpace(string(msg.Payload))
		if err := s.removeAccess(h.Username, h.Filename, target); err != nil {
			return err
		}
		return api.WriteAck(conn, h, nil)
	case api.OpRequestAccess:
		return s.handleRequestAccess(conn, h)
	case api.OpViewRequests:
		return s.handleViewRequests(conn, h)
	case api.OpApproveRequest:
		return s.handleApproveRequest(conn, h, msg.Payload)
	case api.OpDenyRequest:
		return s.handleDenyRequest(conn, h, msg.Payload)
	case api.OpCheckpoint:
		return s.handleCheckpointOp(conn, h, api.OpSSCheckpoint, true)
	case api.OpViewCheckpoint:
		return s.handleCheckpointOp(conn, h, api.OpSSViewCheckpoint, false)
	case api.OpRevert:
		return s.handleCheckpointOp(conn, h, api.OpSSRevert, true)
	case api.OpListCheckpoints:
		return s.handleCheckpointOp(conn, h, api.OpSSListCheckpoints, false)
	default:
		return api.Failf(api.ErrInvalidCommand, "unsupported operation %s", h.Op)
	}
}

func (s *Server) handleConnect(conn net.Conn, state *connState, h api.Header) error {
	if state.user != "" {
		return api.Failf(api.ErrInvalidCommand, "connection already bound to %q", state.user)
	}
	ip := remoteIP(conn)
	s.reg.mu.Lock()
	err := s.reg.connectClient(h.Username, ip)
	s.reg.mu.Unlock()
	if err != nil {
		return err
	}
	state.user = h.Username
	s.logger.Info("client.connected", "user", h.Username, "ip", ip)
	return api.WriteAck(conn, h, nil)
}

// handleRegister processes REGISTER_SS. The stricter duplicate rule
// applies: an id that is currently active, or a client port already
// claimed by a different active server, is rejected with SSExists.
// Re-registration of an inactive id reclaims the record. When the
// returning server's replica is active the ACK carries a SYNC
// directive so it can pull newer files before serving.
func (s *Server) handleRegister(conn net.Conn, logger pslog.Logger, state *connState, msg *api.Message) error {
	info, err := api.ParseRegisterInfo(msg.Payload)
	if err != nil {
		return api.Failf(api.ErrInvalidCommand, "bad registration: %v", err)
	}
	ip := remoteIP(conn)
	now := s.clock.Now().Unix()

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	for i := range s.reg.servers {
		existing := &s.reg.servers[i]
		if existing.ID == SSID(info.ServerID) {
			continue
		}
		if existing.Active && existing.ClientPort == info.ClientPort && existing.IP == ip {
			return api.Failf(api.ErrSSExists, "client port %d already claimed by server %d", info.ClientPort, existing.ID)
		}
	}

	rec := s.reg.findServer(SSID(info.ServerID))
	if rec != nil && rec.Active {
		return api.Failf(api.ErrSSExists, "server %d is already registered and active", info.ServerID)
	}
	if rec == nil {
		s.reg.servers = append(s.reg.servers, SSRecord{ID: SSID(info.ServerID)})
		rec = &s.reg.servers[len(s.reg.servers)-1]
	}
	rec.IP = ip
	rec.ControlPort = info.ControlPort
	rec.ClientPort = info.ClientPort
	rec.Active = true
	rec.LastHeartbeat = now

	state.isSS = true
	state.ssID = rec.ID
	s.metrics.add(s.metrics.registrations, 1)
	logger.Info("ss.registered", "ss_id", rec.ID, "control", rec.ControlAddr(), "client", rec.ClientAddr())

	var payload []byte
	if replica := s.reg.findServer(rec.ReplicaID()); replica != nil && replica.Active {
		payload = []byte("SYNC " + replica.ControlAddr())
		logger.Info("ss.sync.directed", "ss_id", rec.ID, "replica", replica.ID, "addr", replica.ControlAddr())
	}
	return api.WriteAck(conn, msg.Header, payload)
}

// handleHeartbeat refreshes the sender's liveness stamp and disk usage
// and answers with the current replica-pair metadata.
func (s *Server) handleHeartbeat(conn net.Conn, state *connState, msg *api.Message) error {
	if !state.isSS {
		return api.Failf(api.ErrInvalidCommand, "heartbeat before registration")
	}
	info := api.ParseHeartbeatInfo(msg.Payload)

	s.reg.mu.Lock()
	rec := s.reg.findServer(state.ssID)
	if rec == nil {
		s.reg.mu.Unlock()
		return api.Failf(api.ErrSSDisconnected, "server %d unknown", state.ssID)
	}
	rec.LastHeartbeat = s.clock.Now().Unix()
	rec.Active = true
	rec.DiskTotal = info.DiskTotal
	rec.DiskFree = info.DiskFree
	var payload []byte
	if replica := s.reg.findServer(rec.ReplicaID()); replica != nil {
		payload = api.ReplicaInfo{
			ID:     int32(replica.ID),
			Addr:   replica.ControlAddr(),
			Active: replica.Active,
		}.Encode()
	}
	s.reg.mu.Unlock()

	s.metrics.add(s.metrics.heartbeats, 1)
	return api.WriteAck(conn, msg.Header, payload)
}

// handleReferral answers READ/WRITE/STREAM/UNDO with the client data
// address of the storage server currently serving the file.
func (s *Server) handleReferral(conn net.Conn, h api.Header, needWrite bool) error {
	s.reg.mu.Lock()
	rec, _, err := s.reg.file(h.Filename)
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
	addr := srv.ClientAddr()
	rec.AccessedAt = s.clock.Now().Unix()
	if srv.ID != rec.SS {
		s.metrics.add(s.metrics.failovers, 1)
	}
	s.reg.mu.Unlock()
	return api.WriteAck(conn, h, []byte(addr))
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
