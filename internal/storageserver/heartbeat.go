package storageserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"pkt.systems/pslog"
	"pkt.systems/scrivd/api"
)

// heartbeatLoop keeps one control connection to the name server:
// register once, then heartbeat on every interval tick. The connection
// is re-dialled with backoff after any failure; a fresh REGISTER on
// reconnect may carry a SYNC directive, which triggers a recovery pull
// before heartbeats resume.
func (s *Server) heartbeatLoop(ctx context.Context) error {
	logger := s.logger.With("sys", "storageserver.heartbeat", "nm", s.cfg.NMAddr)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.controlSession(ctx, logger)
		if err != nil && ctx.Err() == nil {
			logger.Warn("heartbeat.session.failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Server) controlSession(ctx context.Context, logger pslog.Logger) error {
	conn, err := net.DialTimeout("tcp", s.cfg.NMAddr, s.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial name server: %w", err)
	}
	defer conn.Close()

	syncAddr, err := s.register(conn)
	if err != nil {
		return err
	}
	logger.Info("registered", "ss_id", s.cfg.ServerID)
	if syncAddr != "" {
		if err := s.runRecovery(syncAddr); err != nil {
			logger.Warn("recovery.failed", "replica", syncAddr, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.HeartbeatInterval):
		}
		if err := s.heartbeat(conn); err != nil {
			return err
		}
	}
}

func (s *Server) register(conn net.Conn) (string, error) {
	info := api.RegisterInfo{
		ServerID:    s.cfg.ServerID,
		ControlPort: s.boundPort(s.controlLn, s.cfg.ControlListen),
		ClientPort:  s.boundPort(s.clientLn, s.cfg.ClientListen),
	}
	req := api.Header{Type: api.MsgRequest, Op: api.OpRegisterSS}
	if err := api.WriteMessage(conn, req, info.Encode()); err != nil {
		return "", err
	}
	resp, err := api.ReadMessage(conn)
	if err != nil {
		return "", fmt.Errorf("read register response: %w", err)
	}
	if resp.Header.Type == api.MsgError {
		return "", api.Failure{Code: resp.Header.ErrorCode, Detail: string(resp.Payload)}
	}
	if addr, ok := api.SyncDirective(resp.Payload); ok {
		return addr, nil
	}
	return "", nil
}

func (s *Server) heartbeat(conn net.Conn) error {
	var info api.HeartbeatInfo
	if usage, err := disk.Usage(s.store.Root()); err == nil {
		info.DiskTotal = usage.Total
		info.DiskFree = usage.Free
	}
	req := api.Header{Type: api.MsgRequest, Op: api.OpHeartbeat}
	if err := api.WriteMessage(conn, req, info.Encode()); err != nil {
		return err
	}
	resp, err := api.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read heartbeat response: %w", err)
	}
	s.metrics.heartbeatSent()
	if replica, ok := api.ParseReplicaInfo(resp.Payload); ok {
		s.replica.setPeer(replica.ID, replica.Addr, replica.Active)
	}
	return nil
}

// boundPort prefers the port the listener actually bound, so ":0"
// listen addresses advertise the kernel-assigned port.
func (s *Server) boundPort(ln net.Listener, fallback string) int {
	if ln != nil {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return listenPort(fallback)
}

// listenPort extracts the numeric port from a listen address.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		portStr = strings.TrimPrefix(addr, ":")
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}
