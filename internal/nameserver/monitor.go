package nameserver

import (
	"context"

	"pkt.systems/pslog"
)

// monitorLoop marks storage servers inactive when their last heartbeat
// is older than the configured timeout. Records are never removed;
// re-registration reactivates them.
func (s *Server) monitorLoop(ctx context.Context) error {
	logger := s.logger.With("sys", "nameserver.monitor")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.HeartbeatCheckInterval):
		}
		s.sweepInactive(logger)
	}
}

func (s *Server) sweepInactive(logger pslog.Logger) {
	cutoff := s.clock.Now().Add(-s.cfg.HeartbeatTimeout).Unix()
	s.reg.mu.Lock()
	for i := range s.reg.servers {
		rec := &s.reg.servers[i]
		if rec.Active && rec.LastHeartbeat < cutoff {
			rec.Active = false
			s.metrics.add(s.metrics.deactivations, 1)
			logger.Warn("ss.inactive", "ss_id", rec.ID, "last_heartbeat", rec.LastHeartbeat)
		}
	}
	s.reg.mu.Unlock()
}
