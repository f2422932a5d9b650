package storageserver

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/scrivd/api"
)

// Recovery sync: when a previously down server re-registers, the name
// server's REGISTER ACK names its active replica, and this side pulls
// every file the replica holds a strictly newer copy of. Transfers are
// gated on per-file modification timestamps, so after a sync the local
// mtime of every file present on either node is >= the replica's.

// buildManifest enumerates local user files as "name:mtime" lines.
func (s *Server) buildManifest() (string, error) {
	names, err := s.store.List()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, name := range names {
		ts, err := s.store.ModTime(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s:%d\n", name, ts)
	}
	return sb.String(), nil
}

func parseManifest(payload []byte) map[string]int64 {
	out := make(map[string]int64)
	for _, line := range strings.Split(string(payload), "\n") {
		name, ts, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || name == "" {
			continue
		}
		stamp, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		out[name] = stamp
	}
	return out
}

// runRecovery connects to the replica, sends the local manifest as an
// SS_SYNC request, and applies every file the replica streams back.
func (s *Server) runRecovery(replicaAddr string) error {
	logger := s.logger.With("sys", "storageserver.recovery", "replica", replicaAddr)
	manifest, err := s.buildManifest()
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", replicaAddr, s.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("storageserver: dial replica %q: %w", replicaAddr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Minute))

	req := api.Header{Type: api.MsgRequest, Op: api.OpSSSync}
	if err := api.WriteMessage(conn, req, []byte(manifest)); err != nil {
		return err
	}

	received := 0
	for {
		msg, err := api.ReadMessage(conn)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("storageserver: replica closed mid-sync")
			}
			return err
		}
		switch msg.Header.Type {
		case api.MsgResponse:
			name := msg.Header.Filename
			if strings.HasSuffix(name, metaSuffix) {
				base := strings.TrimSuffix(name, metaSuffix)
				if err := s.store.WriteRawMeta(base, msg.Payload); err != nil {
					logger.Warn("recovery.meta.failed", "file", base, "error", err)
				}
				continue
			}
			if err := s.store.Write(name, msg.Payload); err != nil {
				logger.Warn("recovery.write.failed", "file", name, "error", err)
				continue
			}
			s.cache.drop(name)
			received++
			logger.Info("recovery.file", "file", name, "bytes", len(msg.Payload))
		case api.MsgAck:
			logger.Info("recovery.complete", "received", received, "summary", string(msg.Payload))
			s.metrics.recoveryCompleted(received)
			return nil
		case api.MsgError:
			return api.Failure{Code: msg.Header.ErrorCode, Detail: string(msg.Payload)}
		}
	}
}

// handleSyncPull is the replica side: given the recoverer's manifest,
// stream every local file whose timestamp is strictly newer, with its
// sidecar, then ACK with a transfer summary.
func (s *Server) handleSyncPull(conn net.Conn, h api.Header, payload []byte) error {
	remote := parseManifest(payload)
	names, err := s.store.List()
	if err != nil {
		return err
	}
	sent, skipped := 0, 0
	for _, name := range names {
		localTS, err := s.store.ModTime(name)
		if err != nil {
			continue
		}
		if remoteTS, ok := remote[name]; ok && remoteTS >= localTS {
			skipped++
			continue
		}
		data, err := s.store.Read(name)
		if err != nil {
			continue
		}
		if err := api.WriteMessage(conn, api.Header{
			Type:     api.MsgResponse,
			Op:       api.OpSSSync,
			Filename: name,
		}, data); err != nil {
			return err
		}
		if raw, err := s.store.ReadRawMeta(name); err == nil && len(raw) > 0 {
			if err := api.WriteMessage(conn, api.Header{
				Type:     api.MsgResponse,
				Op:       api.OpSSSync,
				Filename: name + metaSuffix,
			}, raw); err != nil {
				return err
			}
		}
		sent++
	}
	s.logger.Info("recovery.served", "sent", sent, "skipped", skipped)
	summary := fmt.Sprintf("sent:%d skipped:%d", sent, skipped)
	return api.WriteAck(conn, h, []byte(summary))
}
