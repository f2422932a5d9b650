package storageserver

import (
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scrivd/api"
)

// replicator mirrors successful mutations to the paired replica. The
// forward is write-through with log-and-continue semantics: it runs
// after the local commit and before the client ACK, but its outcome
// never gates the ACK. Recovery sync reconciles any divergence this
// leaves behind.
type replicator struct {
	logger      pslog.Logger
	dialTimeout time.Duration
	metrics     *serverMetrics

	mu     sync.Mutex
	id     int32
	addr   string
	active bool
}

func newReplicator(logger pslog.Logger, dialTimeout time.Duration, metrics *serverMetrics) *replicator {
	return &replicator{
		logger:      logger.With("sys", "storageserver.replica"),
		dialTimeout: dialTimeout,
		metrics:     metrics,
	}
}

// setPeer records the replica metadata carried on heartbeat responses.
func (r *replicator) setPeer(id int32, addr string, active bool) {
	r.mu.Lock()
	changed := r.id != id || r.addr != addr || r.active != active
	r.id = id
	r.addr = addr
	r.active = active
	r.mu.Unlock()
	if changed {
		r.logger.Info("replica.peer", "replica_id", id, "addr", addr, "active", active)
	}
}

func (r *replicator) peer() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr, r.active && r.addr != ""
}

// forward sends the mutation to the replica and waits for its answer.
// Errors and error responses are logged, never propagated.
func (r *replicator) forward(h api.Header, payload []byte) {
	addr, ok := r.peer()
	if !ok {
		return
	}
	h.Flags |= api.FlagReplica
	if err := r.send(addr, h, payload); err != nil {
		r.metrics.replicaForwardFailed()
		r.logger.Warn("replica.forward.failed",
			"op", h.Op.String(),
			"file", h.Filename,
			"addr", addr,
			"error", err,
		)
		return
	}
	r.metrics.replicaForwarded()
}

func (r *replicator) send(addr string, h api.Header, payload []byte) error {
	conn, err := net.DialTimeout("tcp", addr, r.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial replica: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(r.dialTimeout * 2))
	h.Type = api.MsgRequest
	if err := api.WriteMessage(conn, h, payload); err != nil {
		return err
	}
	resp, err := api.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read replica response: %w", err)
	}
	if resp.Header.Type == api.MsgError {
		return api.Failure{Code: resp.Header.ErrorCode, Detail: string(resp.Payload)}
	}
	return nil
}
