package storageserver

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type serverMetrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsCommitted metric.Int64Counter
	sessionsAbandoned metric.Int64Counter
	replicaForwards   metric.Int64Counter
	replicaFailures   metric.Int64Counter
	heartbeats        metric.Int64Counter
	recoveredFiles    metric.Int64Counter
}

func newServerMetrics(logger pslog.Logger) *serverMetrics {
	meter := otel.Meter("pkt.systems/scrivd/storageserver")
	m := &serverMetrics{}
	var err error

	m.sessionsStarted, err = meter.Int64Counter(
		"scrivd.session.started",
		metric.WithDescription("Write sessions begun (sentence locks taken)"),
	)
	logMetricInitError(logger, "scrivd.session.started", err)

	m.sessionsCommitted, err = meter.Int64Counter(
		"scrivd.session.committed",
		metric.WithDescription("Write sessions committed"),
	)
	logMetricInitError(logger, "scrivd.session.committed", err)

	m.sessionsAbandoned, err = meter.Int64Counter(
		"scrivd.session.abandoned",
		metric.WithDescription("Write sessions released by connection loss"),
	)
	logMetricInitError(logger, "scrivd.session.abandoned", err)

	m.replicaForwards, err = meter.Int64Counter(
		"scrivd.replica.forwards",
		metric.WithDescription("Mutations forwarded to the replica peer"),
	)
	logMetricInitError(logger, "scrivd.replica.forwards", err)

	m.replicaFailures, err = meter.Int64Counter(
		"scrivd.replica.failures",
		metric.WithDescription("Replica forwards that failed"),
	)
	logMetricInitError(logger, "scrivd.replica.failures", err)

	m.heartbeats, err = meter.Int64Counter(
		"scrivd.heartbeat.sent",
		metric.WithDescription("Heartbeats delivered to the name server"),
	)
	logMetricInitError(logger, "scrivd.heartbeat.sent", err)

	m.recoveredFiles, err = meter.Int64Counter(
		"scrivd.recovery.files",
		metric.WithDescription("Files pulled during recovery sync"),
	)
	logMetricInitError(logger, "scrivd.recovery.files", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("metrics.init.failed", "metric", name, "error", err)
	}
}

func (m *serverMetrics) add(c metric.Int64Counter, n int64) {
	if m == nil || c == nil {
		return
	}
	c.Add(context.Background(), n)
}

func (m *serverMetrics) sessionStarted()   { m.add(m.sessionsStarted, 1) }
func (m *serverMetrics) sessionCommitted() { m.add(m.sessionsCommitted, 1) }
func (m *serverMetrics) sessionAbandoned() { m.add(m.sessionsAbandoned, 1) }
func (m *serverMetrics) replicaForwarded() { m.add(m.replicaForwards, 1) }
func (m *serverMetrics) replicaForwardFailed() {
	m.add(m.replicaFailures, 1)
}
func (m *serverMetrics) heartbeatSent() { m.add(m.heartbeats, 1) }
func (m *serverMetrics) recoveryCompleted(files int) {
	m.add(m.recoveredFiles, int64(files))
}
