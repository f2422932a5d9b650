package nameserver

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type serverMetrics struct {
	requests      metric.Int64Counter
	registrations metric.Int64Counter
	heartbeats    metric.Int64Counter
	deactivations metric.Int64Counter
	failovers     metric.Int64Counter
}

func newServerMetrics(logger pslog.Logger) *serverMetrics {
	meter := otel.Meter("pkt.systems/scrivd/nameserver")
	m := &serverMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"scrivd.nm.requests",
		metric.WithDescription("Frames dispatched by the name server"),
	)
	logMetricInitError(logger, "scrivd.nm.requests", err)

	m.registrations, err = meter.Int64Counter(
		"scrivd.nm.ss_registered",
		metric.WithDescription("Storage server registrations accepted"),
	)
	logMetricInitError(logger, "scrivd.nm.ss_registered", err)

	m.heartbeats, err = meter.Int64Counter(
		"scrivd.nm.heartbeats",
		metric.WithDescription("Heartbeats received from storage servers"),
	)
	logMetricInitError(logger, "scrivd.nm.heartbeats", err)

	m.deactivations, err = meter.Int64Counter(
		"scrivd.nm.ss_deactivated",
		metric.WithDescription("Storage servers marked inactive by the health monitor"),
	)
	logMetricInitError(logger, "scrivd.nm.ss_deactivated", err)

	m.failovers, err = meter.Int64Counter(
		"scrivd.nm.failovers",
		metric.WithDescription("Referrals answered with the replica instead of the primary"),
	)
	logMetricInitError(logger, "scrivd.nm.failovers", err)

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
