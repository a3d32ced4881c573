package api

import "sync/atomic"

// Metrics captures lightweight in-process counters for observability.
type Metrics struct {
	Requests         atomic.Uint64
	Ingested         atomic.Uint64
	Rejected         atomic.Uint64
	Forwarded        atomic.Uint64
	UpstreamFailures atomic.Uint64
	Scans            atomic.Uint64
	Downloads        atomic.Uint64
	HealthChecks     atomic.Uint64
	AuthFailures     atomic.Uint64
	LoginAttempts    atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Requests         uint64 `json:"requests"`
	Ingested         uint64 `json:"ingested"`
	Rejected         uint64 `json:"rejected"`
	Forwarded        uint64 `json:"forwarded"`
	UpstreamFailures uint64 `json:"upstream_failures"`
	Scans            uint64 `json:"scans"`
	Downloads        uint64 `json:"downloads"`
	HealthChecks     uint64 `json:"health_checks"`
	AuthFailures     uint64 `json:"auth_failures"`
	LoginAttempts    uint64 `json:"login_attempts"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:         m.Requests.Load(),
		Ingested:         m.Ingested.Load(),
		Rejected:         m.Rejected.Load(),
		Forwarded:        m.Forwarded.Load(),
		UpstreamFailures: m.UpstreamFailures.Load(),
		Scans:            m.Scans.Load(),
		Downloads:        m.Downloads.Load(),
		HealthChecks:     m.HealthChecks.Load(),
		AuthFailures:     m.AuthFailures.Load(),
		LoginAttempts:    m.LoginAttempts.Load(),
	}
}
