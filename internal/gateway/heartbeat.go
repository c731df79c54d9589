package gateway

import (
	"context"
	"time"
)

// SweepResult counts what one sweep evicted.
type SweepResult struct {
	Expired  int // authenticated devices past the heartbeat timeout
	TimedOut int // pending devices past their grace window
}

// HeartbeatMonitor periodically evicts authenticated devices that have
// stopped pinging and pending devices that never authenticated.
type HeartbeatMonitor struct {
	registry *Registry
	router   *Router
	gate     *AuthGate
	timeout  time.Duration
	interval time.Duration
	logger   Logger
	now      func() time.Time
}

// NewHeartbeatMonitor creates a monitor. gate may be nil when device
// authentication is disabled.
func NewHeartbeatMonitor(reg *Registry, router *Router, gate *AuthGate, timeout, interval time.Duration, logger Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = nopLogger{}
	}
	return &HeartbeatMonitor{
		registry: reg,
		router:   router,
		gate:     gate,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		"timeout", m.timeout.String(),
		"interval", m.interval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			res := m.Sweep(ctx)
			if res.Expired > 0 || res.TimedOut > 0 {
				m.logger.Info("sweep evicted sessions",
					"expired_devices", res.Expired,
					"timed_out_pending", res.TimedOut,
				)
			}
		}
	}
}

// Sweep runs one pass at the current time.
//
// Expired devices are all released before any of them is closed or
// announced, so the device map never shows a session that is being torn
// down.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) SweepResult {
	now := m.now()
	var res SweepResult

	var expired []*Session
	for _, s := range m.registry.Snapshot(RoleDevice) {
		if now.Sub(s.LastHeartbeat()) > m.timeout {
			expired = append(expired, s)
		}
	}

	removed := expired[:0]
	for _, s := range expired {
		if m.registry.Release(s) {
			removed = append(removed, s)
		}
	}
	for _, s := range removed {
		m.logger.Warn("device heartbeat expired",
			"device", s.Identity(),
			"last_heartbeat", s.LastHeartbeat().Format(time.RFC3339),
		)
		m.router.finishEviction(ctx, s, CloseGoingAway, "heartbeat timeout")
	}
	res.Expired = len(removed)

	if m.gate != nil {
		for _, s := range m.registry.Snapshot(RolePendingDevice) {
			if m.gate.CheckDeadline(ctx, s, now) {
				res.TimedOut++
			}
		}
	}
	return res
}
