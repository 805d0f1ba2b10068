// Package health derives a tri-state service status from connection
// pool statistics. Evaluation is pure over a pool snapshot; the Checker
// just binds a live pool and thresholds for the HTTP endpoints.
package health

import (
	"time"

	"github.com/hazyhaar/pgscope/internal/pgpool"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds control when probe failures and pool pressure change the
// reported status.
type Thresholds struct {
	// TripCount is the number of consecutive probe failures after
	// which the service reports unhealthy.
	TripCount int
	// DegradedPct is the pool utilization percentage (in-use over
	// max) at or above which the service reports degraded.
	DegradedPct int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.TripCount <= 0 {
		t.TripCount = 3
	}
	if t.DegradedPct <= 0 {
		t.DegradedPct = 80
	}
	return t
}

// Evaluate computes the status for a pool snapshot. Consecutive probe
// failures at or beyond the trip count, or a pool with no open
// connections, report unhealthy. Isolated probe failures below the
// trip count and high utilization report degraded.
func Evaluate(snap pgpool.Snapshot, th Thresholds) Status {
	th = th.withDefaults()

	if snap.ConsecutiveProbes >= th.TripCount {
		return StatusUnhealthy
	}
	if snap.Open == 0 {
		return StatusUnhealthy
	}
	if snap.ConsecutiveProbes > 0 {
		return StatusDegraded
	}
	if snap.Max > 0 && snap.InUse*100 >= snap.Max*th.DegradedPct {
		return StatusDegraded
	}
	return StatusHealthy
}

// Report is the comprehensive health payload served by GET /health.
type Report struct {
	Status    Status          `json:"status"`
	Timestamp string          `json:"timestamp"`
	UptimeSec int64           `json:"uptime_seconds"`
	Pool      pgpool.Snapshot `json:"pool"`
}

// Checker binds a live pool to health thresholds.
type Checker struct {
	pool    *pgpool.Pool
	th      Thresholds
	started time.Time
}

func NewChecker(pool *pgpool.Pool, th Thresholds) *Checker {
	return &Checker{pool: pool, th: th.withDefaults(), started: time.Now()}
}

func (c *Checker) Status() Status {
	return Evaluate(c.pool.Stats(), c.th)
}

// Ready reports whether the service should receive traffic: at least
// one usable connection and a status other than unhealthy.
func (c *Checker) Ready() bool {
	snap := c.pool.Stats()
	return snap.Open >= 1 && Evaluate(snap, c.th) != StatusUnhealthy
}

func (c *Checker) Report() Report {
	snap := c.pool.Stats()
	return Report{
		Status:    Evaluate(snap, c.th),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(c.started).Seconds()),
		Pool:      snap,
	}
}
