package cluster

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
)

// FailureDetectorConfig controls heartbeat-based failure detection.
type FailureDetectorConfig struct {
	HeartbeatInterval time.Duration
	MissedBeats       int
}

// DefaultFailureDetectorConfig returns the default detector settings.
func DefaultFailureDetectorConfig() FailureDetectorConfig {
	return FailureDetectorConfig{
		HeartbeatInterval: 300 * time.Millisecond,
		MissedBeats:       3,
	}
}

// Timeout is how long a node may stay silent before it is marked unhealthy.
func (c FailureDetectorConfig) Timeout() time.Duration {
	missed := c.MissedBeats
	if missed <= 0 {
		missed = 3
	}
	return time.Duration(missed) * c.HeartbeatInterval
}

// FailureDetector marks members unhealthy after MissedBeats consecutive
// heartbeat intervals without hearing from them.
type FailureDetector struct {
	cfg    FailureDetectorConfig
	mem    *Membership
	logger hclog.Logger
}

// NewFailureDetector creates a detector over mem.
func NewFailureDetector(cfg FailureDetectorConfig, mem *Membership, logger hclog.Logger) *FailureDetector {
	return &FailureDetector{cfg: cfg, mem: mem, logger: logging.OrNop(logger)}
}

// Check evaluates every member at now and returns the ids newly marked unhealthy.
func (fd *FailureDetector) Check(now time.Time) []string {
	timeout := fd.cfg.Timeout()
	var failed []string
	for _, n := range fd.mem.Nodes() {
		if n.ID == fd.mem.SelfID() || !n.Healthy {
			continue
		}
		if now.Sub(n.LastHeartbeat) >= timeout {
			if fd.mem.SetHealthy(n.ID, false) {
				fd.logger.Warn("node missed heartbeats", "node", n.ID, "silent_for", now.Sub(n.LastHeartbeat).String())
				failed = append(failed, n.ID)
			}
		}
	}
	return failed
}
