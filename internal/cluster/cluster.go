package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
)

// Prober carries membership traffic to other nodes.
type Prober interface {
	// Heartbeat sends hb to target and returns the target's own heartbeat.
	Heartbeat(ctx context.Context, target Node, hb Heartbeat) (Heartbeat, error)
	// Gossip pushes a membership snapshot to target.
	Gossip(ctx context.Context, target Node, s Snapshot) error
	// Join asks the node at seedAddr to admit self and returns its view.
	Join(ctx context.Context, seedAddr string, self Node) (Snapshot, error)
}

// Config controls the cluster background loops.
type Config struct {
	FailureDetector FailureDetectorConfig
	GossipInterval  time.Duration
	ProbeTimeout    time.Duration
}

// DefaultConfig returns default loop settings.
func DefaultConfig() Config {
	return Config{
		FailureDetector: DefaultFailureDetectorConfig(),
		GossipInterval:  1200 * time.Millisecond,
		ProbeTimeout:    700 * time.Millisecond,
	}
}

// RoleSource reports the local node's current role and term.
type RoleSource func() (Role, uint64)

// Cluster wires membership, failure detection and gossip together. Each
// concern runs on its own ticker; probes to different nodes never wait on each
// other.
type Cluster struct {
	mem    *Membership
	fd     *FailureDetector
	prober Prober
	cfg    Config
	logger hclog.Logger

	mu   sync.RWMutex
	role RoleSource
}

// New creates a Cluster over mem.
func New(mem *Membership, prober Prober, cfg Config, logger hclog.Logger) *Cluster {
	logger = logging.OrNop(logger)
	if cfg.FailureDetector.HeartbeatInterval <= 0 {
		cfg.FailureDetector = DefaultFailureDetectorConfig()
	}
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = DefaultConfig().GossipInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.FailureDetector.HeartbeatInterval * 2
	}
	return &Cluster{
		mem:    mem,
		fd:     NewFailureDetector(cfg.FailureDetector, mem, logger),
		prober: prober,
		cfg:    cfg,
		logger: logger,
	}
}

// Membership returns the membership view.
func (c *Cluster) Membership() *Membership { return c.mem }

// FailureDetector returns the failure detector.
func (c *Cluster) FailureDetector() *FailureDetector { return c.fd }

// SetRoleSource installs the function used to stamp outgoing heartbeats.
func (c *Cluster) SetRoleSource(rs RoleSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = rs
}

// Start launches the heartbeat, detector and gossip loops until ctx is done.
func (c *Cluster) Start(ctx context.Context) {
	go c.heartbeatLoop(ctx)
	go c.detectorLoop(ctx)
	go c.gossipLoop(ctx)
}

// Join contacts a seed node and merges its membership view.
func (c *Cluster) Join(ctx context.Context, seedAddr string) error {
	snap, err := c.prober.Join(ctx, seedAddr, c.mem.Self())
	if err != nil {
		return err
	}
	c.mem.MergeSnapshot(snap)
	return nil
}

// HandleHeartbeat records an inbound heartbeat and returns ours.
func (c *Cluster) HandleHeartbeat(hb Heartbeat) Heartbeat {
	c.mem.MarkHeartbeat(hb, time.Now())
	return c.localHeartbeat()
}

// HandleGossip merges an inbound snapshot.
func (c *Cluster) HandleGossip(s Snapshot) {
	c.mem.MergeSnapshot(s)
	if s.FromID != "" {
		c.mem.MarkHeartbeat(Heartbeat{FromID: s.FromID, FromAddr: s.FromAddr, Epoch: epochOf(s, s.FromID)}, time.Now())
	}
}

// HandleJoin admits a joining node and returns our view.
func (c *Cluster) HandleJoin(id, addr string) Snapshot {
	c.mem.Join(id, addr)
	return c.mem.Snapshot()
}

func (c *Cluster) localHeartbeat() Heartbeat {
	self := c.mem.Self()
	hb := Heartbeat{FromID: self.ID, FromAddr: self.Address, Epoch: self.Epoch, Role: self.Role, Term: self.Term}

	c.mu.RLock()
	rs := c.role
	c.mu.RUnlock()
	if rs != nil {
		hb.Role, hb.Term = rs()
	}
	return hb
}

func (c *Cluster) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.FailureDetector.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sendHeartbeats(ctx)
		}
	}
}

func (c *Cluster) sendHeartbeats(ctx context.Context) {
	hb := c.localHeartbeat()
	for _, n := range c.mem.Nodes() {
		if n.ID == hb.FromID {
			continue
		}
		// Unhealthy nodes keep receiving heartbeats so they can recover.
		go func(target Node) {
			ctx2, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			defer cancel()
			reply, err := c.prober.Heartbeat(ctx2, target, hb)
			if err != nil {
				c.logger.Trace("heartbeat failed", "node", target.ID, "error", err)
				return
			}
			if reply.FromID == "" {
				reply.FromID = target.ID
				reply.FromAddr = target.Address
				reply.Epoch = target.Epoch
			}
			c.mem.MarkHeartbeat(reply, time.Now())
		}(n)
	}
}

func (c *Cluster) detectorLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.FailureDetector.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.fd.Check(now)
		}
	}
}

func (c *Cluster) gossipLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.gossipOnce(ctx)
		}
	}
}

func (c *Cluster) gossipOnce(ctx context.Context) {
	self := c.mem.SelfID()
	var targets []Node
	for _, n := range c.mem.HealthyNodes() {
		if n.ID != self {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return
	}
	peer := targets[rand.Intn(len(targets))]
	ctx2, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.prober.Gossip(ctx2, peer, c.mem.Snapshot()); err != nil {
		c.logger.Trace("gossip failed", "node", peer.ID, "error", err)
	}
}

func epochOf(s Snapshot, id string) uint64 {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n.Epoch
		}
	}
	return 0
}
