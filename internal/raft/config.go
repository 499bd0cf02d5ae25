package raft

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Default timing values.
const (
	DefaultElectionTimeoutMin = 300 * time.Millisecond
	DefaultElectionTimeoutMax = 600 * time.Millisecond
	DefaultHeartbeatInterval  = 75 * time.Millisecond
	DefaultRPCTimeout         = 250 * time.Millisecond
	DefaultMaxAppendEntries   = 64
)

// Config configures a Node.
type Config struct {
	// ID is this node's identifier.
	ID string
	// Peers are the other voting members. Self is ignored if present.
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	MaxAppendEntries   int

	// CheckQuorum makes a leader step down when it has not heard from a
	// majority within ElectionTimeoutMax.
	CheckQuorum bool

	// Storage persists hard state and log entries. Defaults to MemoryStorage.
	Storage Storage
	Logger  hclog.Logger

	// OnStateChange is called sequentially, off the node's lock, after every
	// state, term or leader change.
	OnStateChange func(StateChange)
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin * 2
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.ElectionTimeoutMin / 4
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.MaxAppendEntries == 0 {
		c.MaxAppendEntries = DefaultMaxAppendEntries
	}
	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalidConfig)
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout range [%s, %s]", ErrInvalidConfig, c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("%w: heartbeat interval %s must be below election timeout %s", ErrInvalidConfig, c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if c.RPCTimeout <= 0 || c.MaxAppendEntries <= 0 {
		return fmt.Errorf("%w: rpc timeout and batch size must be positive", ErrInvalidConfig)
	}
	return nil
}
