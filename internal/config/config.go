// Package config holds the process configuration for a replicore node: identity
// and peers, raft timers, failure detection, eventual store replication, conflict
// resolution rules and per-namespace consistency modes.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Consistency modes for a namespace.
const (
	ModeStrong   = "strong"
	ModeEventual = "eventual"
)

// Read modes for eventual namespaces.
const (
	ReadEventual = "eventual"
	ReadBounded  = "bounded"
)

// Domain rule kinds.
const (
	RuleRange     = "range"
	RuleAuthority = "authority"
	RuleStatus    = "status"
)

// Config is the root configuration of a node.
type Config struct {
	Node       NodeConfig                 `json:"node"`
	Raft       RaftConfig                 `json:"raft"`
	Cluster    ClusterConfig              `json:"cluster"`
	Store      StoreConfig                `json:"store"`
	Resolver   ResolverConfig             `json:"resolver"`
	Namespaces map[string]NamespaceConfig `json:"namespaces"`
	// DefaultMode applies to namespaces not listed in Namespaces.
	DefaultMode string    `json:"default_mode"`
	Logging     LogConfig `json:"logging"`
}

// NodeConfig identifies this node and its statically known peers.
type NodeConfig struct {
	ID     string `json:"id"`
	Listen string `json:"listen"`
	// Advertise is the address peers use to reach us; defaults to Listen.
	Advertise string       `json:"advertise"`
	Seed      string       `json:"seed"`
	Peers     []PeerConfig `json:"peers"`
	DataDir   string       `json:"data_dir"`
	Epoch     uint64       `json:"epoch"`
}

// PeerConfig is a statically configured cluster member.
type PeerConfig struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// RaftConfig controls the replicated log.
type RaftConfig struct {
	ElectionTimeoutMin Duration `json:"election_timeout_min"`
	ElectionTimeoutMax Duration `json:"election_timeout_max"`
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	RPCTimeout         Duration `json:"rpc_timeout"`
	ProposeTimeout     Duration `json:"propose_timeout"`
	MaxAppendEntries   int      `json:"max_append_entries"`
	CheckQuorum        bool     `json:"check_quorum"`
}

// ClusterConfig controls membership and failure detection.
type ClusterConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	MissedHeartbeats  int      `json:"missed_heartbeats"`
	GossipInterval    Duration `json:"gossip_interval"`
	ProbeTimeout      Duration `json:"probe_timeout"`
	VirtualNodes      int      `json:"virtual_nodes"`
}

// StoreConfig controls the eventual store.
type StoreConfig struct {
	ReplicationFactor   int      `json:"replication_factor"`
	FlushInterval       Duration `json:"flush_interval"`
	AckTimeout          Duration `json:"ack_timeout"`
	MaxBackoff          Duration `json:"max_backoff"`
	ReadMode            string   `json:"read_mode"`
	StalenessBound      Duration `json:"staleness_bound"`
	TombstoneTTL        Duration `json:"tombstone_ttl"`
	SweepInterval       Duration `json:"sweep_interval"`
	AntiEntropyInterval Duration `json:"anti_entropy_interval"`
}

// ResolverConfig controls conflict resolution and its audit trail.
type ResolverConfig struct {
	ReviewThreshold float64            `json:"review_threshold"`
	LWWWindow       Duration           `json:"lww_window"`
	AuditPath       string             `json:"audit_path"`
	AuditRetention  int                `json:"audit_retention"`
	Rules           []DomainRuleConfig `json:"rules"`
}

// DomainRuleConfig describes one domain-specific resolution rule. Field names a
// top-level field of a JSON object value.
type DomainRuleConfig struct {
	Namespace   string         `json:"namespace"`
	KeyPrefix   string         `json:"key_prefix"`
	Kind        string         `json:"kind"`
	Field       string         `json:"field"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
	Authorities []string       `json:"authorities,omitempty"`
	Ranks       map[string]int `json:"ranks,omitempty"`
}

// NamespaceConfig overrides behaviour for one namespace.
type NamespaceConfig struct {
	Mode     string `json:"mode"`
	ReadMode string `json:"read_mode"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Duration is a time.Duration encoded in JSON as a string such as "150ms".
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
		return nil
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// AdvertiseAddr returns the address other nodes should use for this node.
func (c *Config) AdvertiseAddr() string {
	if c.Node.Advertise != "" {
		return c.Node.Advertise
	}
	return c.Node.Listen
}

// PeerMap returns statically configured peers keyed by id, excluding self.
func (c *Config) PeerMap() map[string]string {
	out := make(map[string]string, len(c.Node.Peers))
	for _, p := range c.Node.Peers {
		if p.ID == "" || p.ID == c.Node.ID {
			continue
		}
		out[p.ID] = p.Address
	}
	return out
}

// PeerIDs returns the sorted ids of statically configured peers, excluding self.
func (c *Config) PeerIDs() []string {
	m := c.PeerMap()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClusterSize is the number of statically known nodes including self.
func (c *Config) ClusterSize() int {
	return len(c.PeerMap()) + 1
}

// ModeFor returns the consistency mode of a namespace.
func (c *Config) ModeFor(namespace string) string {
	if ns, ok := c.Namespaces[namespace]; ok && ns.Mode != "" {
		return ns.Mode
	}
	return c.DefaultMode
}

// ReadModeFor returns the read mode of an eventual namespace.
func (c *Config) ReadModeFor(namespace string) string {
	if ns, ok := c.Namespaces[namespace]; ok && ns.ReadMode != "" {
		return ns.ReadMode
	}
	return c.Store.ReadMode
}
