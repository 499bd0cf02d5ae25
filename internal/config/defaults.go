package config

import "time"

// Default values.
const (
	DefaultListen            = "127.0.0.1:7001"
	DefaultReplicationFactor = 3
	DefaultVirtualNodes      = 16
	DefaultMissedHeartbeats  = 3
	DefaultReviewThreshold   = 0.6
	DefaultAuditRetention    = 10000
)

// claimStatusRanks is the claims lifecycle used by the default status rule.
// approved and rejected share a rank so a concurrent approve/reject pair is
// sent to manual review.
var claimStatusRanks = map[string]int{
	"submitted": 1,
	"reviewing": 2,
	"approved":  3,
	"rejected":  3,
	"paid":      4,
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Listen: DefaultListen,
			Epoch:  uint64(time.Now().UnixNano()),
		},
		Raft: RaftConfig{
			ElectionTimeoutMin: Duration(300 * time.Millisecond),
			ElectionTimeoutMax: Duration(600 * time.Millisecond),
			HeartbeatInterval:  Duration(75 * time.Millisecond),
			RPCTimeout:         Duration(250 * time.Millisecond),
			ProposeTimeout:     Duration(3 * time.Second),
			MaxAppendEntries:   256,
			CheckQuorum:        true,
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: Duration(300 * time.Millisecond),
			MissedHeartbeats:  DefaultMissedHeartbeats,
			GossipInterval:    Duration(1200 * time.Millisecond),
			ProbeTimeout:      Duration(700 * time.Millisecond),
			VirtualNodes:      DefaultVirtualNodes,
		},
		Store: StoreConfig{
			ReplicationFactor:   DefaultReplicationFactor,
			FlushInterval:       Duration(100 * time.Millisecond),
			AckTimeout:          Duration(500 * time.Millisecond),
			MaxBackoff:          Duration(5 * time.Second),
			ReadMode:            ReadEventual,
			StalenessBound:      Duration(2 * time.Second),
			TombstoneTTL:        Duration(24 * time.Hour),
			SweepInterval:       Duration(30 * time.Second),
			AntiEntropyInterval: 0,
		},
		Resolver: ResolverConfig{
			ReviewThreshold: DefaultReviewThreshold,
			LWWWindow:       Duration(time.Second),
			AuditRetention:  DefaultAuditRetention,
			Rules: []DomainRuleConfig{
				{Namespace: "claims", Kind: RuleStatus, Field: "status", Ranks: copyRanks(claimStatusRanks)},
			},
		},
		Namespaces:  map[string]NamespaceConfig{},
		DefaultMode: ModeEventual,
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func copyRanks(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
