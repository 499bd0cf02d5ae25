package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError is a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found.
// An empty slice means the configuration is usable.
func Validate(c *Config) []error {
	var errs []error
	errs = append(errs, validateNode(&c.Node)...)
	errs = append(errs, validateRaft(&c.Raft)...)
	errs = append(errs, validateCluster(&c.Cluster)...)
	errs = append(errs, validateStore(c)...)
	errs = append(errs, validateResolver(&c.Resolver)...)
	errs = append(errs, validateNamespaces(c)...)
	return errs
}

func validateNode(n *NodeConfig) []error {
	var errs []error
	if strings.TrimSpace(n.ID) == "" {
		errs = append(errs, ValidationError{Field: "node.id", Message: "node id is required"})
	}
	if err := validateAddress(n.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "node.listen", Message: err.Error()})
	}
	seen := make(map[string]bool)
	for i, p := range n.Peers {
		field := fmt.Sprintf("node.peers[%d]", i)
		if p.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "peer id is required"})
		}
		if seen[p.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate peer id %q", p.ID)})
		}
		seen[p.ID] = true
		if err := validateAddress(p.Address); err != nil {
			errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
		}
	}
	return errs
}

func validateRaft(r *RaftConfig) []error {
	var errs []error
	if r.ElectionTimeoutMin <= 0 || r.ElectionTimeoutMax < r.ElectionTimeoutMin {
		errs = append(errs, ValidationError{
			Field:   "raft.election_timeout",
			Message: fmt.Sprintf("need 0 < min <= max, got min=%s max=%s", r.ElectionTimeoutMin.D(), r.ElectionTimeoutMax.D()),
		})
	}
	if r.HeartbeatInterval <= 0 || r.HeartbeatInterval >= r.ElectionTimeoutMin {
		errs = append(errs, ValidationError{
			Field:   "raft.heartbeat_interval",
			Message: "must be positive and shorter than the minimum election timeout",
		})
	}
	if r.RPCTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "raft.rpc_timeout", Message: "must be positive"})
	}
	if r.MaxAppendEntries <= 0 {
		errs = append(errs, ValidationError{Field: "raft.max_append_entries", Message: "must be positive"})
	}
	return errs
}

func validateCluster(c *ClusterConfig) []error {
	var errs []error
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, ValidationError{Field: "cluster.heartbeat_interval", Message: "must be positive"})
	}
	if c.MissedHeartbeats < 1 {
		errs = append(errs, ValidationError{Field: "cluster.missed_heartbeats", Message: "must be at least 1"})
	}
	if c.VirtualNodes < 1 {
		errs = append(errs, ValidationError{Field: "cluster.virtual_nodes", Message: "must be at least 1"})
	}
	return errs
}

func validateStore(c *Config) []error {
	var errs []error
	s := &c.Store
	rf := s.ReplicationFactor
	switch {
	case rf < 1:
		errs = append(errs, ValidationError{Field: "store.replication_factor", Message: "must be at least 1"})
	case c.Node.Seed == "" && rf > c.ClusterSize():
		// Nodes joining through a seed learn the cluster size at runtime.
		errs = append(errs, ValidationError{
			Field:   "store.replication_factor",
			Message: fmt.Sprintf("replication factor %d exceeds cluster size %d", rf, c.ClusterSize()),
		})
	}
	if s.FlushInterval <= 0 {
		errs = append(errs, ValidationError{Field: "store.flush_interval", Message: "must be positive"})
	}
	if s.AckTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "store.ack_timeout", Message: "must be positive"})
	}
	if !validReadMode(s.ReadMode) {
		errs = append(errs, ValidationError{Field: "store.read_mode", Message: fmt.Sprintf("unknown read mode %q", s.ReadMode)})
	}
	if s.ReadMode == ReadBounded && s.StalenessBound <= 0 {
		errs = append(errs, ValidationError{Field: "store.staleness_bound", Message: "must be positive for bounded reads"})
	}
	return errs
}

func validateResolver(r *ResolverConfig) []error {
	var errs []error
	if r.ReviewThreshold < 0 || r.ReviewThreshold > 1 {
		errs = append(errs, ValidationError{Field: "resolver.review_threshold", Message: "must be within [0, 1]"})
	}
	if r.LWWWindow <= 0 {
		errs = append(errs, ValidationError{Field: "resolver.lww_window", Message: "must be positive"})
	}
	for i, rule := range r.Rules {
		field := fmt.Sprintf("resolver.rules[%d]", i)
		if rule.Namespace == "" {
			errs = append(errs, ValidationError{Field: field + ".namespace", Message: "namespace is required"})
		}
		switch rule.Kind {
		case RuleRange:
			if rule.Field == "" {
				errs = append(errs, ValidationError{Field: field + ".field", Message: "range rule needs a field"})
			}
			if rule.Min == nil && rule.Max == nil {
				errs = append(errs, ValidationError{Field: field, Message: "range rule needs min or max"})
			}
			if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
				errs = append(errs, ValidationError{Field: field, Message: "min exceeds max"})
			}
		case RuleAuthority:
			if len(rule.Authorities) == 0 {
				errs = append(errs, ValidationError{Field: field + ".authorities", Message: "authority rule needs at least one source"})
			}
		case RuleStatus:
			if rule.Field == "" {
				errs = append(errs, ValidationError{Field: field + ".field", Message: "status rule needs a field"})
			}
			if len(rule.Ranks) == 0 {
				errs = append(errs, ValidationError{Field: field + ".ranks", Message: "status rule needs ranks"})
			}
		default:
			errs = append(errs, ValidationError{Field: field + ".kind", Message: fmt.Sprintf("unknown rule kind %q", rule.Kind)})
		}
	}
	return errs
}

func validateNamespaces(c *Config) []error {
	var errs []error
	if !validMode(c.DefaultMode) {
		errs = append(errs, ValidationError{Field: "default_mode", Message: fmt.Sprintf("unknown mode %q", c.DefaultMode)})
	}
	for name, ns := range c.Namespaces {
		if ns.Mode != "" && !validMode(ns.Mode) {
			errs = append(errs, ValidationError{Field: "namespaces." + name + ".mode", Message: fmt.Sprintf("unknown mode %q", ns.Mode)})
		}
		if ns.ReadMode != "" && !validReadMode(ns.ReadMode) {
			errs = append(errs, ValidationError{Field: "namespaces." + name + ".read_mode", Message: fmt.Sprintf("unknown read mode %q", ns.ReadMode)})
		}
	}
	return errs
}

func validMode(m string) bool { return m == ModeStrong || m == ModeEventual }

func validReadMode(m string) bool { return m == ReadEventual || m == ReadBounded }

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %v", addr, err)
	}
	return nil
}
