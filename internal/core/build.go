package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/config"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/notify"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/resolver"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
)

// Transport is everything a node sends over the network.
type Transport interface {
	raft.Transport
	store.Replicator
	cluster.Prober
}

// TransportFactory builds the transport once membership exists, so that it
// can resolve node ids to addresses.
type TransportFactory func(mem *cluster.Membership) Transport

// Node owns every component of one process.
type Node struct {
	Core       *Core
	Raft       *raft.Node
	KV         *KV
	Store      *store.Store
	Cluster    *cluster.Cluster
	Membership *cluster.Membership
	Broker     *notify.Broker
	Resolver   *resolver.Resolver

	seed    string
	logger  hclog.Logger
	cancel  context.CancelFunc
	closers []io.Closer
}

// Build constructs a node from cfg. The configuration must already be valid.
func Build(cfg *config.Config, newTransport TransportFactory, logger hclog.Logger) (*Node, error) {
	logger = logging.OrNop(logger).With("node", cfg.Node.ID)
	n := &Node{seed: cfg.Node.Seed, logger: logger}

	epoch := cfg.Node.Epoch
	if epoch == 0 {
		// A restarted process outranks any Leave recorded for its old epoch.
		epoch = uint64(time.Now().UnixNano())
	}
	n.Membership = cluster.NewMembership(cfg.Node.ID, cfg.AdvertiseAddr(), epoch, cfg.Cluster.VirtualNodes, logger.Named("membership"))
	for _, id := range cfg.PeerIDs() {
		n.Membership.Join(id, cfg.PeerMap()[id])
	}
	tr := newTransport(n.Membership)

	n.Broker = notify.NewBroker(logger.Named("notify"))

	var sink io.Writer
	if cfg.Resolver.AuditPath != "" {
		f, err := os.OpenFile(cfg.Resolver.AuditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		n.closers = append(n.closers, f)
		sink = f
	}
	audit := resolver.NewAuditLog(cfg.Resolver.AuditRetention, sink, logger.Named("audit"))
	rules, err := RulesFromConfig(cfg.Resolver.Rules)
	if err != nil {
		n.closeAll()
		return nil, err
	}
	n.Resolver = resolver.Default(cfg.Resolver.ReviewThreshold, cfg.Resolver.LWWWindow.D(), rules, audit, logger.Named("resolver"))

	var storage raft.Storage = raft.NewMemoryStorage()
	if cfg.Node.DataDir != "" {
		fs, err := raft.NewFileStorage(filepath.Join(cfg.Node.DataDir, "raft"))
		if err != nil {
			n.closeAll()
			return nil, err
		}
		n.closers = append(n.closers, fs)
		storage = fs
	}

	n.KV = NewKV(n.Broker, logger.Named("kv"))
	n.Raft, err = raft.NewNode(raft.Config{
		ID:                 cfg.Node.ID,
		Peers:              cfg.PeerIDs(),
		ElectionTimeoutMin: cfg.Raft.ElectionTimeoutMin.D(),
		ElectionTimeoutMax: cfg.Raft.ElectionTimeoutMax.D(),
		HeartbeatInterval:  cfg.Raft.HeartbeatInterval.D(),
		RPCTimeout:         cfg.Raft.RPCTimeout.D(),
		MaxAppendEntries:   cfg.Raft.MaxAppendEntries,
		CheckQuorum:        cfg.Raft.CheckQuorum,
		Storage:            storage,
		Logger:             logger.Named("raft"),
	}, n.KV, tr)
	if err != nil {
		n.closeAll()
		return nil, err
	}

	n.Store = store.New(StoreConfig(cfg), n.Membership, tr, n.Resolver, n.Broker, logger.Named("store"))
	n.Cluster = cluster.New(n.Membership, tr, cluster.Config{
		FailureDetector: cluster.FailureDetectorConfig{
			HeartbeatInterval: cfg.Cluster.HeartbeatInterval.D(),
			MissedBeats:       cfg.Cluster.MissedHeartbeats,
		},
		GossipInterval: cfg.Cluster.GossipInterval.D(),
		ProbeTimeout:   cfg.Cluster.ProbeTimeout.D(),
	}, logger.Named("cluster"))

	n.Core = New(Deps{
		Raft:     n.Raft,
		KV:       n.KV,
		Store:    n.Store,
		Cluster:  n.Cluster,
		Broker:   n.Broker,
		Resolver: n.Resolver,
	}, OptionsFromConfig(cfg), logger.Named("core"))
	return n, nil
}

// Start runs every background loop. When a seed is configured the node joins
// through it before its raft node starts, so that it never campaigns as a
// cluster of one.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.Cluster.Start(ctx)
	n.Store.Start(ctx)
	if n.seed != "" {
		if err := n.Cluster.Join(ctx, n.seed); err != nil {
			return fmt.Errorf("join via %s: %w", n.seed, err)
		}
	}
	n.Raft.Start()
	n.logger.Info("node started", "members", n.Membership.Size())
	return nil
}

// Stop flushes pending replication within ctx and stops every component.
func (n *Node) Stop(ctx context.Context) error {
	err := n.Core.Shutdown(ctx)
	if n.cancel != nil {
		n.cancel()
	}
	n.Raft.Stop()
	n.Broker.Close()
	return errors.Join(err, n.closeAll())
}

func (n *Node) closeAll() error {
	var errs []error
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// OptionsFromConfig derives routing options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		DefaultMode:     Mode(cfg.DefaultMode),
		DefaultReadMode: readMode(cfg.Store.ReadMode),
		Namespaces:      make(map[string]NamespaceOptions, len(cfg.Namespaces)),
		ProposeTimeout:  cfg.Raft.ProposeTimeout.D(),
	}
	for name := range cfg.Namespaces {
		opts.Namespaces[name] = NamespaceOptions{
			Mode:     Mode(cfg.ModeFor(name)),
			ReadMode: readMode(cfg.ReadModeFor(name)),
		}
	}
	return opts
}

func readMode(s string) store.ReadMode {
	if s == config.ReadBounded {
		return store.ReadBounded
	}
	return store.ReadEventual
}

// StoreConfig derives the eventual store settings from cfg.
func StoreConfig(cfg *config.Config) store.Config {
	s := cfg.Store
	return store.Config{
		ReplicationFactor:   s.ReplicationFactor,
		FlushInterval:       s.FlushInterval.D(),
		AckTimeout:          s.AckTimeout.D(),
		MaxBackoff:          s.MaxBackoff.D(),
		StalenessBound:      s.StalenessBound.D(),
		TombstoneTTL:        s.TombstoneTTL.D(),
		SweepInterval:       s.SweepInterval.D(),
		AntiEntropyInterval: s.AntiEntropyInterval.D(),
	}
}

// RulesFromConfig converts configured domain rules.
func RulesFromConfig(in []config.DomainRuleConfig) ([]resolver.Rule, error) {
	out := make([]resolver.Rule, 0, len(in))
	for i, r := range in {
		kind := resolver.RuleKind(r.Kind)
		switch kind {
		case resolver.RuleRange, resolver.RuleAuthority, resolver.RuleStatus:
		default:
			return nil, fmt.Errorf("resolver.rules[%d]: unknown kind %q", i, r.Kind)
		}
		out = append(out, resolver.Rule{
			Namespace:   r.Namespace,
			KeyPrefix:   r.KeyPrefix,
			Kind:        kind,
			Field:       r.Field,
			Min:         r.Min,
			Max:         r.Max,
			Authorities: append([]string(nil), r.Authorities...),
			Ranks:       r.Ranks,
		})
	}
	return out, nil
}
