// Package core is the single entry point for reads, writes and cluster
// control. Each namespace is served either by the raft log (strong) or by the
// eventual store, and callers see the same API for both.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/notify"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/resolver"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
)

// Mode is a namespace's consistency mode.
type Mode string

const (
	Strong   Mode = "strong"
	Eventual Mode = "eventual"
)

// NamespaceOptions overrides the defaults for one namespace.
type NamespaceOptions struct {
	Mode     Mode
	ReadMode store.ReadMode
}

// Options control routing and timeouts.
type Options struct {
	DefaultMode     Mode
	DefaultReadMode store.ReadMode
	Namespaces      map[string]NamespaceOptions
	// ProposeTimeout bounds strong writes and barrier reads when the caller's
	// context has no earlier deadline.
	ProposeTimeout time.Duration
}

// Deps are the components Core routes to. Raft and KV must be paired: KV is
// the state machine the raft node applies to.
type Deps struct {
	Raft     *raft.Node
	KV       *KV
	Store    *store.Store
	Cluster  *cluster.Cluster
	Broker   *notify.Broker
	Resolver *resolver.Resolver
}

// Core is the facade over one node's replication components.
type Core struct {
	opts    Options
	self    string
	raft    *raft.Node
	kv      *KV
	store   *store.Store
	cluster *cluster.Cluster
	mem     *cluster.Membership
	broker  *notify.Broker
	res     *resolver.Resolver
	logger  hclog.Logger
	now     func() time.Time
}

// New wires the components together and subscribes to membership changes.
func New(deps Deps, opts Options, logger hclog.Logger) *Core {
	if opts.DefaultMode == "" {
		opts.DefaultMode = Eventual
	}
	if opts.ProposeTimeout <= 0 {
		opts.ProposeTimeout = 3 * time.Second
	}
	mem := deps.Cluster.Membership()
	c := &Core{
		opts:    opts,
		self:    mem.SelfID(),
		raft:    deps.Raft,
		kv:      deps.KV,
		store:   deps.Store,
		cluster: deps.Cluster,
		mem:     mem,
		broker:  deps.Broker,
		res:     deps.Resolver,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
	deps.Cluster.SetRoleSource(c.role)
	mem.Subscribe(c.onMembership)
	return c
}

func (c *Core) role() (cluster.Role, uint64) {
	st := c.raft.Status()
	switch st.State {
	case raft.Leader.String():
		return cluster.RoleLeader, st.Term
	case raft.Candidate.String():
		return cluster.RoleCandidate, st.Term
	default:
		return cluster.RoleFollower, st.Term
	}
}

// onMembership keeps the raft peer set and the store's replica routing in
// step with membership.
func (c *Core) onMembership(ev cluster.Event) {
	id := ev.Node.ID
	if id == c.self {
		return
	}
	switch ev.Kind {
	case cluster.EventJoined:
		c.raft.AddPeer(id)
		c.store.OnHealthChange(id, true)
	case cluster.EventLeft:
		c.raft.RemovePeer(id)
		c.store.OnHealthChange(id, false)
	case cluster.EventHealthChanged:
		if !ev.Node.Healthy && c.raft.Leader() == id {
			c.logger.Warn("leader became unhealthy, campaigning", "leader", id)
			c.raft.Campaign()
		}
		c.store.OnHealthChange(id, ev.Node.Healthy)
	}
}

// ModeOf returns the consistency mode of a namespace.
func (c *Core) ModeOf(namespace string) Mode {
	if ns, ok := c.opts.Namespaces[namespace]; ok && ns.Mode != "" {
		return ns.Mode
	}
	return c.opts.DefaultMode
}

func (c *Core) readModeOf(namespace string) store.ReadMode {
	if ns, ok := c.opts.Namespaces[namespace]; ok {
		return ns.ReadMode
	}
	return c.opts.DefaultReadMode
}

func validate(namespace, key string) error {
	if strings.TrimSpace(namespace) == "" || strings.Contains(namespace, "/") {
		return fmt.Errorf("%w: bad namespace %q", ErrInvalid, namespace)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key required", ErrInvalid)
	}
	return nil
}

func (c *Core) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.ProposeTimeout)
}

// Put writes value, a JSON document, after checking conds. opts carries the
// entry's TTL and caller metadata; a zero TTL never expires.
func (c *Core) Put(ctx context.Context, namespace, key string, value json.RawMessage, conds []store.Condition, opts store.WriteOptions) (entry.StateEntry, error) {
	if err := validate(namespace, key); err != nil {
		return entry.StateEntry{}, err
	}
	if !json.Valid(value) {
		return entry.StateEntry{}, fmt.Errorf("%w: value is not valid JSON", ErrInvalid)
	}
	if opts.TTL < 0 {
		return entry.StateEntry{}, fmt.Errorf("%w: ttl must not be negative", ErrInvalid)
	}
	if c.ModeOf(namespace) == Strong {
		return c.propose(ctx, Command{
			Op:         OpPut,
			Namespace:  namespace,
			Key:        key,
			Value:      value,
			Conditions: conds,
			TTL:        opts.TTL,
			Metadata:   opts.Metadata,
		})
	}
	e, err := c.store.Write(ctx, namespace, key, value, conds, opts)
	return e, c.translate(err)
}

// Delete removes a key that currently has a value.
func (c *Core) Delete(ctx context.Context, namespace, key string) (entry.StateEntry, error) {
	if err := validate(namespace, key); err != nil {
		return entry.StateEntry{}, err
	}
	if c.ModeOf(namespace) == Strong {
		return c.propose(ctx, Command{Op: OpDelete, Namespace: namespace, Key: key})
	}
	e, err := c.store.Delete(ctx, namespace, key)
	return e, c.translate(err)
}

// Get reads a key. Strong reads are served by the leader after a barrier, so
// they observe every write acknowledged before the call.
func (c *Core) Get(ctx context.Context, namespace, key string) (entry.StateEntry, error) {
	if err := validate(namespace, key); err != nil {
		return entry.StateEntry{}, err
	}
	if c.ModeOf(namespace) == Strong {
		ctx, cancel := c.bounded(ctx)
		defer cancel()
		if err := c.raft.Barrier(ctx); err != nil {
			return entry.StateEntry{}, c.translate(err)
		}
		e, ok := c.kv.Get(namespace, key, c.now())
		if !ok {
			return entry.StateEntry{}, ErrNotFound
		}
		return e, nil
	}
	e, err := c.store.Read(ctx, namespace, key, c.readModeOf(namespace))
	return e, c.translate(err)
}

func (c *Core) propose(ctx context.Context, cmd Command) (entry.StateEntry, error) {
	cmd.ID = uuid.NewString()
	cmd.Origin = c.self
	cmd.Timestamp = c.now().UTC()
	data, err := json.Marshal(cmd)
	if err != nil {
		return entry.StateEntry{}, err
	}

	ctx, cancel := c.bounded(ctx)
	defer cancel()
	result := c.kv.expect(cmd.ID)
	defer c.kv.forget(cmd.ID)

	idx, err := c.raft.Propose(ctx, data)
	if err != nil {
		c.logger.Debug("proposal failed", "op", cmd.Op, "namespace", cmd.Namespace, "key", cmd.Key, "error", err)
		return entry.StateEntry{}, c.translate(err)
	}
	select {
	case e := <-result:
		return e, nil
	case <-ctx.Done():
		return entry.StateEntry{}, fmt.Errorf("%w: entry %d applied without a result", ErrTimeout, idx)
	}
}

// Subscribe streams changes to keys of namespace starting with prefix.
func (c *Core) Subscribe(namespace, prefix string) *notify.Subscription {
	return c.broker.Subscribe(namespace, prefix)
}

// Join admits a node and returns the resulting membership view.
func (c *Core) Join(ctx context.Context, id, address string) (cluster.Snapshot, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(address) == "" {
		return cluster.Snapshot{}, fmt.Errorf("%w: id and address required", ErrInvalid)
	}
	snap := c.cluster.HandleJoin(id, address)
	c.logger.Info("node joined", "id", id, "address", address)
	return snap, nil
}

// Leave marks a node as departed.
func (c *Core) Leave(ctx context.Context, id string) error {
	if err := c.mem.Leave(id); err != nil {
		return c.translate(err)
	}
	c.logger.Info("node left", "id", id)
	return nil
}

// HealthSnapshot returns each member's health.
func (c *Core) HealthSnapshot() map[string]bool {
	return c.mem.HealthSnapshot()
}

// Audit returns the conflict resolution audit log, or nil.
func (c *Core) Audit() *resolver.AuditLog {
	if c.res == nil {
		return nil
	}
	return c.res.Audit()
}

// Status describes the node for operators.
type Status struct {
	ID            string          `json:"id"`
	Raft          raft.Status     `json:"raft"`
	Members       []cluster.Node  `json:"members"`
	Health        map[string]bool `json:"health"`
	DefaultMode   Mode            `json:"default_mode"`
	Namespaces    map[string]Mode `json:"namespaces"`
	StrongKeys    int             `json:"strong_keys"`
	EventualKeys  int             `json:"eventual_keys"`
	Subscriptions int             `json:"subscriptions"`
	PendingReview int             `json:"pending_review"`
	Time          time.Time       `json:"time"`
}

// Status returns a point-in-time description of the node.
func (c *Core) Status() Status {
	ns := make(map[string]Mode, len(c.opts.Namespaces))
	for name := range c.opts.Namespaces {
		ns[name] = c.ModeOf(name)
	}
	members := c.mem.Nodes()
	st := Status{
		ID:            c.self,
		Raft:          c.raft.Status(),
		Members:       members,
		Health:        c.mem.HealthSnapshot(),
		DefaultMode:   c.opts.DefaultMode,
		Namespaces:    ns,
		StrongKeys:    c.kv.Len(),
		EventualKeys:  c.store.Len(),
		Subscriptions: c.broker.Len(),
		Time:          c.now().UTC(),
	}
	if a := c.Audit(); a != nil {
		st.PendingReview = len(a.PendingReview())
	}
	return st
}

// Shutdown flushes pending replication within ctx.
func (c *Core) Shutdown(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("final flush incomplete", "error", err)
		return err
	}
	return nil
}
