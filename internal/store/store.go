// Package store is the eventually consistent key/value store.
//
// Each node owns its local map and is the only writer of it. Writes are
// accepted locally, stamped with the node's vector clock component and pushed
// asynchronously to the key's replica set. Replicas fold incoming versions in
// with Merge.
//
// A key holds the set of mutually concurrent versions it has seen. Reads see
// the entry a resolver.Resolver derives from the whole set, so two replicas
// holding the same versions show the same value whatever order they arrived
// in. Only original versions travel between nodes; a local write supersedes
// the whole set.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/notify"
	"github.com/truongngoctrac/claims-platform-sub011/internal/resolver"
	"github.com/truongngoctrac/claims-platform-sub011/internal/vclock"
)

// Store errors.
var (
	ErrNotFound        = errors.New("store: key not found")
	ErrConditionFailed = errors.New("store: condition failed")

	// ErrStale is returned with a value that is older than the staleness bound
	// because no replica could be reached to refresh it.
	ErrStale = errors.New("store: value may be stale")
)

// ReadMode selects the read path.
type ReadMode int

const (
	// ReadEventual returns the local entry immediately.
	ReadEventual ReadMode = iota
	// ReadBounded returns the local entry only if it was synced within the
	// staleness bound, and otherwise consults replicas first.
	ReadBounded
)

// Membership is the cluster view the store needs.
type Membership interface {
	SelfID() string
	ReplicaSet(key string, n int, healthyOnly bool) []string
	IsHealthy(id string) bool
}

// Replicator moves entries between nodes.
type Replicator interface {
	// Push delivers entries to target, which merges them.
	Push(ctx context.Context, target string, entries []entry.StateEntry) error
	// Fetch returns target's stored versions of a key, tombstones included.
	// An empty result means the key is unknown to target.
	Fetch(ctx context.Context, target, namespace, key string) ([]entry.StateEntry, error)
}

// Config controls replication and background maintenance.
type Config struct {
	ReplicationFactor   int
	FlushInterval       time.Duration
	AckTimeout          time.Duration
	MaxBackoff          time.Duration
	StalenessBound      time.Duration
	TombstoneTTL        time.Duration
	SweepInterval       time.Duration
	AntiEntropyInterval time.Duration
}

// DefaultConfig returns default store settings.
func DefaultConfig() Config {
	return Config{
		ReplicationFactor: 3,
		FlushInterval:     100 * time.Millisecond,
		AckTimeout:        500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		StalenessBound:    2 * time.Second,
		TombstoneTTL:      24 * time.Hour,
		SweepInterval:     30 * time.Second,
	}
}

// WriteOptions carries optional attributes of a write.
type WriteOptions struct {
	TTL      time.Duration
	Metadata map[string]string
}

type record struct {
	// e is the entry reads see: the single version, or the resolved one
	// carrying the merged clock of all versions.
	e        entry.StateEntry
	versions []entry.StateEntry
	syncedAt time.Time
}

// Store is one node's replica of the eventual key space.
type Store struct {
	cfg      Config
	self     string
	mem      Membership
	repl     Replicator
	resolver *resolver.Resolver
	broker   *notify.Broker
	logger   hclog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	data map[string]*record

	outMu    sync.Mutex
	outboxes map[string]*outbox
}

// New creates a store. broker may be nil; a nil resolver uses the default table.
func New(cfg Config, mem Membership, repl Replicator, res *resolver.Resolver, broker *notify.Broker, logger hclog.Logger) *Store {
	def := DefaultConfig()
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = def.ReplicationFactor
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.StalenessBound <= 0 {
		cfg.StalenessBound = def.StalenessBound
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = def.TombstoneTTL
	}
	logger = logging.OrNop(logger)
	if res == nil {
		res = resolver.Default(0.6, time.Second, nil, nil, logger.Named("resolver"))
	}
	return &Store{
		cfg:      cfg,
		self:     mem.SelfID(),
		mem:      mem,
		repl:     repl,
		resolver: res,
		broker:   broker,
		logger:   logger,
		now:      time.Now,
		data:     make(map[string]*record),
		outboxes: make(map[string]*outbox),
	}
}

func storageKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// placementKey is the ring key for a namespaced key.
func placementKey(namespace, key string) string {
	return namespace + "/" + key
}

// Read returns the live value of a key.
func (s *Store) Read(ctx context.Context, namespace, key string, mode ReadMode) (entry.StateEntry, error) {
	now := s.now()
	s.mu.RLock()
	rec, ok := s.data[storageKey(namespace, key)]
	var local entry.StateEntry
	var syncedAt time.Time
	if ok {
		local, syncedAt = rec.e.Clone(), rec.syncedAt
	}
	s.mu.RUnlock()

	if mode == ReadEventual || (ok && now.Sub(syncedAt) <= s.cfg.StalenessBound) {
		if !ok || !local.Live(now) {
			return entry.StateEntry{}, ErrNotFound
		}
		return local, nil
	}

	refreshed := s.refresh(ctx, namespace, key)

	s.mu.RLock()
	rec, ok = s.data[storageKey(namespace, key)]
	if ok {
		local = rec.e.Clone()
	}
	s.mu.RUnlock()

	if !ok || !local.Live(now) {
		return entry.StateEntry{}, ErrNotFound
	}
	if !refreshed {
		return local, ErrStale
	}
	return local, nil
}

// refresh fetches a key from its healthy replicas concurrently and merges the
// answers. It reports whether any replica answered.
func (s *Store) refresh(ctx context.Context, namespace, key string) bool {
	var targets []string
	for _, id := range s.mem.ReplicaSet(placementKey(namespace, key), s.cfg.ReplicationFactor, true) {
		if id != s.self {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return false
	}

	type answer struct {
		versions []entry.StateEntry
		err      error
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()
	answers := make(chan answer, len(targets))
	for _, target := range targets {
		go func(target string) {
			versions, err := s.repl.Fetch(ctx, target, namespace, key)
			answers <- answer{versions: versions, err: err}
		}(target)
	}

	reached := false
	var fetched []entry.StateEntry
	for range targets {
		a := <-answers
		if a.err != nil {
			continue
		}
		reached = true
		fetched = append(fetched, a.versions...)
	}
	if len(fetched) > 0 {
		s.Merge(fetched)
	}
	if reached {
		s.mu.Lock()
		if rec, ok := s.data[storageKey(namespace, key)]; ok {
			rec.syncedAt = s.now()
		}
		s.mu.Unlock()
	}
	return reached
}

// Write stores a new version of a key after checking conds against the local
// entry, then queues it for replication.
func (s *Store) Write(ctx context.Context, namespace, key string, value json.RawMessage, conds []Condition, opts WriteOptions) (entry.StateEntry, error) {
	return s.write(namespace, key, value, false, conds, opts)
}

// Delete writes a tombstone for a key with a live value.
func (s *Store) Delete(ctx context.Context, namespace, key string) (entry.StateEntry, error) {
	e, err := s.write(namespace, key, nil, true, []Condition{{Kind: Exists}}, WriteOptions{})
	if errors.Is(err, ErrConditionFailed) {
		return entry.StateEntry{}, ErrNotFound
	}
	return e, err
}

func (s *Store) write(namespace, key string, value json.RawMessage, deleted bool, conds []Condition, opts WriteOptions) (entry.StateEntry, error) {
	now := s.now()
	k := storageKey(namespace, key)

	s.mu.Lock()
	rec := s.data[k]
	var cur *entry.StateEntry
	clock := vclock.New()
	if rec != nil {
		clock = rec.e.Clock
		if rec.e.Live(now) {
			cur = &rec.e
		}
	}
	if err := CheckConditions(cur, conds); err != nil {
		s.mu.Unlock()
		return entry.StateEntry{}, err
	}
	clock = clock.Increment(s.self)
	e := entry.StateEntry{
		Namespace: namespace,
		Key:       key,
		Version:   clock.Get(s.self),
		Timestamp: now,
		Origin:    s.self,
		Clock:     clock,
		Deleted:   deleted,
	}
	if !deleted {
		e.Value = append(json.RawMessage(nil), value...)
		e.TTL = opts.TTL
	}
	if len(opts.Metadata) > 0 {
		e.Metadata = make(map[string]string, len(opts.Metadata))
		for mk, mv := range opts.Metadata {
			e.Metadata[mk] = mv
		}
	}
	s.data[k] = &record{e: e, versions: []entry.StateEntry{e.Clone()}, syncedAt: now}
	s.mu.Unlock()

	s.logger.Trace("local write", "namespace", namespace, "key", key, "version", e.Version, "clock", e.Clock.String(), "deleted", deleted)
	s.enqueue([]entry.StateEntry{e})
	s.publish(e, notify.SourceLocal)
	return e.Clone(), nil
}

// Merge folds versions received from other nodes into the local map and
// returns how many changed local state.
//
// A version that descends from or equals one already held is ignored. Any
// other version joins the key's set and drops the versions it descends from.
// When more than one version remains, the visible entry is re-resolved from
// the full set and carries the component-wise maximum of their clocks.
func (s *Store) Merge(entries []entry.StateEntry) int {
	changed := 0
	for _, in := range entries {
		view, versions, ok := s.mergeOne(in)
		if !ok {
			continue
		}
		changed++
		if len(versions) > 1 {
			s.enqueue(versions)
		}
		s.publish(view, notify.SourceReplica)
	}
	return changed
}

func (s *Store) mergeOne(in entry.StateEntry) (entry.StateEntry, []entry.StateEntry, bool) {
	now := s.now()
	k := storageKey(in.Namespace, in.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[k]
	if !ok {
		e := in.Clone()
		s.data[k] = &record{e: e, versions: []entry.StateEntry{in.Clone()}, syncedAt: now}
		return e.Clone(), nil, true
	}

	for _, v := range rec.versions {
		switch in.Clock.Compare(v.Clock) {
		case vclock.Equal, vclock.Before:
			rec.syncedAt = now
			return entry.StateEntry{}, nil, false
		}
	}
	versions := make([]entry.StateEntry, 0, len(rec.versions)+1)
	for _, v := range rec.versions {
		if v.Clock.Compare(in.Clock) != vclock.Before {
			versions = append(versions, v)
		}
	}
	versions = append(versions, in.Clone())

	view, err := s.resolve(in.Namespace, in.Key, versions)
	if err != nil {
		s.logger.Error("conflict resolution failed", "namespace", in.Namespace, "key", in.Key, "error", err)
		return entry.StateEntry{}, nil, false
	}
	s.data[k] = &record{e: view, versions: versions, syncedAt: now}
	return view.Clone(), cloneAll(versions), true
}

// resolve derives the visible entry from a set of mutually concurrent
// versions.
func (s *Store) resolve(namespace, key string, versions []entry.StateEntry) (entry.StateEntry, error) {
	if len(versions) == 1 {
		return versions[0].Clone(), nil
	}
	res, err := s.resolver.Resolve(resolver.Context{
		Namespace:  namespace,
		Key:        key,
		Candidates: versions,
	})
	if err != nil {
		return entry.StateEntry{}, err
	}
	clocks := make([]vclock.Clock, 0, len(versions))
	for _, v := range versions {
		clocks = append(clocks, v.Clock)
	}
	view := res.Entry.Clone()
	view.Clock = vclock.Merge(clocks...)
	if res.ManualReview {
		if view.Metadata == nil {
			view.Metadata = make(map[string]string)
		}
		view.Metadata["manual_review"] = "true"
	}
	s.logger.Debug("resolved concurrent versions",
		"namespace", namespace, "key", key, "versions", len(versions), "strategy", res.Strategy,
		"confidence", res.Confidence, "clock", view.Clock.String())
	return view, nil
}

func cloneAll(in []entry.StateEntry) []entry.StateEntry {
	out := make([]entry.StateEntry, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}

// Versions returns the stored versions of a key. It is what other nodes
// fetch and what replication pushes.
func (s *Store) Versions(namespace, key string) []entry.StateEntry {
	return s.versionsOf(storageKey(namespace, key))
}

func (s *Store) versionsOf(k string) []entry.StateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[k]
	if !ok {
		return nil
	}
	return cloneAll(rec.versions)
}

// allVersions returns the version set of every stored key.
func (s *Store) allVersions() [][]entry.StateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]entry.StateEntry, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, cloneAll(rec.versions))
	}
	return out
}

// Local returns the stored entry for a key, tombstones and expired entries
// included.
func (s *Store) Local(namespace, key string) (entry.StateEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[storageKey(namespace, key)]
	if !ok {
		return entry.StateEntry{}, false
	}
	return rec.e.Clone(), true
}

// Len returns the number of stored entries, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) publish(e entry.StateEntry, src notify.Source) {
	if s.broker == nil {
		return
	}
	kind := notify.KindPut
	if e.Deleted {
		kind = notify.KindDelete
	}
	s.broker.Publish(notify.Event{Namespace: e.Namespace, Key: e.Key, Kind: kind, Source: src, Entry: e})
}
