package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/notify"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
	"github.com/truongngoctrac/claims-platform-sub011/internal/vclock"
)

// Op is a strong-mode command type.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Command is the payload of a raft log entry for strong namespaces. Every
// field the state machine reads travels in the command so that all replicas
// apply it identically.
type Command struct {
	ID         string            `json:"id"`
	Op         Op                `json:"op"`
	Namespace  string            `json:"namespace"`
	Key        string            `json:"key"`
	Value      json.RawMessage   `json:"value,omitempty"`
	Conditions []store.Condition `json:"conditions,omitempty"`
	Origin     string            `json:"origin"`
	Timestamp  time.Time         `json:"timestamp"`
	TTL        time.Duration     `json:"ttl,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// KV is the state machine behind strong namespaces. It is only mutated by
// Apply, which the raft node calls in log order.
type KV struct {
	mu      sync.RWMutex
	data    map[string]entry.StateEntry
	applied uint64

	waitMu  sync.Mutex
	waiting map[string]chan entry.StateEntry

	broker *notify.Broker
	logger hclog.Logger
}

var _ raft.StateMachine = (*KV)(nil)

// NewKV creates an empty state machine. broker may be nil.
func NewKV(broker *notify.Broker, logger hclog.Logger) *KV {
	return &KV{
		data:    make(map[string]entry.StateEntry),
		waiting: make(map[string]chan entry.StateEntry),
		broker:  broker,
		logger:  logging.OrNop(logger),
	}
}

// Apply executes one committed command. A failed condition is returned as an
// error and leaves the state untouched on every replica.
func (kv *KV) Apply(le raft.LogEntry) error {
	var cmd Command
	if err := json.Unmarshal(le.Command, &cmd); err != nil {
		kv.logger.Error("undecodable command", "index", le.Index, "error", err)
		return fmt.Errorf("%w: decode command: %v", ErrInvalid, err)
	}
	k := cmd.Namespace + "\x00" + cmd.Key

	kv.mu.Lock()
	kv.applied = le.Index
	prev, exists := kv.data[k]
	var cur *entry.StateEntry
	if exists && prev.Live(cmd.Timestamp) {
		cur = &prev
	}
	if cmd.Op == OpDelete && cur == nil {
		kv.mu.Unlock()
		kv.deliver(cmd.ID, entry.StateEntry{})
		return store.ErrNotFound
	}
	if err := store.CheckConditions(cur, cmd.Conditions); err != nil {
		kv.mu.Unlock()
		kv.deliver(cmd.ID, entry.StateEntry{})
		return err
	}

	clock := vclock.New()
	if exists {
		clock = prev.Clock
	}
	e := entry.StateEntry{
		Namespace: cmd.Namespace,
		Key:       cmd.Key,
		Version:   prev.Version + 1,
		Timestamp: cmd.Timestamp,
		Origin:    cmd.Origin,
		Clock:     clock.Increment(cmd.Origin),
		Deleted:   cmd.Op == OpDelete,
		Metadata:  withIndex(cmd.Metadata, le),
	}
	if cmd.Op == OpPut {
		e.Value = cmd.Value
		e.TTL = cmd.TTL
	}
	kv.data[k] = e
	kv.mu.Unlock()

	if kv.broker != nil {
		kind := notify.KindPut
		if e.Deleted {
			kind = notify.KindDelete
		}
		kv.broker.Publish(notify.Event{Namespace: e.Namespace, Key: e.Key, Kind: kind, Source: notify.SourceLog, Entry: e.Clone()})
	}
	kv.deliver(cmd.ID, e)
	return nil
}

func withIndex(md map[string]string, le raft.LogEntry) map[string]string {
	out := make(map[string]string, len(md)+2)
	for k, v := range md {
		out[k] = v
	}
	out["raft_index"] = fmt.Sprint(le.Index)
	out["raft_term"] = fmt.Sprint(le.Term)
	return out
}

// expect registers interest in the result of command id.
func (kv *KV) expect(id string) <-chan entry.StateEntry {
	ch := make(chan entry.StateEntry, 1)
	kv.waitMu.Lock()
	kv.waiting[id] = ch
	kv.waitMu.Unlock()
	return ch
}

func (kv *KV) forget(id string) {
	kv.waitMu.Lock()
	delete(kv.waiting, id)
	kv.waitMu.Unlock()
}

func (kv *KV) deliver(id string, e entry.StateEntry) {
	kv.waitMu.Lock()
	ch, ok := kv.waiting[id]
	delete(kv.waiting, id)
	kv.waitMu.Unlock()
	if ok {
		ch <- e.Clone()
	}
}

// Get returns the live value of a key as of the last applied entry.
func (kv *KV) Get(namespace, key string, now time.Time) (entry.StateEntry, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	e, ok := kv.data[namespace+"\x00"+key]
	if !ok || !e.Live(now) {
		return entry.StateEntry{}, false
	}
	return e.Clone(), true
}

// Applied returns the index of the last applied entry.
func (kv *KV) Applied() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.applied
}

// Len returns the number of keys, tombstones included.
func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}
