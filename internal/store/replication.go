package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
)

// outbox holds the latest unacknowledged version set of each key bound for
// one target. At most one push per target is in flight.
type outbox struct {
	pending     map[string][]entry.StateEntry
	inflight    bool
	cancel      context.CancelFunc
	failures    int
	nextAttempt time.Time
}

func (s *Store) outboxLocked(target string) *outbox {
	ob, ok := s.outboxes[target]
	if !ok {
		ob = &outbox{pending: make(map[string][]entry.StateEntry)}
		s.outboxes[target] = ob
	}
	return ob
}

// enqueue queues a key's version set for every healthy replica of the key
// other than self.
func (s *Store) enqueue(versions []entry.StateEntry) {
	if len(versions) == 0 {
		return
	}
	e := versions[0]
	for _, target := range s.mem.ReplicaSet(placementKey(e.Namespace, e.Key), s.cfg.ReplicationFactor, true) {
		if target != s.self {
			s.enqueueTo(target, versions)
		}
	}
}

func (s *Store) enqueueTo(target string, versions []entry.StateEntry) {
	if len(versions) == 0 {
		return
	}
	s.outMu.Lock()
	s.outboxLocked(target).pending[storageKey(versions[0].Namespace, versions[0].Key)] = cloneAll(versions)
	s.outMu.Unlock()
}

// Pending returns the number of entries waiting to be pushed to target.
func (s *Store) Pending(target string) int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if ob, ok := s.outboxes[target]; ok {
		return len(ob.pending)
	}
	return 0
}

func (s *Store) backoff(failures int) time.Duration {
	d := s.cfg.FlushInterval
	for i := 1; i < failures && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

// flushTarget pushes target's outbox once. force ignores backoff.
func (s *Store) flushTarget(ctx context.Context, target string, force bool) error {
	s.outMu.Lock()
	ob, ok := s.outboxes[target]
	if !ok || ob.inflight || len(ob.pending) == 0 || (!force && s.now().Before(ob.nextAttempt)) {
		s.outMu.Unlock()
		return nil
	}
	batch := ob.pending
	ob.pending = make(map[string][]entry.StateEntry)
	pctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	ob.inflight = true
	ob.cancel = cancel
	s.outMu.Unlock()

	entries := make([]entry.StateEntry, 0, len(batch))
	for _, versions := range batch {
		entries = append(entries, versions...)
	}
	err := s.repl.Push(pctx, target, entries)
	cancel()

	s.outMu.Lock()
	ob.inflight = false
	ob.cancel = nil
	if err == nil {
		ob.failures = 0
		ob.nextAttempt = time.Time{}
		s.outMu.Unlock()
		s.logger.Trace("pushed entries", "target", target, "count", len(entries))
		return nil
	}

	healthy := s.mem.IsHealthy(target)
	if healthy {
		ob.failures++
		ob.nextAttempt = s.now().Add(s.backoff(ob.failures))
		for k, versions := range batch {
			// A newer set queued during the push wins.
			if _, newer := ob.pending[k]; !newer {
				ob.pending[k] = versions
			}
		}
	}
	failures := ob.failures
	s.outMu.Unlock()

	if !healthy {
		s.logger.Debug("push to unhealthy target failed, rerouting", "target", target, "count", len(entries))
		s.reroute(batch)
		return err
	}
	s.logger.Warn("push failed", "target", target, "count", len(entries), "failures", failures, "error", err)
	return err
}

// Flush pushes every non-empty outbox once, ignoring backoff, and waits for
// the pushes to finish.
func (s *Store) Flush(ctx context.Context) error {
	return s.flushAll(ctx, true)
}

func (s *Store) flushAll(ctx context.Context, force bool) error {
	s.outMu.Lock()
	targets := make([]string, 0, len(s.outboxes))
	for target, ob := range s.outboxes {
		if len(ob.pending) > 0 {
			targets = append(targets, target)
		}
	}
	s.outMu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if err := s.flushTarget(ctx, target, force); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// reroute re-queues keys against the current healthy replica sets, sending
// the current local versions where the key is still held.
func (s *Store) reroute(batch map[string][]entry.StateEntry) {
	for k, versions := range batch {
		if cur := s.versionsOf(k); len(cur) > 0 {
			versions = cur
		}
		s.enqueue(versions)
	}
}

// OnHealthChange reacts to a node's health transition.
//
// When a node becomes unhealthy its outbox is cancelled and rerouted, and
// every key it replicated is queued for the replica that now stands in for
// it. When it recovers it is sent every key it is a replica of.
func (s *Store) OnHealthChange(id string, healthy bool) {
	if id == s.self {
		return
	}
	if healthy {
		n := 0
		for _, versions := range s.allVersions() {
			e := versions[0]
			for _, target := range s.mem.ReplicaSet(placementKey(e.Namespace, e.Key), s.cfg.ReplicationFactor, true) {
				if target == id {
					s.enqueueTo(id, versions)
					n++
				}
			}
		}
		s.logger.Info("replica recovered, catching up", "node", id, "entries", n)
		return
	}

	s.outMu.Lock()
	var stranded map[string][]entry.StateEntry
	if ob, ok := s.outboxes[id]; ok {
		if ob.cancel != nil {
			ob.cancel()
		}
		stranded = ob.pending
		delete(s.outboxes, id)
	}
	s.outMu.Unlock()

	s.reroute(stranded)
	n := 0
	for _, versions := range s.allVersions() {
		e := versions[0]
		for _, member := range s.mem.ReplicaSet(placementKey(e.Namespace, e.Key), s.cfg.ReplicationFactor, false) {
			if member == id {
				s.enqueue(versions)
				n++
				break
			}
		}
	}
	s.logger.Info("replica failed, rerouted writes", "node", id, "stranded", len(stranded), "rereplicated", n)
}

// Resync queues every local key for its healthy replicas.
func (s *Store) Resync() int {
	all := s.allVersions()
	for _, versions := range all {
		s.enqueue(versions)
	}
	return len(all)
}

// Sweep drops expired values and tombstones older than the tombstone TTL.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.data {
		switch {
		case rec.e.Deleted && now.Sub(rec.e.Timestamp) >= s.cfg.TombstoneTTL:
		case !rec.e.Deleted && rec.e.Expired(now):
		default:
			continue
		}
		delete(s.data, k)
		n++
	}
	if n > 0 {
		s.logger.Debug("swept entries", "count", n)
	}
	return n
}

// Start runs the flush, sweep and anti-entropy loops until ctx is done.
func (s *Store) Start(ctx context.Context) {
	go s.every(ctx, s.cfg.FlushInterval, func() { _ = s.flushAll(ctx, false) })
	go s.every(ctx, s.cfg.SweepInterval, func() { s.Sweep() })
	go s.every(ctx, s.cfg.AntiEntropyInterval, func() { s.Resync() })
}

func (s *Store) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
