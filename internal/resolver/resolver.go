// Package resolver picks a winner among concurrently observed versions of a
// key. A Resolver holds a fixed table of strategies; each reports whether it
// applies and how confident it is, and the most confident one wins.
package resolver

import (
	"errors"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
)

// ErrNoCandidates is returned when a context holds no entries.
var ErrNoCandidates = errors.New("resolver: no candidates")

// Context is the set of versions of one key observed concurrently.
type Context struct {
	Namespace  string
	Key        string
	Candidates []entry.StateEntry
}

// Result is the outcome of a resolution.
type Result struct {
	Entry        entry.StateEntry
	Strategy     string
	Confidence   float64
	ManualReview bool
	Reason       string
}

// Strategy is one resolution policy. Resolve reports false when the strategy
// has no opinion for this context. Implementations must be deterministic.
type Strategy interface {
	Name() string
	Resolve(c Context) (Result, bool)
}

// Resolver dispatches to its strategy table and records every decision.
type Resolver struct {
	strategies []Strategy
	threshold  float64
	audit      *AuditLog
	logger     hclog.Logger
}

// New creates a resolver. Strategies earlier in the list win confidence ties.
// Results below threshold are flagged for manual review.
func New(threshold float64, audit *AuditLog, logger hclog.Logger, strategies ...Strategy) *Resolver {
	return &Resolver{
		strategies: append([]Strategy(nil), strategies...),
		threshold:  threshold,
		audit:      audit,
		logger:     logging.OrNop(logger),
	}
}

// Default builds the standard table: vector clock, last-write-wins and, when
// rules are given, the domain strategy.
func Default(threshold float64, lwwWindow time.Duration, rules []Rule, audit *AuditLog, logger hclog.Logger) *Resolver {
	strategies := []Strategy{NewVectorClock(), NewLastWriteWins(lwwWindow)}
	if len(rules) > 0 {
		strategies = append(strategies, NewDomain(rules...))
	}
	return New(threshold, audit, logger, strategies...)
}

// Audit returns the resolver's audit log, which may be nil.
func (r *Resolver) Audit() *AuditLog { return r.audit }

// Resolve picks the winning entry for c.
func (r *Resolver) Resolve(c Context) (Result, error) {
	if len(c.Candidates) == 0 {
		return Result{}, ErrNoCandidates
	}
	c.Candidates = canonicalOrder(c.Candidates)

	var best Result
	found := false
	review := false
	for _, s := range r.strategies {
		res, ok := s.Resolve(c)
		if !ok {
			continue
		}
		res.Strategy = s.Name()
		review = review || res.ManualReview
		if !found || res.Confidence > best.Confidence {
			best = res
			found = true
		}
	}
	if !found {
		best = Result{Entry: newest(c.Candidates), Strategy: "fallback", Confidence: 0, Reason: "no strategy applied"}
	}
	best.ManualReview = review || best.Confidence < r.threshold

	r.logger.Debug("conflict resolved",
		"namespace", c.Namespace, "key", c.Key, "strategy", best.Strategy,
		"confidence", best.Confidence, "manual_review", best.ManualReview)
	if best.ManualReview {
		r.logger.Warn("conflict flagged for manual review", "namespace", c.Namespace, "key", c.Key, "strategy", best.Strategy, "confidence", best.Confidence)
	}
	if r.audit != nil {
		r.audit.Record(c, best)
	}
	return best, nil
}

// canonicalOrder sorts a copy of the candidates so results do not depend on
// the order in which versions arrived.
func canonicalOrder(in []entry.StateEntry) []entry.StateEntry {
	out := make([]entry.StateEntry, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return older(out[i], out[j]) })
	return out
}

// older orders entries by timestamp, then origin, then version.
func older(a, b entry.StateEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	return a.Version < b.Version
}

// newest returns the last entry in canonical order.
func newest(cands []entry.StateEntry) entry.StateEntry {
	best := cands[0]
	for _, c := range cands[1:] {
		if older(best, c) {
			best = c
		}
	}
	return best
}
