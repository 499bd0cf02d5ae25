package resolver

import (
	"encoding/json"
	"strings"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
)

// RuleKind selects how a domain rule judges candidates.
type RuleKind string

const (
	// RuleRange keeps candidates whose numeric field lies within [Min, Max].
	RuleRange RuleKind = "range"
	// RuleAuthority prefers candidates from more authoritative sources.
	RuleAuthority RuleKind = "authority"
	// RuleStatus prefers the candidate furthest along a status lifecycle.
	RuleStatus RuleKind = "status"
)

// Rule is one domain rule scoped to a namespace and optional key prefix.
type Rule struct {
	Namespace string
	KeyPrefix string
	Kind      RuleKind
	Field     string
	Min       *float64
	Max       *float64
	// Authorities lists sources from most to least authoritative. The source of
	// an entry is Metadata["source"], or its origin node.
	Authorities []string
	Ranks       map[string]int
}

func (r Rule) matches(namespace, key string) bool {
	return r.Namespace == namespace && strings.HasPrefix(key, r.KeyPrefix)
}

const (
	confidenceDecisive  = 0.92
	confidenceFiltered  = 0.85
	confidenceAmbiguous = 0.3
	confidenceInvalid   = 0.2
)

// Domain applies the first rule matching the context's namespace and key.
type Domain struct {
	rules []Rule
}

// NewDomain creates the strategy.
func NewDomain(rules ...Rule) *Domain {
	return &Domain{rules: append([]Rule(nil), rules...)}
}

func (s *Domain) Name() string { return "domain" }

func (s *Domain) Resolve(c Context) (Result, bool) {
	for _, r := range s.rules {
		if !r.matches(c.Namespace, c.Key) {
			continue
		}
		switch r.Kind {
		case RuleRange:
			return resolveRange(r, c.Candidates)
		case RuleAuthority:
			return resolveAuthority(r, c.Candidates)
		case RuleStatus:
			return resolveStatus(r, c.Candidates)
		}
	}
	return Result{}, false
}

func resolveRange(r Rule, cands []entry.StateEntry) (Result, bool) {
	var valid []entry.StateEntry
	for _, cand := range cands {
		if cand.Deleted {
			valid = append(valid, cand)
			continue
		}
		v, ok := numberField(cand.Value, r.Field)
		if !ok {
			continue
		}
		if (r.Min == nil || v >= *r.Min) && (r.Max == nil || v <= *r.Max) {
			valid = append(valid, cand)
		}
	}
	switch {
	case len(valid) == len(cands):
		// Nothing to reject; other strategies decide.
		return Result{}, false
	case len(valid) == 0:
		return Result{Entry: newest(cands), Confidence: confidenceInvalid, ManualReview: true, Reason: r.Field + " out of range on every candidate"}, true
	case len(valid) == 1:
		return Result{Entry: valid[0], Confidence: confidenceDecisive, Reason: "only candidate with valid " + r.Field}, true
	default:
		return Result{Entry: newest(valid), Confidence: confidenceFiltered, Reason: "newest candidate with valid " + r.Field}, true
	}
}

func resolveAuthority(r Rule, cands []entry.StateEntry) (Result, bool) {
	rank := func(e entry.StateEntry) int {
		src := e.Meta("source")
		if src == "" {
			src = e.Origin
		}
		for i, a := range r.Authorities {
			if a == src {
				return i
			}
		}
		return len(r.Authorities)
	}

	bestRank := len(r.Authorities) + 1
	var best []entry.StateEntry
	for _, cand := range cands {
		switch rk := rank(cand); {
		case rk < bestRank:
			bestRank = rk
			best = []entry.StateEntry{cand}
		case rk == bestRank:
			best = append(best, cand)
		}
	}
	if len(best) == 1 {
		return Result{Entry: best[0], Confidence: confidenceDecisive, Reason: "most authoritative source"}, true
	}
	if len(best) == len(cands) {
		return Result{}, false
	}
	return Result{Entry: newest(best), Confidence: confidenceAmbiguous, Reason: "several candidates share the top authority"}, true
}

func resolveStatus(r Rule, cands []entry.StateEntry) (Result, bool) {
	type ranked struct {
		e      entry.StateEntry
		status string
		rank   int
	}
	var all []ranked
	for _, cand := range cands {
		if cand.Deleted {
			return Result{}, false
		}
		status, _ := stringField(cand.Value, r.Field)
		all = append(all, ranked{e: cand, status: status, rank: r.Ranks[status]})
	}

	top := all[0]
	for _, x := range all[1:] {
		if x.rank > top.rank {
			top = x
		}
	}
	statuses := make(map[string]bool)
	var leaders []entry.StateEntry
	for _, x := range all {
		if x.rank == top.rank {
			statuses[x.status] = true
			leaders = append(leaders, x.e)
		}
	}
	switch {
	case len(statuses) > 1:
		return Result{Entry: newest(leaders), Confidence: confidenceAmbiguous, ManualReview: true, Reason: "conflicting statuses at the same stage"}, true
	case len(leaders) == len(all):
		return Result{}, false
	case len(leaders) == 1:
		return Result{Entry: top.e, Confidence: confidenceDecisive, Reason: "status " + top.status + " is furthest along"}, true
	default:
		return Result{Entry: newest(leaders), Confidence: confidenceFiltered, Reason: "status " + top.status + " is furthest along"}, true
	}
}

func numberField(value json.RawMessage, field string) (float64, bool) {
	var obj map[string]interface{}
	if json.Unmarshal(value, &obj) != nil {
		return 0, false
	}
	v, ok := obj[field].(float64)
	return v, ok
}

func stringField(value json.RawMessage, field string) (string, bool) {
	var obj map[string]interface{}
	if json.Unmarshal(value, &obj) != nil {
		return "", false
	}
	v, ok := obj[field].(string)
	return v, ok
}
