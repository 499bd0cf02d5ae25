package resolver

import (
	"encoding/json"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
)

// Confidence levels reported by the vector clock strategy.
const (
	confidenceDominates = 1.0
	confidenceTombstone = 0.95
	confidenceUnion     = 0.7
	confidenceTieBreak  = 0.6
)

// VectorClock lets a causally later entry win outright. For concurrent entries
// a tombstone wins, object values are merged field by field, and anything else
// falls back to the latest timestamp.
type VectorClock struct{}

// NewVectorClock creates the strategy.
func NewVectorClock() *VectorClock { return &VectorClock{} }

func (s *VectorClock) Name() string { return "vector_clock" }

func (s *VectorClock) Resolve(c Context) (Result, bool) {
	if len(c.Candidates) == 0 {
		return Result{}, false
	}
	if w, ok := dominating(c.Candidates); ok {
		return Result{Entry: w, Confidence: confidenceDominates, Reason: "causally latest"}, true
	}

	var tombstones []entry.StateEntry
	for _, cand := range c.Candidates {
		if cand.Deleted {
			tombstones = append(tombstones, cand)
		}
	}
	if len(tombstones) > 0 {
		return Result{Entry: newest(tombstones), Confidence: confidenceTombstone, Reason: "concurrent delete"}, true
	}

	if merged, ok := fieldUnion(c.Candidates); ok {
		return Result{Entry: merged, Confidence: confidenceUnion, Reason: "concurrent objects merged"}, true
	}
	return Result{Entry: newest(c.Candidates), Confidence: confidenceTieBreak, Reason: "concurrent, timestamp tie-break"}, true
}

// dominating returns the candidate whose clock descends from every other.
func dominating(cands []entry.StateEntry) (entry.StateEntry, bool) {
	for i, cand := range cands {
		ok := true
		for j, other := range cands {
			if i != j && !cand.Clock.Descends(other.Clock) {
				ok = false
				break
			}
		}
		if ok {
			return cand, true
		}
	}
	return entry.StateEntry{}, false
}

// fieldUnion merges top-level fields of JSON object values, oldest first so
// newer writes win per field. Candidates arrive in canonical order.
func fieldUnion(cands []entry.StateEntry) (entry.StateEntry, bool) {
	merged := make(map[string]json.RawMessage)
	for _, cand := range cands {
		var fields map[string]json.RawMessage
		if len(cand.Value) == 0 || json.Unmarshal(cand.Value, &fields) != nil || fields == nil {
			return entry.StateEntry{}, false
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	value, err := json.Marshal(merged)
	if err != nil {
		return entry.StateEntry{}, false
	}
	out := newest(cands).Clone()
	out.Value = value
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	out.Metadata["resolution"] = "field_union"
	return out, true
}
