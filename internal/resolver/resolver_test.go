package resolver

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/vclock"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mk(origin string, clock vclock.Clock, offset time.Duration, value string) entry.StateEntry {
	return entry.StateEntry{
		Namespace: "claims",
		Key:       "claim:1",
		Value:     json.RawMessage(value),
		Version:   clock.Get(origin),
		Timestamp: base.Add(offset),
		Origin:    origin,
		Clock:     clock,
	}
}

func newTestResolver(audit *AuditLog, rules ...Rule) *Resolver {
	return Default(0.6, time.Second, rules, audit, nil)
}

// Scenario: two nodes write claim:1 concurrently; the clocks do not order them,
// so the vector clock strategy merges and the decision is audited below 1.0.
func TestConcurrentWritesMergedWithReducedConfidence(t *testing.T) {
	audit := NewAuditLog(0, nil, nil)
	r := newTestResolver(audit)

	a := mk("n1", vclock.Clock{"n1": 1}, 0, `{"amount": 100, "status": "submitted"}`)
	b := mk("n2", vclock.Clock{"n2": 1}, 10*time.Millisecond, `{"status": "reviewing", "adjuster": "kim"}`)

	res, err := r.Resolve(Context{Namespace: "claims", Key: "claim:1", Candidates: []entry.StateEntry{a, b}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != "vector_clock" {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.Confidence >= 1.0 {
		t.Fatalf("confidence = %v, want < 1", res.Confidence)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(res.Entry.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got["amount"] != float64(100) || got["status"] != "reviewing" || got["adjuster"] != "kim" {
		t.Fatalf("merged value = %v", got)
	}

	recs := audit.Records(0)
	if len(recs) != 1 {
		t.Fatalf("audit records = %d", len(recs))
	}
	if recs[0].Key != "claim:1" || recs[0].Confidence != res.Confidence || recs[0].ID == "" {
		t.Fatalf("audit record = %+v", recs[0])
	}
}

func TestDeterministicRegardlessOfOrder(t *testing.T) {
	r := newTestResolver(nil)
	a := mk("n1", vclock.Clock{"n1": 1}, 0, `"left"`)
	b := mk("n2", vclock.Clock{"n2": 1}, 0, `"right"`)

	first, _ := r.Resolve(Context{Namespace: "claims", Key: "k", Candidates: []entry.StateEntry{a, b}})
	for i := 0; i < 5; i++ {
		again, _ := r.Resolve(Context{Namespace: "claims", Key: "k", Candidates: []entry.StateEntry{a, b}})
		swapped, _ := r.Resolve(Context{Namespace: "claims", Key: "k", Candidates: []entry.StateEntry{b, a}})
		if string(again.Entry.Value) != string(first.Entry.Value) || string(swapped.Entry.Value) != string(first.Entry.Value) {
			t.Fatalf("non-deterministic: %s / %s / %s", first.Entry.Value, again.Entry.Value, swapped.Entry.Value)
		}
	}
}

func TestCausalDominanceWins(t *testing.T) {
	r := newTestResolver(nil)
	old := mk("n1", vclock.Clock{"n1": 1}, time.Hour, `"stale but later clock time"`)
	newer := mk("n2", vclock.Clock{"n1": 1, "n2": 1}, 0, `"causally newer"`)

	res, _ := r.Resolve(Context{Namespace: "x", Key: "k", Candidates: []entry.StateEntry{old, newer}})
	if string(res.Entry.Value) != `"causally newer"` || res.Confidence != 1.0 || res.ManualReview {
		t.Fatalf("result = %+v", res)
	}
}

func TestTombstonePrecedence(t *testing.T) {
	r := newTestResolver(nil)

	write := mk("m", vclock.Clock{"m": 1}, time.Second, `"late write"`)
	del := mk("n", vclock.Clock{"n": 1}, 0, ``)
	del.Deleted = true
	del.Value = nil

	// Concurrent delete wins even against a later timestamp.
	res, _ := r.Resolve(Context{Namespace: "x", Key: "k", Candidates: []entry.StateEntry{write, del}})
	if !res.Entry.Deleted {
		t.Fatalf("concurrent write beat tombstone: %+v", res)
	}

	// A write causally after the delete un-deletes.
	after := mk("m", vclock.Clock{"m": 1, "n": 1}, 2*time.Second, `"revived"`)
	res, _ = r.Resolve(Context{Namespace: "x", Key: "k", Candidates: []entry.StateEntry{del, after}})
	if res.Entry.Deleted || string(res.Entry.Value) != `"revived"` {
		t.Fatalf("causally later write lost to tombstone: %+v", res)
	}
}

func TestLastWriteWinsConfidence(t *testing.T) {
	s := NewLastWriteWins(time.Second)
	near := []entry.StateEntry{
		mk("n1", vclock.Clock{"n1": 1}, 0, `1`),
		mk("n2", vclock.Clock{"n2": 1}, time.Millisecond, `2`),
	}
	far := []entry.StateEntry{
		mk("n1", vclock.Clock{"n1": 1}, 0, `1`),
		mk("n2", vclock.Clock{"n2": 1}, 5*time.Second, `2`),
	}
	rn, _ := s.Resolve(Context{Candidates: canonicalOrder(near)})
	rf, _ := s.Resolve(Context{Candidates: canonicalOrder(far)})
	if string(rn.Entry.Value) != "2" || string(rf.Entry.Value) != "2" {
		t.Fatal("latest timestamp did not win")
	}
	if rn.Confidence >= rf.Confidence {
		t.Fatalf("near %v should be less confident than far %v", rn.Confidence, rf.Confidence)
	}
	if math.Abs(rf.Confidence-0.9) > 1e-9 {
		t.Fatalf("far confidence = %v", rf.Confidence)
	}
}

func TestNonObjectConcurrentFallsBackToTimestamp(t *testing.T) {
	s := NewVectorClock()
	a := mk("n1", vclock.Clock{"n1": 1}, 0, `"a"`)
	b := mk("n2", vclock.Clock{"n2": 1}, time.Millisecond, `"b"`)
	res, ok := s.Resolve(Context{Candidates: canonicalOrder([]entry.StateEntry{a, b})})
	if !ok || string(res.Entry.Value) != `"b"` || res.Confidence != confidenceTieBreak {
		t.Fatalf("result = %+v", res)
	}
}

func TestStatusHierarchy(t *testing.T) {
	rule := Rule{Namespace: "claims", Kind: RuleStatus, Field: "status", Ranks: map[string]int{
		"submitted": 1, "reviewing": 2, "approved": 3, "rejected": 3, "paid": 4,
	}}
	audit := NewAuditLog(0, nil, nil)
	r := newTestResolver(audit, rule)

	paid := mk("n1", vclock.Clock{"n1": 1}, 0, `"ignored"`)
	paid.Value = json.RawMessage(`{"status":"paid"}`)
	reviewing := mk("n2", vclock.Clock{"n2": 1}, time.Second, `{"status":"reviewing"}`)
	reviewing.Value = json.RawMessage(`{"status":"reviewing"}`)

	res, _ := r.Resolve(Context{Namespace: "claims", Key: "claim:9", Candidates: []entry.StateEntry{paid, reviewing}})
	if res.Strategy != "domain" || !strings.Contains(string(res.Entry.Value), "paid") {
		t.Fatalf("status regressed: %+v", res)
	}

	approved := mk("n1", vclock.Clock{"n1": 2}, 0, `{"status":"approved"}`)
	rejected := mk("n2", vclock.Clock{"n2": 2}, 0, `{"status":"rejected"}`)
	res, _ = r.Resolve(Context{Namespace: "claims", Key: "claim:9", Candidates: []entry.StateEntry{approved, rejected}})
	if !res.ManualReview {
		t.Fatalf("approve/reject conflict not flagged: %+v", res)
	}
	if pending := audit.PendingReview(); len(pending) != 1 {
		t.Fatalf("pending review = %d", len(pending))
	} else if !audit.Acknowledge(pending[0].ID) || len(audit.PendingReview()) != 0 {
		t.Fatal("acknowledge did not clear the review queue")
	}
}

func TestRangeRule(t *testing.T) {
	lo, hi := 0.0, 50000.0
	rule := Rule{Namespace: "claims", KeyPrefix: "claim:", Kind: RuleRange, Field: "amount", Min: &lo, Max: &hi}
	r := newTestResolver(nil, rule)

	good := mk("n1", vclock.Clock{"n1": 1}, 0, `{"amount": 1200}`)
	bad := mk("n2", vclock.Clock{"n2": 1}, time.Second, `{"amount": -5}`)
	res, _ := r.Resolve(Context{Namespace: "claims", Key: "claim:3", Candidates: []entry.StateEntry{good, bad}})
	if res.Strategy != "domain" || res.Entry.Origin != "n1" {
		t.Fatalf("invalid amount won: %+v", res)
	}

	bad2 := mk("n1", vclock.Clock{"n1": 2}, 0, `{"amount": 90000}`)
	res, _ = r.Resolve(Context{Namespace: "claims", Key: "claim:3", Candidates: []entry.StateEntry{bad, bad2}})
	if !res.ManualReview {
		t.Fatalf("all-invalid conflict not flagged: %+v", res)
	}

	// Other namespaces are unaffected.
	res, _ = r.Resolve(Context{Namespace: "other", Key: "claim:3", Candidates: []entry.StateEntry{good, bad}})
	if res.Strategy == "domain" {
		t.Fatal("rule applied outside its namespace")
	}
}

func TestAuthorityRule(t *testing.T) {
	rule := Rule{Namespace: "claims", Kind: RuleAuthority, Authorities: []string{"adjuster", "portal"}}
	s := NewDomain(rule)

	fromPortal := mk("n1", vclock.Clock{"n1": 1}, time.Second, `1`)
	fromPortal.Metadata = map[string]string{"source": "portal"}
	fromAdjuster := mk("n2", vclock.Clock{"n2": 1}, 0, `2`)
	fromAdjuster.Metadata = map[string]string{"source": "adjuster"}

	res, ok := s.Resolve(Context{Namespace: "claims", Key: "k", Candidates: []entry.StateEntry{fromPortal, fromAdjuster}})
	if !ok || res.Entry.Meta("source") != "adjuster" || res.Confidence != confidenceDecisive {
		t.Fatalf("result = %+v ok=%v", res, ok)
	}
}

func TestLowConfidenceFlagsManualReview(t *testing.T) {
	audit := NewAuditLog(0, nil, nil)
	r := New(0.95, audit, nil, NewLastWriteWins(time.Second))
	a := mk("n1", vclock.Clock{"n1": 1}, 0, `1`)
	b := mk("n2", vclock.Clock{"n2": 1}, time.Millisecond, `2`)
	res, _ := r.Resolve(Context{Namespace: "x", Key: "k", Candidates: []entry.StateEntry{a, b}})
	if !res.ManualReview {
		t.Fatal("low confidence not flagged")
	}
	if _, err := r.Resolve(Context{}); err != ErrNoCandidates {
		t.Fatalf("err = %v", err)
	}
}

func TestAuditSinkAndRetention(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLog(2, &buf, nil)
	r := newTestResolver(audit)
	a := mk("n1", vclock.Clock{"n1": 1}, 0, `1`)
	b := mk("n2", vclock.Clock{"n2": 1}, 0, `2`)
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(Context{Namespace: "x", Key: "k", Candidates: []entry.StateEntry{a, b}}); err != nil {
			t.Fatal(err)
		}
	}
	if audit.Len() != 2 {
		t.Fatalf("retained %d records", audit.Len())
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("sink lines = %d", len(lines))
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil || rec.Strategy == "" || len(rec.Candidates) != 2 {
		t.Fatalf("sink record = %+v err=%v", rec, err)
	}
}
