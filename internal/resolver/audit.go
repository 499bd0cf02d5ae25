package resolver

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/vclock"
)

// Candidate summarises one version that took part in a resolution.
type Candidate struct {
	Origin    string       `json:"origin"`
	Version   uint64       `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Clock     vclock.Clock `json:"clock"`
	Deleted   bool         `json:"deleted,omitempty"`
}

// Record is one audited resolution decision.
type Record struct {
	ID            string      `json:"id"`
	Time          time.Time   `json:"time"`
	Namespace     string      `json:"namespace"`
	Key           string      `json:"key"`
	Strategy      string      `json:"strategy"`
	Confidence    float64     `json:"confidence"`
	ManualReview  bool        `json:"manual_review"`
	Reason        string      `json:"reason,omitempty"`
	WinnerOrigin  string      `json:"winner_origin"`
	WinnerVersion uint64      `json:"winner_version"`
	Candidates    []Candidate `json:"candidates"`
	Reviewed      bool        `json:"reviewed,omitempty"`
}

// AuditLog is an append-only trail of resolution decisions. It keeps the most
// recent records in memory and, if a sink is set, writes every record to it as
// one JSON line.
type AuditLog struct {
	mu        sync.Mutex
	records   []Record
	retention int
	sink      io.Writer
	logger    hclog.Logger
}

// NewAuditLog creates an audit log keeping at most retention records in memory
// (0 means unbounded). sink may be nil.
func NewAuditLog(retention int, sink io.Writer, logger hclog.Logger) *AuditLog {
	return &AuditLog{retention: retention, sink: sink, logger: logging.OrNop(logger)}
}

// Record appends a decision.
func (a *AuditLog) Record(c Context, res Result) Record {
	rec := Record{
		ID:            uuid.NewString(),
		Time:          time.Now().UTC(),
		Namespace:     c.Namespace,
		Key:           c.Key,
		Strategy:      res.Strategy,
		Confidence:    res.Confidence,
		ManualReview:  res.ManualReview,
		Reason:        res.Reason,
		WinnerOrigin:  res.Entry.Origin,
		WinnerVersion: res.Entry.Version,
	}
	for _, cand := range c.Candidates {
		rec.Candidates = append(rec.Candidates, Candidate{
			Origin:    cand.Origin,
			Version:   cand.Version,
			Timestamp: cand.Timestamp,
			Clock:     cand.Clock.Copy(),
			Deleted:   cand.Deleted,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	if a.retention > 0 && len(a.records) > a.retention {
		a.records = append([]Record(nil), a.records[len(a.records)-a.retention:]...)
	}
	if a.sink != nil {
		line, err := json.Marshal(rec)
		if err == nil {
			line = append(line, '\n')
			_, err = a.sink.Write(line)
		}
		if err != nil {
			a.logger.Error("failed to write audit record", "id", rec.ID, "error", err)
		}
	}
	return rec
}

// Records returns up to limit of the most recent records, oldest first.
// A non-positive limit returns everything retained.
func (a *AuditLog) Records(limit int) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	recs := a.records
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return append([]Record(nil), recs...)
}

// PendingReview returns flagged records not yet acknowledged.
func (a *AuditLog) PendingReview() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Record
	for _, r := range a.records {
		if r.ManualReview && !r.Reviewed {
			out = append(out, r)
		}
	}
	return out
}

// Acknowledge marks a flagged record as reviewed.
func (a *AuditLog) Acknowledge(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.records {
		if a.records[i].ID == id && a.records[i].ManualReview {
			a.records[i].Reviewed = true
			return true
		}
	}
	return false
}

// Len returns the number of retained records.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
