package resolver

import (
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
)

// LastWriteWins picks the entry with the latest timestamp. Confidence grows
// from 0.5 for simultaneous writes to 0.9 once the gap reaches the window.
type LastWriteWins struct {
	window time.Duration
}

// NewLastWriteWins creates the strategy. A non-positive window means one second.
func NewLastWriteWins(window time.Duration) *LastWriteWins {
	if window <= 0 {
		window = time.Second
	}
	return &LastWriteWins{window: window}
}

func (s *LastWriteWins) Name() string { return "last_write_wins" }

func (s *LastWriteWins) Resolve(c Context) (Result, bool) {
	if len(c.Candidates) == 0 {
		return Result{}, false
	}
	winner := newest(c.Candidates)
	if len(c.Candidates) == 1 {
		return Result{Entry: winner, Confidence: 1, Reason: "single candidate"}, true
	}

	var runnerUp entry.StateEntry
	first := true
	for _, cand := range c.Candidates {
		if cand.Origin == winner.Origin && cand.Version == winner.Version && cand.Timestamp.Equal(winner.Timestamp) {
			continue
		}
		if first || older(runnerUp, cand) {
			runnerUp = cand
			first = false
		}
	}
	gap := winner.Timestamp.Sub(runnerUp.Timestamp)
	ratio := float64(gap) / float64(s.window)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return Result{
		Entry:      winner,
		Confidence: 0.5 + 0.4*ratio,
		Reason:     "latest timestamp by " + gap.String(),
	}, true
}
