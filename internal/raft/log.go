package raft

import "time"

// EntryType distinguishes application commands from internal entries.
type EntryType uint8

const (
	// EntryCommand carries an application command for the state machine.
	EntryCommand EntryType = iota
	// EntryNoop is appended by a new leader to commit earlier terms.
	EntryNoop
	// EntryBarrier marks a linearizable read point.
	EntryBarrier
)

// LogEntry is one position in the replicated log. Entries are immutable once
// committed.
type LogEntry struct {
	Index     uint64    `json:"index"`
	Term      uint64    `json:"term"`
	Type      EntryType `json:"type"`
	Command   []byte    `json:"command,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMachine receives committed command entries in index order.
// Apply must be deterministic; its error is returned to the proposer.
type StateMachine interface {
	Apply(entry LogEntry) error
}

// StateMachineFunc adapts a function to StateMachine.
type StateMachineFunc func(entry LogEntry) error

// Apply calls f(entry).
func (f StateMachineFunc) Apply(entry LogEntry) error { return f(entry) }

func (n *Node) lastIndexLocked() uint64 {
	return n.log[len(n.log)-1].Index
}

func (n *Node) lastTermLocked() uint64 {
	return n.log[len(n.log)-1].Term
}

// entriesFromLocked returns a copy of up to limit entries starting at index.
func (n *Node) entriesFromLocked(index uint64, limit int) []LogEntry {
	last := n.lastIndexLocked()
	if index > last {
		return nil
	}
	end := last
	if span := uint64(limit); end-index+1 > span {
		end = index + span - 1
	}
	out := make([]LogEntry, end-index+1)
	copy(out, n.log[index:end+1])
	return out
}

// lastIndexOfTermLocked returns the last index holding term, or 0.
func (n *Node) lastIndexOfTermLocked(term uint64) uint64 {
	for i := len(n.log) - 1; i > 0; i-- {
		switch t := n.log[i].Term; {
		case t == term:
			return n.log[i].Index
		case t < term:
			return 0
		}
	}
	return 0
}

// appendLocked appends a new entry at the current term and persists it.
func (n *Node) appendLocked(e LogEntry) uint64 {
	e.Index = n.lastIndexLocked() + 1
	e.Term = n.term
	e.Timestamp = time.Now()
	n.log = append(n.log, e)
	if err := n.storage.Append([]LogEntry{e}); err != nil {
		n.logger.Error("failed to persist entry", "index", e.Index, "error", err)
	}
	return e.Index
}

func (n *Node) appendEntriesLocked(entries []LogEntry) {
	n.log = append(n.log, entries...)
	if err := n.storage.Append(entries); err != nil {
		n.logger.Error("failed to persist entries", "from", entries[0].Index, "count", len(entries), "error", err)
	}
}

// truncateLocked drops entries at index and above. Proposals waiting on those
// indices fail with ErrLeadershipLost.
func (n *Node) truncateLocked(index uint64) {
	n.logger.Warn("truncating conflicting log suffix", "from", index, "last", n.lastIndexLocked(), "term", n.term)
	n.log = n.log[:index]
	if err := n.storage.TruncateFrom(index); err != nil {
		n.logger.Error("failed to truncate stored log", "index", index, "error", err)
	}
	for idx, w := range n.waiters {
		if idx >= index {
			w.ch <- ErrLeadershipLost
			delete(n.waiters, idx)
		}
	}
}
