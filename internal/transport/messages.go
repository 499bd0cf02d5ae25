package transport

import (
	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
)

// Internal route paths served by the api package.
const (
	PathHeartbeat   = "/internal/heartbeat"
	PathGossip      = "/internal/gossip"
	PathRaftVote    = "/internal/raft/vote"
	PathRaftAppend  = "/internal/raft/append"
	PathReplicate   = "/internal/replicate"
	PathEntry       = "/internal/entry"
	PathClusterJoin = "/v1/cluster/join"
)

type ReplicateRequest struct {
	From    string             `json:"from"`
	Entries []entry.StateEntry `json:"entries"`
}

type ReplicateResponse struct {
	OK      bool `json:"ok"`
	Applied int  `json:"applied"`
}

// EntryResponse carries a node's stored versions of one key. Entry is the
// resolved entry the node serves to readers.
type EntryResponse struct {
	Found    bool               `json:"found"`
	Entry    entry.StateEntry   `json:"entry"`
	Versions []entry.StateEntry `json:"versions,omitempty"`
}

type JoinRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type LeaveRequest struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of every non-2xx answer. Leader is set on
// not-leader errors when the current leader is known.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Leader string `json:"leader,omitempty"`
}
