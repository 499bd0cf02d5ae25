package raft

// State is the role of a node in the current term.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// StateChange is delivered to Config.OnStateChange.
type StateChange struct {
	State  State
	Term   uint64
	Leader string
}

// Status is a point-in-time view of a node.
type Status struct {
	ID           string   `json:"id"`
	State        string   `json:"state"`
	Term         uint64   `json:"term"`
	Leader       string   `json:"leader"`
	CommitIndex  uint64   `json:"commit_index"`
	LastApplied  uint64   `json:"last_applied"`
	LastLogIndex uint64   `json:"last_log_index"`
	LastLogTerm  uint64   `json:"last_log_term"`
	Peers        []string `json:"peers"`
}
