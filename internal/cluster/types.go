package cluster

import (
	"errors"
	"time"
)

// Role is a node's current role in the replicated log.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// ErrUnknownNode is returned for operations on a node id that is not a member.
var ErrUnknownNode = errors.New("cluster: unknown node")

// Node is one member in our view of the cluster.
//
// The view is eventually consistent: Health is decided by the local failure
// detector and never taken from gossip, while Epoch guards address and
// departure changes against stale information.
type Node struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Role          Role      `json:"role"`
	Term          uint64    `json:"term"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Healthy       bool      `json:"healthy"`
	Epoch         uint64    `json:"epoch"`
	Left          bool      `json:"left,omitempty"`
}

// Snapshot is exchanged on join and during periodic gossip.
type Snapshot struct {
	FromID   string    `json:"from_id"`
	FromAddr string    `json:"from_addr"`
	Nodes    []Node    `json:"nodes"`
	Now      time.Time `json:"now"`
}

// Heartbeat is sent every heartbeat interval to every member; the reply carries
// the responder's own heartbeat.
type Heartbeat struct {
	FromID   string `json:"from_id"`
	FromAddr string `json:"from_addr"`
	Epoch    uint64 `json:"epoch"`
	Role     Role   `json:"role"`
	Term     uint64 `json:"term"`
}

// EventKind identifies a membership change.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventHealthChanged
)

// String returns the string representation of an event kind.
func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventHealthChanged:
		return "health_changed"
	default:
		return "unknown"
	}
}

// Event describes a membership change. Node is the state after the change.
type Event struct {
	Kind EventKind
	Node Node
}

// Listener receives membership events. Listeners run synchronously on the
// goroutine that caused the change and must not call back into Membership
// while holding their own locks that Membership callers may hold.
type Listener func(Event)
