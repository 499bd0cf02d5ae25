package raft

import (
	"errors"
	"fmt"
)

// Raft errors.
var (
	// ErrNotLeader is returned when a proposal reaches a node that is not the leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrTimeout is returned when a proposal is not applied before its deadline.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrLeadershipLost is returned when a proposed entry was overwritten by a
	// newer leader before it committed.
	ErrLeadershipLost = errors.New("raft: leadership lost before commit")

	// ErrStopped is returned for operations on a stopped node.
	ErrStopped = errors.New("raft: node stopped")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrLogCorrupted is returned when stored entries are not contiguous.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrPeerUnreachable is returned by transports when a peer cannot be reached.
	ErrPeerUnreachable = errors.New("raft: peer unreachable")
)

// NotLeaderError carries the last known leader. It matches ErrNotLeader.
type NotLeaderError struct {
	Leader string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader is %s)", ErrNotLeader.Error(), e.Leader)
}

// Is reports whether target is ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
