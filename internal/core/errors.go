package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
)

// Errors returned by Core. Callers match them with errors.Is. ErrUnavailable
// is retryable: there is no leader or no quorum right now. ErrStale
// accompanies a bounded read that could not be refreshed.
var (
	ErrNotFound        = errors.New("not found")
	ErrConditionFailed = errors.New("condition failed")
	ErrNotLeader       = errors.New("not leader")
	ErrTimeout         = errors.New("timeout")
	ErrUnavailable     = errors.New("unavailable")
	ErrInvalid         = errors.New("invalid request")
	ErrStale           = errors.New("stale read")
)

// NotLeaderError is returned for strong writes and reads sent to a follower.
type NotLeaderError struct {
	Leader        string
	LeaderAddress string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return "not leader"
	}
	return fmt.Sprintf("not leader, leader is %s", e.Leader)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// translate maps component errors onto the Core error set.
func (c *Core) translate(err error) error {
	if err == nil {
		return nil
	}
	var nl *raft.NotLeaderError
	switch {
	case errors.As(err, &nl):
		if nl.Leader == "" {
			return fmt.Errorf("%w: no leader elected", ErrUnavailable)
		}
		addr, _ := c.mem.Address(nl.Leader)
		return &NotLeaderError{Leader: nl.Leader, LeaderAddress: addr}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, cluster.ErrUnknownNode):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrConditionFailed):
		return fmt.Errorf("%w: %v", ErrConditionFailed, err)
	case errors.Is(err, store.ErrStale):
		return ErrStale
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrStopped):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
