// Package raft implements the replicated log used for strongly consistent
// namespaces.
//
// # Overview
//
// A Node moves between three states:
//   - Follower: the initial state; waits for heartbeats from a leader
//   - Candidate: entered when a randomized election timer fires
//   - Leader: entered after votes from a strict majority
//
// Any message carrying a higher term sends a node back to follower.
//
// # Replication
//
// The leader keeps one replicator goroutine per peer. Each replicator sends
// AppendEntries on its own heartbeat ticker, or immediately when new entries are
// proposed, so a slow or unreachable peer never delays the others. Followers
// reject entries whose predecessor does not match; the leader then backs up
// that peer's nextIndex and retries, and the follower truncates its conflicting
// uncommitted suffix.
//
// The commit index only advances over entries from the leader's current term.
// A new leader appends a no-op entry so that entries from earlier terms commit
// with it.
//
// # Usage
//
//	net := raft.NewInMemoryNetwork()
//	node, err := raft.NewNode(raft.Config{
//	    ID:    "n1",
//	    Peers: []string{"n2", "n3"},
//	}, fsm, net.Transport("n1"))
//	net.Register("n1", node)
//	node.Start()
//	defer node.Stop()
//
//	idx, err := node.Propose(ctx, cmd)
//
// Log indices start at 1; index 0 is an empty sentinel with term 0.
package raft
