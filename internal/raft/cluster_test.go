package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingFSM records applied commands.
type recordingFSM struct {
	mu      sync.Mutex
	applied []LogEntry
}

func (f *recordingFSM) Apply(e LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, e)
	return nil
}

func (f *recordingFSM) has(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.applied {
		if string(e.Command) == cmd {
			return true
		}
	}
	return false
}

func (f *recordingFSM) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.applied))
	for _, e := range f.applied {
		out = append(out, string(e.Command))
	}
	return out
}

// testCluster runs a group of nodes over an InMemoryNetwork and records every
// leader it observes per term.
type testCluster struct {
	t     *testing.T
	net   *InMemoryNetwork
	ids   []string
	nodes map[string]*Node
	fsms  map[string]*recordingFSM

	mu      sync.Mutex
	leaders map[uint64]map[string]bool
}

func newTestCluster(t *testing.T, size int, checkQuorum bool) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		net:     NewInMemoryNetwork(),
		nodes:   make(map[string]*Node),
		fsms:    make(map[string]*recordingFSM),
		leaders: make(map[uint64]map[string]bool),
	}
	for i := 1; i <= size; i++ {
		c.ids = append(c.ids, fmt.Sprintf("n%d", i))
	}
	for _, id := range c.ids {
		var peers []string
		for _, p := range c.ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		fsm := &recordingFSM{}
		node, err := NewNode(Config{
			ID:                 id,
			Peers:              peers,
			ElectionTimeoutMin: 100 * time.Millisecond,
			ElectionTimeoutMax: 200 * time.Millisecond,
			HeartbeatInterval:  20 * time.Millisecond,
			RPCTimeout:         50 * time.Millisecond,
			CheckQuorum:        checkQuorum,
			OnStateChange:      c.observe,
		}, fsm, c.net.Transport(id))
		if err != nil {
			t.Fatalf("NewNode(%s): %v", id, err)
		}
		c.nodes[id] = node
		c.fsms[id] = fsm
		c.net.Register(id, node)
	}
	for _, id := range c.ids {
		c.nodes[id].Start()
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.Stop()
		}
	})
	return c
}

func (c *testCluster) observe(sc StateChange) {
	if sc.State != Leader {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaders[sc.Term] == nil {
		c.leaders[sc.Term] = make(map[string]bool)
	}
	c.leaders[sc.Term][sc.Leader] = true
}

// waitForLeader waits until exactly one node among ids is leader.
func (c *testCluster) waitForLeader(ids ...string) *Node {
	c.t.Helper()
	if len(ids) == 0 {
		ids = c.ids
	}
	var leader *Node
	waitFor(c.t, 5*time.Second, func() bool {
		leader = nil
		count := 0
		for _, id := range ids {
			if c.nodes[id].IsLeader() {
				leader = c.nodes[id]
				count++
			}
		}
		return count == 1
	})
	return leader
}

func (c *testCluster) others(id string) []string {
	var out []string
	for _, other := range c.ids {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

func (c *testCluster) logOf(id string) []LogEntry {
	n := c.nodes[id]
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LogEntry, len(n.log))
	copy(out, n.log)
	return out
}

// propose retries on whichever node is leader until the command is applied.
func (c *testCluster) propose(cmd string) uint64 {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leader := c.waitForLeader()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		idx, err := leader.Propose(ctx, []byte(cmd))
		cancel()
		if err == nil {
			return idx
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatalf("could not commit %q", cmd)
	return 0
}

func (c *testCluster) assertElectionSafety() {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for term, leaders := range c.leaders {
		if len(leaders) > 1 {
			c.t.Errorf("term %d had %d leaders: %v", term, len(leaders), leaders)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
