package raft

import (
	"context"
	"sync"
)

// Transport sends RPCs to peers by id. Implementations must honour ctx.
type Transport interface {
	RequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
}

// InMemoryNetwork connects nodes in one process. It can partition nodes to
// exercise elections and log reconciliation.
type InMemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
	group    map[string]int
	next     int
}

// NewInMemoryNetwork creates an empty, fully connected network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		handlers: make(map[string]RPCHandler),
		group:    make(map[string]int),
	}
}

// Register makes h reachable as id.
func (n *InMemoryNetwork) Register(id string, h RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Unregister makes id unreachable.
func (n *InMemoryNetwork) Unregister(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Transport returns a transport that sends as from.
func (n *InMemoryNetwork) Transport(from string) Transport {
	return &memTransport{net: n, from: from}
}

// Partition splits the network into the given groups. Nodes in the same group
// can talk; nodes not listed stay in the default group together.
func (n *InMemoryNetwork) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, g := range groups {
		n.next++
		for _, id := range g {
			n.group[id] = n.next
		}
	}
}

// Isolate cuts id off from every other node.
func (n *InMemoryNetwork) Isolate(id string) {
	n.Partition([]string{id})
}

// Heal reconnects every node.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[string]int)
}

func (n *InMemoryNetwork) route(from, to string) (RPCHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok || n.group[from] != n.group[to] {
		return nil, ErrPeerUnreachable
	}
	return h, nil
}

func (n *InMemoryNetwork) connected(a, b string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.group[a] == n.group[b]
}

type memTransport struct {
	net  *InMemoryNetwork
	from string
}

func (t *memTransport) RequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.net.route(t.from, peer)
	if err != nil {
		return nil, err
	}
	reply := h.HandleRequestVote(args)
	// The reply is lost if the link was cut while the request was handled.
	if !t.net.connected(peer, t.from) {
		return nil, ErrPeerUnreachable
	}
	return reply, nil
}

func (t *memTransport) AppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.net.route(t.from, peer)
	if err != nil {
		return nil, err
	}
	cp := *args
	cp.Entries = append([]LogEntry(nil), args.Entries...)
	reply := h.HandleAppendEntries(&cp)
	if !t.net.connected(peer, t.from) {
		return nil, ErrPeerUnreachable
	}
	return reply, nil
}
