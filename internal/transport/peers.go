package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
)

// AddressBook resolves node ids to addresses.
type AddressBook interface {
	Address(id string) (string, bool)
}

// Peers sends node-to-node RPCs over HTTP. It serves as the raft transport,
// the store replicator and the cluster prober.
type Peers struct {
	self    string
	client  *Client
	book    AddressBook
	backoff Backoff
}

// NewPeers creates the adapter. self is sent as the origin of pushes.
func NewPeers(self string, client *Client, book AddressBook) *Peers {
	return &Peers{self: self, client: client, book: book, backoff: DefaultBackoff}
}

var (
	_ raft.Transport = (*Peers)(nil)
	_ cluster.Prober = (*Peers)(nil)
)

// BaseURL turns a host:port or URL into an http base URL without a trailing
// slash.
func BaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func (p *Peers) url(id, path string) (string, error) {
	addr, ok := p.book.Address(id)
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: no address for %s", raft.ErrPeerUnreachable, id)
	}
	return BaseURL(addr) + path, nil
}

func expectOK(code int, u string) error {
	if code != http.StatusOK {
		return &StatusError{Code: code, URL: u}
	}
	return nil
}

func (p *Peers) RequestVote(ctx context.Context, peer string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	u, err := p.url(peer, PathRaftVote)
	if err != nil {
		return nil, err
	}
	var reply raft.RequestVoteReply
	code, err := p.client.PostJSON(ctx, u, args, &reply)
	if err != nil {
		return nil, err
	}
	if err := expectOK(code, u); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *Peers) AppendEntries(ctx context.Context, peer string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	u, err := p.url(peer, PathRaftAppend)
	if err != nil {
		return nil, err
	}
	var reply raft.AppendEntriesReply
	code, err := p.client.PostJSON(ctx, u, args, &reply)
	if err != nil {
		return nil, err
	}
	if err := expectOK(code, u); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Push delivers entries to target's store, retrying server errors.
func (p *Peers) Push(ctx context.Context, target string, entries []entry.StateEntry) error {
	u, err := p.url(target, PathReplicate)
	if err != nil {
		return err
	}
	var resp ReplicateResponse
	code, err := p.client.PostJSONRetry(ctx, u, ReplicateRequest{From: p.self, Entries: entries}, &resp, p.backoff)
	if err != nil {
		return err
	}
	return expectOK(code, u)
}

// Fetch reads target's stored versions of a key.
func (p *Peers) Fetch(ctx context.Context, target, namespace, key string) ([]entry.StateEntry, error) {
	u, err := p.url(target, PathEntry+"/"+url.PathEscape(namespace)+"/"+url.PathEscape(key))
	if err != nil {
		return nil, err
	}
	var resp EntryResponse
	code, err := p.client.GetJSON(ctx, u, &resp)
	if err != nil {
		return nil, err
	}
	if err := expectOK(code, u); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	if len(resp.Versions) == 0 {
		return []entry.StateEntry{resp.Entry}, nil
	}
	return resp.Versions, nil
}

func (p *Peers) Heartbeat(ctx context.Context, target cluster.Node, hb cluster.Heartbeat) (cluster.Heartbeat, error) {
	u := BaseURL(target.Address) + PathHeartbeat
	var reply cluster.Heartbeat
	code, err := p.client.PostJSON(ctx, u, hb, &reply)
	if err != nil {
		return cluster.Heartbeat{}, err
	}
	return reply, expectOK(code, u)
}

func (p *Peers) Gossip(ctx context.Context, target cluster.Node, s cluster.Snapshot) error {
	u := BaseURL(target.Address) + PathGossip
	code, err := p.client.PostJSON(ctx, u, s, nil)
	if err != nil {
		return err
	}
	return expectOK(code, u)
}

func (p *Peers) Join(ctx context.Context, seedAddr string, self cluster.Node) (cluster.Snapshot, error) {
	u := BaseURL(seedAddr) + PathClusterJoin
	var snap cluster.Snapshot
	code, err := p.client.PostJSONRetry(ctx, u, JoinRequest{ID: self.ID, Address: self.Address}, &snap, p.backoff)
	if err != nil {
		return cluster.Snapshot{}, err
	}
	return snap, expectOK(code, u)
}
