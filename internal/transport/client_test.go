package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/vclock"
)

type staticBook map[string]string

func (b staticBook) Address(id string) (string, bool) {
	a, ok := b[id]
	return a, ok
}

func TestPostJSONSetsRequestID(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	var out map[string]string
	code, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"msg": "hi"}, &out)
	if err != nil || code != http.StatusOK {
		t.Fatalf("PostJSON = %d, %v", code, err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("out = %v", out)
	}
	if seen == "" {
		t.Fatal("request id header not set")
	}
}

func TestPostJSONRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	code, err := c.PostJSONRetry(context.Background(), srv.URL, struct{}{}, nil, Backoff{Attempts: 3, Base: time.Millisecond})
	if err != nil || code != http.StatusOK {
		t.Fatalf("PostJSONRetry = %d, %v", code, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestPostJSONRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	_, err := c.PostJSONRetry(context.Background(), srv.URL, struct{}{}, nil, Backoff{Attempts: 2, Base: time.Millisecond})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want StatusError 500", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestPostJSONRetryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	code, err := c.PostJSONRetry(context.Background(), srv.URL, struct{}{}, nil, Backoff{Attempts: 5, Base: time.Millisecond})
	if err != nil || code != http.StatusConflict {
		t.Fatalf("= %d, %v", code, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPeersRaftRPC(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathRaftVote, func(w http.ResponseWriter, r *http.Request) {
		var args raft.RequestVoteArgs
		_ = json.NewDecoder(r.Body).Decode(&args)
		_ = json.NewEncoder(w).Encode(raft.RequestVoteReply{Term: args.Term, VoteGranted: args.CandidateID == "n1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewPeers("n1", NewClient(time.Second, nil), staticBook{"n2": srv.URL})
	reply, err := p.RequestVote(context.Background(), "n2", &raft.RequestVoteArgs{Term: 4, CandidateID: "n1"})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if !reply.VoteGranted || reply.Term != 4 {
		t.Fatalf("reply = %+v", reply)
	}

	if _, err := p.RequestVote(context.Background(), "n9", &raft.RequestVoteArgs{Term: 1}); !errors.Is(err, raft.ErrPeerUnreachable) {
		t.Fatalf("unknown peer: err = %v", err)
	}
}

func TestPeersPushAndFetch(t *testing.T) {
	stored := map[string]entry.StateEntry{}
	mux := http.NewServeMux()
	mux.HandleFunc(PathReplicate, func(w http.ResponseWriter, r *http.Request) {
		var req ReplicateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From != "n1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, e := range req.Entries {
			stored[e.Namespace+"/"+e.Key] = e
		}
		_ = json.NewEncoder(w).Encode(ReplicateResponse{OK: true, Applied: len(req.Entries)})
	})
	mux.HandleFunc(PathEntry+"/", func(w http.ResponseWriter, r *http.Request) {
		e, ok := stored["claims/c 1"]
		if r.URL.Path != PathEntry+"/claims/c%201" && r.URL.Path != PathEntry+"/claims/c 1" {
			ok = false
		}
		resp := EntryResponse{Found: ok, Entry: e}
		if ok {
			resp.Versions = []entry.StateEntry{e}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewPeers("n1", NewClient(time.Second, nil), staticBook{"n2": srv.URL})
	in := entry.StateEntry{Namespace: "claims", Key: "c 1", Value: json.RawMessage(`{"a":1}`), Version: 1, Origin: "n1", Clock: vclock.Clock{"n1": 1}}
	if err := p.Push(context.Background(), "n2", []entry.StateEntry{in}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	versions, err := p.Fetch(context.Background(), "n2", "claims", "c 1")
	if err != nil || len(versions) != 1 {
		t.Fatalf("Fetch = %v, %v", versions, err)
	}
	if got := versions[0]; got.Clock.Get("n1") != 1 || string(got.Value) != `{"a":1}` {
		t.Fatalf("got %+v", got)
	}
	if versions, err := p.Fetch(context.Background(), "n2", "claims", "missing"); err != nil || len(versions) != 0 {
		t.Fatalf("Fetch missing = %v, %v", versions, err)
	}
}

func TestPeersHeartbeatAndJoin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathHeartbeat, func(w http.ResponseWriter, r *http.Request) {
		var hb cluster.Heartbeat
		_ = json.NewDecoder(r.Body).Decode(&hb)
		_ = json.NewEncoder(w).Encode(cluster.Heartbeat{FromID: "seed", Epoch: 7})
	})
	mux.HandleFunc(PathClusterJoin, func(w http.ResponseWriter, r *http.Request) {
		var req JoinRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(cluster.Snapshot{FromID: "seed", Nodes: []cluster.Node{{ID: "seed"}, {ID: req.ID, Address: req.Address}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewPeers("n1", NewClient(time.Second, nil), staticBook{})
	hb, err := p.Heartbeat(context.Background(), cluster.Node{ID: "seed", Address: srv.URL}, cluster.Heartbeat{FromID: "n1"})
	if err != nil || hb.FromID != "seed" || hb.Epoch != 7 {
		t.Fatalf("Heartbeat = %+v, %v", hb, err)
	}
	snap, err := p.Join(context.Background(), srv.URL, cluster.Node{ID: "n1", Address: "127.0.0.1:9"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(snap.Nodes) != 2 || snap.Nodes[1].ID != "n1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8080":         "http://127.0.0.1:8080",
		"http://node-a:8080/":    "http://node-a:8080",
		"https://secure.example": "https://secure.example",
	}
	for in, want := range cases {
		if got := BaseURL(in); got != want {
			t.Errorf("BaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
