package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/core"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/resolver"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
	"github.com/truongngoctrac/claims-platform-sub011/internal/transport"
)

// LeaderHeader names the current leader on 421 answers.
const LeaderHeader = "X-Raft-Leader"

type Server struct {
	node   *core.Node
	logger hclog.Logger

	// Request counters reported by /status.
	puts      atomic.Uint64
	gets      atomic.Uint64
	deletes   atomic.Uint64
	subs      atomic.Uint64
	heartbeat atomic.Uint64
	gossip    atomic.Uint64
	raftRPC   atomic.Uint64
	replicate atomic.Uint64
	fetch     atomic.Uint64
}

func NewServer(node *core.Node, logger hclog.Logger) *Server {
	return &Server{node: node, logger: logging.OrNop(logger)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// External client-facing endpoints.
	mux.HandleFunc("/v1/kv/", s.handleKV)
	mux.HandleFunc("/v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("/v1/cluster/join", s.handleJoin)
	mux.HandleFunc("/v1/cluster/leave", s.handleLeave)
	mux.HandleFunc("/v1/cluster/health", s.handleHealth)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	mux.HandleFunc("/v1/audit/ack", s.handleAuditAck)
	mux.HandleFunc("/status", s.handleStatus)

	// Internal peer endpoints.
	mux.HandleFunc(transport.PathHeartbeat, s.handleHeartbeat)
	mux.HandleFunc(transport.PathGossip, s.handleGossip)
	mux.HandleFunc(transport.PathRaftVote, s.handleRaftVote)
	mux.HandleFunc(transport.PathRaftAppend, s.handleRaftAppend)
	mux.HandleFunc(transport.PathReplicate, s.handleReplicate)
	mux.HandleFunc(transport.PathEntry+"/", s.handleEntry)

	return s.withRequestID(mux)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(transport.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(transport.RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		if !strings.HasPrefix(r.URL.Path, "/internal/") {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", id, "elapsed", time.Since(start))
		}
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps core errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := transport.ErrorResponse{Error: err.Error()}
	var nl *core.NotLeaderError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &nl):
		code, resp.Code, resp.Leader = http.StatusMisdirectedRequest, "not_leader", nl.Leader
		w.Header().Set(LeaderHeader, nl.Leader)
		if nl.LeaderAddress != "" {
			w.Header().Set("Location", transport.BaseURL(nl.LeaderAddress))
		}
	case errors.Is(err, core.ErrNotFound):
		code, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrConditionFailed):
		code, resp.Code = http.StatusConflict, "condition_failed"
	case errors.Is(err, core.ErrInvalid):
		code, resp.Code = http.StatusBadRequest, "invalid"
	case errors.Is(err, core.ErrUnavailable):
		code, resp.Code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code, resp.Code = http.StatusGatewayTimeout, "timeout"
	default:
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: msg, Code: "invalid"})
}

// splitKey parses "<prefix><namespace>/<key>". The key may contain slashes.
func splitKey(path, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	ns, key, ok := strings.Cut(rest, "/")
	if !ok || ns == "" || key == "" {
		return "", "", false
	}
	return ns, key, true
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	ns, key, ok := splitKey(r.URL.Path, "/v1/kv/")
	if !ok {
		s.badRequest(w, "path must be /v1/kv/{namespace}/{key}")
		return
	}
	c := s.node.Core
	switch r.Method {
	case http.MethodGet:
		s.gets.Add(1)
		e, err := c.Get(r.Context(), ns, key)
		if errors.Is(err, core.ErrStale) {
			s.writeJSON(w, http.StatusOK, EntryResponse{Entry: e, Stale: true})
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, EntryResponse{Entry: e})
	case http.MethodPut, http.MethodPost:
		s.puts.Add(1)
		var req PutRequest
		if err := s.readJSON(r, &req); err != nil {
			s.badRequest(w, err.Error())
			return
		}
		e, err := c.Put(r.Context(), ns, key, req.Value, req.Conditions, store.WriteOptions{
			TTL:      req.TTL.D(),
			Metadata: req.Metadata,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, EntryResponse{Entry: e})
	case http.MethodDelete:
		s.deletes.Add(1)
		e, err := c.Delete(r.Context(), ns, key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, EntryResponse{Entry: e})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSubscribe streams change events as newline-delimited JSON until the
// client goes away.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.subs.Add(1)
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, transport.ErrorResponse{Error: "streaming unsupported"})
		return
	}
	q := r.URL.Query()
	sub := s.node.Core.Subscribe(q.Get("namespace"), q.Get("prefix"))
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req transport.JoinRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	snap, err := s.node.Core.Join(r.Context(), req.ID, req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req transport.LeaveRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := s.node.Core.Leave(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{Nodes: s.node.Core.HealthSnapshot(), Now: time.Now().UTC()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	audit := s.node.Core.Audit()
	if audit == nil {
		s.writeJSON(w, http.StatusOK, AuditResponse{Records: []resolver.Record{}})
		return
	}
	q := r.URL.Query()
	if q.Get("review") == "1" || q.Get("review") == "true" {
		s.writeJSON(w, http.StatusOK, AuditResponse{Records: nonNil(audit.PendingReview())})
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	s.writeJSON(w, http.StatusOK, AuditResponse{Records: nonNil(audit.Records(limit))})
}

func (s *Server) handleAuditAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req AckRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	audit := s.node.Core.Audit()
	if audit == nil || !audit.Acknowledge(req.ID) {
		s.writeJSON(w, http.StatusNotFound, transport.ErrorResponse{Error: "no flagged record " + req.ID, Code: "not_found"})
		return
	}
	s.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func nonNil(recs []resolver.Record) []resolver.Record {
	if recs == nil {
		return []resolver.Record{}
	}
	return recs
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"node": s.node.Core.Status(),
		"counters": map[string]uint64{
			"kv_put":         s.puts.Load(),
			"kv_get":         s.gets.Load(),
			"kv_delete":      s.deletes.Load(),
			"subscribe":      s.subs.Load(),
			"heartbeat":      s.heartbeat.Load(),
			"gossip":         s.gossip.Load(),
			"raft_rpc":       s.raftRPC.Load(),
			"replicate":      s.replicate.Load(),
			"internal_fetch": s.fetch.Load(),
		},
		"now_utc": time.Now().UTC(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.heartbeat.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var hb cluster.Heartbeat
	if err := s.readJSON(r, &hb); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.node.Cluster.HandleHeartbeat(hb))
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	s.gossip.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var snap cluster.Snapshot
	if err := s.readJSON(r, &snap); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.node.Cluster.HandleGossip(snap)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRaftVote(w http.ResponseWriter, r *http.Request) {
	s.raftRPC.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var args raft.RequestVoteArgs
	if err := s.readJSON(r, &args); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.node.Raft.HandleRequestVote(&args))
}

func (s *Server) handleRaftAppend(w http.ResponseWriter, r *http.Request) {
	s.raftRPC.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var args raft.AppendEntriesArgs
	if err := s.readJSON(r, &args); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.node.Raft.HandleAppendEntries(&args))
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	s.replicate.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req transport.ReplicateRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	applied := s.node.Store.Merge(req.Entries)
	s.writeJSON(w, http.StatusOK, transport.ReplicateResponse{OK: true, Applied: applied})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	s.fetch.Add(1)
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ns, key, ok := splitKey(r.URL.Path, transport.PathEntry+"/")
	if !ok {
		s.badRequest(w, "path must be "+transport.PathEntry+"/{namespace}/{key}")
		return
	}
	e, found := s.node.Store.Local(ns, key)
	s.writeJSON(w, http.StatusOK, transport.EntryResponse{Found: found, Entry: e, Versions: s.node.Store.Versions(ns, key)})
}
