package raft

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
)

type waiter struct {
	term uint64
	ch   chan error
}

// peer is the leader's replication state for one follower.
type peer struct {
	id          string
	nextIndex   uint64
	matchIndex  uint64
	lastContact time.Time
	trigger     chan struct{}
	stop        chan struct{}
}

// Node is one member of a Raft group.
type Node struct {
	id        string
	cfg       Config
	logger    hclog.Logger
	transport Transport
	sm        StateMachine
	storage   Storage
	tick      time.Duration

	mu          sync.Mutex
	state       State
	term        uint64
	votedFor    string
	leaderID    string
	log         []LogEntry
	commitIndex uint64
	lastApplied uint64
	peers       map[string]*peer
	electionAt  time.Time
	leaderSince time.Time
	waiters     map[uint64]waiter
	rng         *rand.Rand
	changes     []StateChange
	started     bool

	ctx      context.Context
	cancel   context.CancelFunc
	applyCh  chan struct{}
	changeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNode creates a node and restores its persisted state.
func NewNode(cfg Config, sm StateMachine, transport Transport) (*Node, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	hs, entries, err := cfg.Storage.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load raft state: %w", err)
	}
	log := make([]LogEntry, 1, len(entries)+1)
	for i, e := range entries {
		if e.Index != uint64(i+1) {
			return nil, fmt.Errorf("%w: entry %d stored at position %d", ErrLogCorrupted, e.Index, i+1)
		}
		log = append(log, e)
	}

	h := fnv.New64a()
	h.Write([]byte(cfg.ID))
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).With("node", cfg.ID),
		transport: transport,
		sm:        sm,
		storage:   cfg.Storage,
		tick:      tickFor(cfg),
		state:     Follower,
		term:      hs.Term,
		votedFor:  hs.VotedFor,
		log:       log,
		peers:     make(map[string]*peer),
		waiters:   make(map[uint64]waiter),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64()))),
		ctx:       ctx,
		cancel:    cancel,
		applyCh:   make(chan struct{}, 1),
		changeCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, id := range cfg.Peers {
		if id != "" && id != cfg.ID {
			n.peers[id] = &peer{id: id, nextIndex: 1}
		}
	}
	return n, nil
}

func tickFor(cfg Config) time.Duration {
	t := cfg.ElectionTimeoutMin / 10
	if hb := cfg.HeartbeatInterval / 2; hb < t {
		t = hb
	}
	if t < time.Millisecond {
		t = time.Millisecond
	}
	return t
}

// Start launches the node's timers and apply loop.
func (n *Node) Start() {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	n.logger.Info("raft node starting", "term", n.Term(), "peers", len(n.cfg.Peers), "last_index", n.LastIndex())
	n.wg.Add(3)
	go n.run()
	go n.applier()
	go n.notifier()
}

// Stop halts the node. Pending proposals fail with ErrStopped.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.cancel()
		n.mu.Lock()
		n.stopReplicatorsLocked()
		for idx, w := range n.waiters {
			w.ch <- ErrStopped
			delete(n.waiters, idx)
		}
		n.mu.Unlock()
		n.wg.Wait()
		n.logger.Info("raft node stopped")
	})
}

// ID returns the node's id.
func (n *Node) ID() string { return n.id }

// State returns the current state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool {
	return n.State() == Leader
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// Leader returns the id of the last known leader, or "".
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// CommitIndex returns the highest index known to be committed.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// LastIndex returns the index of the last log entry.
func (n *Node) LastIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastIndexLocked()
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return Status{
		ID:           n.id,
		State:        n.state.String(),
		Term:         n.term,
		Leader:       n.leaderID,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.lastIndexLocked(),
		LastLogTerm:  n.lastTermLocked(),
		Peers:        peers,
	}
}

// Propose appends cmd to the log and waits until it is applied locally.
// The returned error is the state machine's result for the entry.
func (n *Node) Propose(ctx context.Context, cmd []byte) (uint64, error) {
	return n.propose(ctx, EntryCommand, cmd)
}

// Barrier returns once every entry committed before the call has been
// applied locally. It only succeeds on the leader.
func (n *Node) Barrier(ctx context.Context) error {
	_, err := n.propose(ctx, EntryBarrier, nil)
	return err
}

func (n *Node) propose(ctx context.Context, typ EntryType, data []byte) (uint64, error) {
	select {
	case <-n.stopCh:
		return 0, ErrStopped
	default:
	}

	n.mu.Lock()
	if n.state != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return 0, &NotLeaderError{Leader: leader}
	}
	idx := n.appendLocked(LogEntry{Type: typ, Command: data})
	ch := make(chan error, 1)
	n.waiters[idx] = waiter{term: n.term, ch: ch}
	for _, p := range n.peers {
		kick(p.trigger)
	}
	n.advanceCommitLocked()
	n.mu.Unlock()

	select {
	case err := <-ch:
		return idx, err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, idx)
		n.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return idx, ErrTimeout
		}
		return idx, ctx.Err()
	case <-n.stopCh:
		return idx, ErrStopped
	}
}

// Campaign makes a non-leader start an election soon, without waiting for its
// full election timeout. A small random delay keeps several nodes that noticed
// the same failure from splitting the vote.
func (n *Node) Campaign() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Leader {
		return
	}
	jitter := time.Duration(n.rng.Int63n(int64(n.cfg.ElectionTimeoutMin/2) + 1))
	if at := time.Now().Add(jitter); at.Before(n.electionAt) {
		n.electionAt = at
	}
	n.logger.Debug("campaign requested", "term", n.term)
}

// AddPeer adds a voting member. The change takes effect immediately.
func (n *Node) AddPeer(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id == "" || id == n.id {
		return
	}
	if _, ok := n.peers[id]; ok {
		return
	}
	p := &peer{id: id, nextIndex: n.lastIndexLocked() + 1, lastContact: time.Now()}
	n.peers[id] = p
	if n.state == Leader {
		n.startReplicatorLocked(p)
	}
	n.logger.Info("peer added", "peer", id, "cluster_size", len(n.peers)+1)
}

// RemovePeer removes a voting member.
func (n *Node) RemovePeer(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	if !ok {
		return
	}
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	delete(n.peers, id)
	n.advanceCommitLocked()
	n.logger.Info("peer removed", "peer", id, "cluster_size", len(n.peers)+1)
}

// HandleRequestVote serves an inbound vote request.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.term {
		return &RequestVoteReply{Term: n.term}
	}
	if args.Term > n.term {
		n.becomeFollowerLocked(args.Term, "")
	}

	upToDate := args.LastLogTerm > n.lastTermLocked() ||
		(args.LastLogTerm == n.lastTermLocked() && args.LastLogIndex >= n.lastIndexLocked())
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		n.persistLocked()
		n.resetElectionTimerLocked()
		n.logger.Debug("vote granted", "candidate", args.CandidateID, "term", n.term)
		return &RequestVoteReply{Term: n.term, VoteGranted: true}
	}
	return &RequestVoteReply{Term: n.term}
}

// HandleAppendEntries serves an inbound append or heartbeat.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.term {
		return &AppendEntriesReply{Term: n.term}
	}
	n.becomeFollowerLocked(args.Term, args.LeaderID)
	n.resetElectionTimerLocked()
	reply := &AppendEntriesReply{Term: n.term}

	last := n.lastIndexLocked()
	if args.PrevLogIndex > last {
		reply.ConflictIndex = last + 1
		return reply
	}
	if t := n.log[args.PrevLogIndex].Term; t != args.PrevLogTerm {
		idx := args.PrevLogIndex
		for idx > 1 && n.log[idx-1].Term == t {
			idx--
		}
		reply.ConflictTerm = t
		reply.ConflictIndex = idx
		n.logger.Debug("log mismatch", "prev_index", args.PrevLogIndex, "prev_term", args.PrevLogTerm, "local_term", t)
		return reply
	}

	for i, e := range args.Entries {
		if e.Index <= n.lastIndexLocked() {
			if n.log[e.Index].Term == e.Term {
				continue
			}
			if e.Index <= n.commitIndex {
				n.logger.Error("leader sent entry conflicting with committed log", "index", e.Index, "leader", args.LeaderID)
				return reply
			}
			n.truncateLocked(e.Index)
		}
		n.appendEntriesLocked(args.Entries[i:])
		break
	}

	reply.Success = true
	reply.MatchIndex = args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > n.commitIndex {
		commit := args.LeaderCommit
		if reply.MatchIndex < commit {
			commit = reply.MatchIndex
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			kick(n.applyCh)
		}
	}
	return reply
}

func (n *Node) run() {
	defer n.wg.Done()
	t := time.NewTicker(n.tick)
	defer t.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case now := <-t.C:
			n.onTick(now)
		}
	}
}

func (n *Node) onTick(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Leader {
		if n.cfg.CheckQuorum {
			n.checkQuorumLocked(now)
		}
		return
	}
	if !now.Before(n.electionAt) {
		n.startElectionLocked()
	}
}

func (n *Node) checkQuorumLocked(now time.Time) {
	window := n.cfg.ElectionTimeoutMax
	if now.Sub(n.leaderSince) < window {
		return
	}
	active := 1
	for _, p := range n.peers {
		if now.Sub(p.lastContact) < window {
			active++
		}
	}
	if active < n.quorum() {
		n.logger.Warn("lost contact with majority, stepping down", "term", n.term, "active", active, "quorum", n.quorum())
		n.becomeFollowerLocked(n.term, "")
		n.resetElectionTimerLocked()
	}
}

func (n *Node) startElectionLocked() {
	n.term++
	n.state = Candidate
	n.votedFor = n.id
	n.leaderID = ""
	n.persistLocked()
	n.resetElectionTimerLocked()
	n.notifyLocked()
	n.logger.Info("starting election", "term", n.term, "last_index", n.lastIndexLocked())

	if n.quorum() == 1 {
		n.becomeLeaderLocked()
		return
	}

	votes := 1
	args := &RequestVoteArgs{
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: n.lastIndexLocked(),
		LastLogTerm:  n.lastTermLocked(),
	}
	for id := range n.peers {
		go n.requestVote(id, args, &votes)
	}
}

// requestVote runs without the lock; votes is guarded by n.mu.
func (n *Node) requestVote(peerID string, args *RequestVoteArgs, votes *int) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	defer cancel()
	reply, err := n.transport.RequestVote(ctx, peerID, args)
	if err != nil {
		n.logger.Trace("vote request failed", "peer", peerID, "term", args.Term, "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return
	}
	if reply.Term > n.term {
		n.becomeFollowerLocked(reply.Term, "")
		return
	}
	if n.state != Candidate || n.term != args.Term || !reply.VoteGranted {
		return
	}
	*votes++
	if *votes >= n.quorum() {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	now := time.Now()
	n.state = Leader
	n.leaderID = n.id
	n.leaderSince = now
	next := n.lastIndexLocked() + 1
	for _, p := range n.peers {
		p.nextIndex = next
		p.matchIndex = 0
		p.lastContact = now
	}
	n.appendLocked(LogEntry{Type: EntryNoop})
	for _, p := range n.peers {
		n.startReplicatorLocked(p)
	}
	n.advanceCommitLocked()
	n.notifyLocked()
	n.logger.Info("became leader", "term", n.term, "last_index", n.lastIndexLocked())
}

// becomeFollowerLocked adopts term (if newer) and follows leader.
func (n *Node) becomeFollowerLocked(term uint64, leader string) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		n.persistLocked()
	}
	if n.state == Leader {
		n.stopReplicatorsLocked()
		n.logger.Info("stepping down", "term", n.term, "leader", leader)
	}
	changed := n.state != Follower || n.leaderID != leader
	n.state = Follower
	n.leaderID = leader
	if changed {
		n.notifyLocked()
	}
}

func (n *Node) startReplicatorLocked(p *peer) {
	select {
	case <-n.stopCh:
		return
	default:
	}
	p.stop = make(chan struct{})
	p.trigger = make(chan struct{}, 1)
	n.wg.Add(1)
	go n.replicate(p, n.term, p.stop, p.trigger)
}

func (n *Node) stopReplicatorsLocked() {
	for _, p := range n.peers {
		if p.stop != nil {
			close(p.stop)
			p.stop = nil
		}
	}
}

// replicate drives AppendEntries to one peer for the duration of one term's
// leadership.
func (n *Node) replicate(p *peer, term uint64, stop, trigger chan struct{}) {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.HeartbeatInterval)
	defer t.Stop()

	n.sendAppend(p, term)
	for {
		select {
		case <-n.stopCh:
			return
		case <-stop:
			return
		case <-trigger:
		case <-t.C:
		}
		n.sendAppend(p, term)
	}
}

func (n *Node) sendAppend(p *peer, term uint64) {
	n.mu.Lock()
	if n.state != Leader || n.term != term || n.peers[p.id] != p {
		n.mu.Unlock()
		return
	}
	prev := p.nextIndex - 1
	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  n.log[prev].Term,
		Entries:      n.entriesFromLocked(p.nextIndex, n.cfg.MaxAppendEntries),
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	reply, err := n.transport.AppendEntries(ctx, p.id, args)
	cancel()
	if err != nil {
		n.logger.Trace("append entries failed", "peer", p.id, "term", term, "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.term {
		n.becomeFollowerLocked(reply.Term, "")
		n.resetElectionTimerLocked()
		return
	}
	if n.state != Leader || n.term != term || n.peers[p.id] != p {
		return
	}
	p.lastContact = time.Now()

	if reply.Success {
		if match := args.PrevLogIndex + uint64(len(args.Entries)); match > p.matchIndex {
			p.matchIndex = match
		}
		p.nextIndex = p.matchIndex + 1
		n.advanceCommitLocked()
		if p.nextIndex <= n.lastIndexLocked() {
			kick(p.trigger)
		}
		return
	}

	next := p.nextIndex - 1
	if reply.ConflictIndex > 0 {
		next = reply.ConflictIndex
		if reply.ConflictTerm > 0 {
			if last := n.lastIndexOfTermLocked(reply.ConflictTerm); last > 0 {
				next = last + 1
			}
		}
	}
	if next <= p.matchIndex {
		next = p.matchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	if last := n.lastIndexLocked() + 1; next > last {
		next = last
	}
	p.nextIndex = next
	kick(p.trigger)
}

// advanceCommitLocked moves commitIndex to the highest current-term index
// stored on a majority. Entries from earlier terms commit only through it.
func (n *Node) advanceCommitLocked() {
	if n.state != Leader {
		return
	}
	q := n.quorum()
	for idx := n.lastIndexLocked(); idx > n.commitIndex; idx-- {
		if n.log[idx].Term != n.term {
			return
		}
		acks := 1
		for _, p := range n.peers {
			if p.matchIndex >= idx {
				acks++
			}
		}
		if acks >= q {
			n.logger.Debug("commit index advanced", "from", n.commitIndex, "to", idx, "term", n.term)
			n.commitIndex = idx
			kick(n.applyCh)
			return
		}
	}
}

// applier hands committed entries to the state machine in index order and
// resolves waiting proposals.
func (n *Node) applier() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyCh:
		}
		for {
			n.mu.Lock()
			if n.lastApplied >= n.commitIndex {
				n.mu.Unlock()
				break
			}
			from, to := n.lastApplied+1, n.commitIndex
			batch := make([]LogEntry, to-from+1)
			copy(batch, n.log[from:to+1])
			n.mu.Unlock()

			for _, e := range batch {
				var err error
				if e.Type == EntryCommand && n.sm != nil {
					err = n.sm.Apply(e)
				}
				n.mu.Lock()
				n.lastApplied = e.Index
				if w, ok := n.waiters[e.Index]; ok {
					delete(n.waiters, e.Index)
					if w.term != e.Term {
						err = ErrLeadershipLost
					}
					w.ch <- err
				}
				n.mu.Unlock()
			}
		}
	}
}

func (n *Node) notifier() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.changeCh:
		}
		n.mu.Lock()
		changes := n.changes
		n.changes = nil
		n.mu.Unlock()
		if n.cfg.OnStateChange == nil {
			continue
		}
		for _, c := range changes {
			n.cfg.OnStateChange(c)
		}
	}
}

func (n *Node) notifyLocked() {
	n.changes = append(n.changes, StateChange{State: n.state, Term: n.term, Leader: n.leaderID})
	kick(n.changeCh)
}

func (n *Node) persistLocked() {
	if err := n.storage.SaveHardState(HardState{Term: n.term, VotedFor: n.votedFor}); err != nil {
		n.logger.Error("failed to persist hard state", "term", n.term, "error", err)
	}
}

func (n *Node) resetElectionTimerLocked() {
	span := int64(n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin)
	d := n.cfg.ElectionTimeoutMin
	if span > 0 {
		d += time.Duration(n.rng.Int63n(span + 1))
	}
	n.electionAt = time.Now().Add(d)
}

func (n *Node) quorum() int {
	return (len(n.peers)+1)/2 + 1
}

func kick(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
