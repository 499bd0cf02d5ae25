package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/config"
	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/notify"
	"github.com/truongngoctrac/claims-platform-sub011/internal/raft"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
)

var errNoNetwork = errors.New("no network")

// isolated is a transport for a node with nobody to talk to.
type isolated struct{}

func (isolated) RequestVote(context.Context, string, *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	return nil, errNoNetwork
}

func (isolated) AppendEntries(context.Context, string, *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	return nil, errNoNetwork
}

func (isolated) Push(context.Context, string, []entry.StateEntry) error { return errNoNetwork }

func (isolated) Fetch(context.Context, string, string, string) ([]entry.StateEntry, error) {
	return nil, errNoNetwork
}

func (isolated) Heartbeat(context.Context, cluster.Node, cluster.Heartbeat) (cluster.Heartbeat, error) {
	return cluster.Heartbeat{}, errNoNetwork
}

func (isolated) Gossip(context.Context, cluster.Node, cluster.Snapshot) error { return errNoNetwork }

func (isolated) Join(context.Context, string, cluster.Node) (cluster.Snapshot, error) {
	return cluster.Snapshot{}, errNoNetwork
}

func testConfig(peers ...config.PeerConfig) *config.Config {
	cfg := config.Default()
	cfg.Node.ID = "n1"
	cfg.Node.Listen = "127.0.0.1:7001"
	cfg.Node.Peers = peers
	cfg.Raft.ElectionTimeoutMin = config.Duration(50 * time.Millisecond)
	cfg.Raft.ElectionTimeoutMax = config.Duration(100 * time.Millisecond)
	cfg.Raft.HeartbeatInterval = config.Duration(10 * time.Millisecond)
	cfg.Raft.ProposeTimeout = config.Duration(500 * time.Millisecond)
	cfg.Raft.CheckQuorum = false
	cfg.Store.ReplicationFactor = 1
	cfg.Namespaces = map[string]config.NamespaceConfig{
		"ledger": {Mode: config.ModeStrong},
	}
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := Build(cfg, func(*cluster.Membership) Transport { return isolated{} }, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
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

func startLeader(t *testing.T) *Node {
	t.Helper()
	n := startNode(t, testConfig())
	waitFor(t, 3*time.Second, n.Raft.IsLeader)
	return n
}

func TestStrongPutGetDelete(t *testing.T) {
	n := startLeader(t)
	c := n.Core
	ctx := context.Background()

	if c.ModeOf("ledger") != Strong || c.ModeOf("claims") != Eventual {
		t.Fatalf("modes: ledger=%s claims=%s", c.ModeOf("ledger"), c.ModeOf("claims"))
	}

	e, err := c.Put(ctx, "ledger", "acct-1", json.RawMessage(`{"balance":10}`), nil, store.WriteOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if e.Version != 1 || e.Origin != "n1" {
		t.Fatalf("entry = %+v", e)
	}
	got, err := c.Get(ctx, "ledger", "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != `{"balance":10}` {
		t.Fatalf("value = %s", got.Value)
	}

	_, err = c.Put(ctx, "ledger", "acct-1", json.RawMessage(`{"balance":20}`), []store.Condition{{Kind: store.VersionEquals, Version: 7}}, store.WriteOptions{})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("stale conditional put: err = %v", err)
	}
	e, err = c.Put(ctx, "ledger", "acct-1", json.RawMessage(`{"balance":20}`), []store.Condition{{Kind: store.VersionEquals, Version: 1}}, store.WriteOptions{})
	if err != nil || e.Version != 2 {
		t.Fatalf("conditional put = %+v, %v", e, err)
	}

	if _, err := c.Delete(ctx, "ledger", "acct-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "ledger", "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v", err)
	}
	if _, err := c.Delete(ctx, "ledger", "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: err = %v", err)
	}
}

func TestEventualPutGetDelete(t *testing.T) {
	n := startLeader(t)
	c := n.Core
	ctx := context.Background()

	e, err := c.Put(ctx, "claims", "claim:1", json.RawMessage(`{"status":"submitted"}`), nil, store.WriteOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if e.Clock.Get("n1") != 1 {
		t.Fatalf("clock = %s", e.Clock)
	}
	got, err := c.Get(ctx, "claims", "claim:1")
	if err != nil || string(got.Value) != `{"status":"submitted"}` {
		t.Fatalf("Get = %s, %v", got.Value, err)
	}
	if _, err := c.Delete(ctx, "claims", "claim:1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "claims", "claim:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v", err)
	}
	if _, err := c.Put(ctx, "claims", "claim:2", json.RawMessage(`1`), []store.Condition{{Kind: store.Exists}}, store.WriteOptions{}); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("conditional put: err = %v", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	n := startLeader(t)
	c := n.Core
	ctx := context.Background()

	if _, err := c.Put(ctx, "claims", "", json.RawMessage(`1`), nil, store.WriteOptions{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty key: err = %v", err)
	}
	if _, err := c.Put(ctx, "", "k", json.RawMessage(`1`), nil, store.WriteOptions{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty namespace: err = %v", err)
	}
	if _, err := c.Put(ctx, "claims", "k", json.RawMessage(`{oops`), nil, store.WriteOptions{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad json: err = %v", err)
	}
}

func TestStrongWriteWithoutQuorumIsUnavailable(t *testing.T) {
	n := startNode(t, testConfig(config.PeerConfig{ID: "n2", Address: "127.0.0.1:7002"}))
	_, err := n.Core.Put(context.Background(), "ledger", "k", json.RawMessage(`1`), nil, store.WriteOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	// Eventual writes degrade to local-only.
	if _, err := n.Core.Put(context.Background(), "claims", "k", json.RawMessage(`1`), nil, store.WriteOptions{}); err != nil {
		t.Fatalf("eventual put: %v", err)
	}
}

func TestNotLeaderCarriesLeaderAddress(t *testing.T) {
	n := startNode(t, testConfig(config.PeerConfig{ID: "n2", Address: "127.0.0.1:7002"}))
	err := n.Core.translate(&raft.NotLeaderError{Leader: "n2"})
	var nl *NotLeaderError
	if !errors.As(err, &nl) || !errors.Is(err, ErrNotLeader) {
		t.Fatalf("err = %v", err)
	}
	if nl.Leader != "n2" || nl.LeaderAddress != "127.0.0.1:7002" {
		t.Fatalf("not leader = %+v", nl)
	}
}

func TestSubscribeSeesStrongAndEventualChanges(t *testing.T) {
	n := startLeader(t)
	c := n.Core
	ctx := context.Background()
	sub := c.Subscribe("", "k")
	defer sub.Close()

	if _, err := c.Put(ctx, "ledger", "k1", json.RawMessage(`1`), nil, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(ctx, "claims", "k2", json.RawMessage(`2`), nil, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		key string
		src notify.Source
	}{{"k1", notify.SourceLog}, {"k2", notify.SourceLocal}}
	for _, w := range want {
		select {
		case ev := <-sub.C:
			if ev.Key != w.key || ev.Source != w.src || ev.Kind != notify.KindPut {
				t.Fatalf("event = %+v, want %s from %s", ev, w.key, w.src)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event for %s", w.key)
		}
	}
}

func TestJoinAndLeaveUpdateRaftPeers(t *testing.T) {
	n := startLeader(t)
	c := n.Core
	ctx := context.Background()

	snap, err := c.Join(ctx, "n2", "127.0.0.1:7002")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	found := false
	for _, node := range snap.Nodes {
		found = found || node.ID == "n2"
	}
	if !found {
		t.Fatalf("snapshot missing n2: %+v", snap.Nodes)
	}
	if !contains(n.Raft.Status().Peers, "n2") {
		t.Fatalf("raft peers = %v", n.Raft.Status().Peers)
	}
	if h := c.HealthSnapshot(); !h["n1"] || !h["n2"] {
		t.Fatalf("health = %v", h)
	}

	if err := c.Leave(ctx, "n2"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if contains(n.Raft.Status().Peers, "n2") {
		t.Fatalf("raft peers after leave = %v", n.Raft.Status().Peers)
	}
	if _, ok := c.HealthSnapshot()["n2"]; ok {
		t.Fatal("departed node still in health snapshot")
	}
	if err := c.Leave(ctx, "n2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second leave: err = %v", err)
	}
	if _, err := c.Join(ctx, "", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty join: err = %v", err)
	}
}

func TestStatus(t *testing.T) {
	n := startLeader(t)
	c := n.Core
	if _, err := c.Put(context.Background(), "ledger", "k", json.RawMessage(`1`), nil, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	st := c.Status()
	if st.ID != "n1" || st.Raft.State != raft.Leader.String() {
		t.Fatalf("status = %+v", st)
	}
	if st.StrongKeys != 1 || st.Namespaces["ledger"] != Strong {
		t.Fatalf("status = %+v", st)
	}
	if role, _ := c.role(); role != cluster.RoleLeader {
		t.Fatalf("role = %s", role)
	}
}

func TestRulesFromConfig(t *testing.T) {
	rules, err := RulesFromConfig(config.Default().Resolver.Rules)
	if err != nil {
		t.Fatalf("RulesFromConfig: %v", err)
	}
	if len(rules) != 1 || rules[0].Namespace != "claims" || rules[0].Ranks["paid"] != 4 {
		t.Fatalf("rules = %+v", rules)
	}
	if _, err := RulesFromConfig([]config.DomainRuleConfig{{Kind: "magic"}}); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
