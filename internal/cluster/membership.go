package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/ring"
)

// Membership holds the local view of the cluster: known nodes, their roles and
// their health. It is owned by one process and injected into the components
// that need it.
type Membership struct {
	mu        sync.RWMutex
	selfID    string
	nodes     map[string]Node
	vnodes    int
	listeners []Listener
	logger    hclog.Logger

	// Placement rings over current and healthy members. Cleared when either
	// set changes and rebuilt on the next ReplicaSet.
	allRing     *ring.Ring
	healthyRing *ring.Ring
}

// NewMembership creates a view containing only self.
func NewMembership(selfID, selfAddr string, epoch uint64, vnodes int, logger hclog.Logger) *Membership {
	now := time.Now()
	if epoch == 0 {
		epoch = 1
	}
	m := &Membership{
		selfID: selfID,
		nodes:  make(map[string]Node),
		vnodes: vnodes,
		logger: logging.OrNop(logger),
	}
	m.nodes[selfID] = Node{
		ID:            selfID,
		Address:       selfAddr,
		Role:          RoleFollower,
		LastHeartbeat: now,
		Healthy:       true,
		Epoch:         epoch,
	}
	return m
}

// Subscribe registers a listener for membership events.
func (m *Membership) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SelfID returns the local node id.
func (m *Membership) SelfID() string {
	return m.selfID
}

// Self returns the local node.
func (m *Membership) Self() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[m.selfID]
}

// Get returns a current (not departed) member.
func (m *Membership) Get(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok || n.Left {
		return Node{}, false
	}
	return n, true
}

// Address returns the address of a current member.
func (m *Membership) Address(id string) (string, bool) {
	n, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return n.Address, true
}

// Nodes returns all current members sorted by id.
func (m *Membership) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodesLocked(false)
}

// HealthyNodes returns current members considered healthy, sorted by id.
func (m *Membership) HealthyNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodesLocked(true)
}

// Size returns the number of current members, including self.
func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, node := range m.nodes {
		if !node.Left {
			n++
		}
	}
	return n
}

// IsHealthy reports whether id is a current, healthy member.
func (m *Membership) IsHealthy(id string) bool {
	n, ok := m.Get(id)
	return ok && n.Healthy
}

// HealthSnapshot returns the health of every current member.
func (m *Membership) HealthSnapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.nodes))
	for id, n := range m.nodes {
		if !n.Left {
			out[id] = n.Healthy
		}
	}
	return out
}

// Join adds a node, or updates the address of an existing one. A node that
// previously left rejoins with a higher epoch.
func (m *Membership) Join(id, addr string) Node {
	m.mu.Lock()
	var events []Event
	cur, ok := m.nodes[id]
	switch {
	case !ok:
		cur = Node{ID: id, Address: addr, Role: RoleFollower, Healthy: true, LastHeartbeat: time.Now(), Epoch: 1}
		events = append(events, Event{Kind: EventJoined, Node: cur})
	case cur.Left:
		cur.Left = false
		cur.Healthy = true
		cur.Address = addr
		cur.Epoch++
		cur.LastHeartbeat = time.Now()
		events = append(events, Event{Kind: EventJoined, Node: cur})
	case addr != "":
		cur.Address = addr
	}
	m.nodes[id] = cur
	if len(events) > 0 {
		m.invalidateLocked()
	}
	m.mu.Unlock()

	m.emit(events)
	return cur
}

// Leave marks a node as departed. The record is kept, with a bumped epoch, so
// heartbeats and gossip carrying the old epoch cannot resurrect it.
func (m *Membership) Leave(id string) error {
	m.mu.Lock()
	cur, ok := m.nodes[id]
	if !ok || cur.Left {
		m.mu.Unlock()
		return ErrUnknownNode
	}
	cur.Left = true
	cur.Healthy = false
	cur.Epoch++
	m.nodes[id] = cur
	m.invalidateLocked()
	m.mu.Unlock()

	m.emit([]Event{{Kind: EventLeft, Node: cur}})
	return nil
}

// MarkHeartbeat records a heartbeat observed from hb.FromID at now. Unknown
// senders are added; unhealthy ones become healthy again.
func (m *Membership) MarkHeartbeat(hb Heartbeat, now time.Time) {
	if hb.FromID == "" || hb.FromID == m.selfID {
		return
	}

	m.mu.Lock()
	var events []Event
	cur, ok := m.nodes[hb.FromID]
	if ok && cur.Left && hb.Epoch <= cur.Epoch {
		m.mu.Unlock()
		return
	}
	if !ok || cur.Left {
		cur = Node{ID: hb.FromID}
		events = append(events, Event{Kind: EventJoined})
	}
	if hb.FromAddr != "" {
		cur.Address = hb.FromAddr
	}
	if hb.Epoch > cur.Epoch {
		cur.Epoch = hb.Epoch
	}
	cur.LastHeartbeat = now
	if hb.Term >= cur.Term {
		cur.Role = hb.Role
		cur.Term = hb.Term
	}
	if !cur.Healthy {
		cur.Healthy = true
		if ok {
			events = append(events, Event{Kind: EventHealthChanged})
		}
	}
	m.nodes[hb.FromID] = cur
	for i := range events {
		events[i].Node = cur
	}
	if len(events) > 0 {
		m.invalidateLocked()
	}
	m.mu.Unlock()

	m.emit(events)
}

// SetHealthy changes a member's health and reports whether it changed.
func (m *Membership) SetHealthy(id string, healthy bool) bool {
	m.mu.Lock()
	cur, ok := m.nodes[id]
	if !ok || cur.Left || cur.Healthy == healthy || id == m.selfID {
		m.mu.Unlock()
		return false
	}
	cur.Healthy = healthy
	m.nodes[id] = cur
	m.invalidateLocked()
	m.mu.Unlock()

	m.logger.Info("node health changed", "node", id, "healthy", healthy)
	m.emit([]Event{{Kind: EventHealthChanged, Node: cur}})
	return true
}

// SetRole records the role and term a member reported. Older terms are ignored.
func (m *Membership) SetRole(id string, role Role, term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.nodes[id]
	if !ok || term < cur.Term {
		return
	}
	cur.Role = role
	cur.Term = term
	m.nodes[id] = cur
}

// Snapshot returns the full view, including departed records, for gossip.
func (m *Membership) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	self := m.nodes[m.selfID]
	nodes := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return Snapshot{FromID: m.selfID, FromAddr: self.Address, Nodes: nodes, Now: time.Now()}
}

// MergeSnapshot folds a gossiped view into ours. Health stays a local decision;
// address and departure changes are taken only with a newer epoch.
func (m *Membership) MergeSnapshot(s Snapshot) {
	m.mu.Lock()
	var events []Event
	now := time.Now()
	for _, in := range s.Nodes {
		if in.ID == "" || in.ID == m.selfID {
			continue
		}
		cur, ok := m.nodes[in.ID]
		if !ok {
			n := Node{ID: in.ID, Address: in.Address, Role: in.Role, Term: in.Term, Epoch: in.Epoch, Left: in.Left}
			if !in.Left {
				// Grace period: the detector judges it from now on.
				n.Healthy = true
				n.LastHeartbeat = now
				events = append(events, Event{Kind: EventJoined, Node: n})
			}
			m.nodes[in.ID] = n
			continue
		}
		if in.Term > cur.Term {
			cur.Role = in.Role
			cur.Term = in.Term
		}
		if in.Epoch > cur.Epoch {
			wasLeft := cur.Left
			cur.Epoch = in.Epoch
			cur.Address = in.Address
			cur.Left = in.Left
			switch {
			case in.Left && !wasLeft:
				cur.Healthy = false
				events = append(events, Event{Kind: EventLeft, Node: cur})
			case !in.Left && wasLeft:
				cur.Healthy = true
				cur.LastHeartbeat = now
				events = append(events, Event{Kind: EventJoined, Node: cur})
			}
		}
		m.nodes[in.ID] = cur
	}
	if len(events) > 0 {
		m.invalidateLocked()
	}
	m.mu.Unlock()

	m.emit(events)
}

// ReplicaSet returns up to n node ids responsible for key. With healthyOnly,
// unhealthy members are excluded and the walk continues to replacements.
func (m *Membership) ReplicaSet(key string, n int, healthyOnly bool) []string {
	return m.placement(healthyOnly).Walk(key, n)
}

// placement returns the current ring, building it if membership or health
// changed since the last call.
func (m *Membership) placement(healthyOnly bool) *ring.Ring {
	m.mu.RLock()
	r := m.allRing
	if healthyOnly {
		r = m.healthyRing
	}
	m.mu.RUnlock()
	if r != nil {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	slot := &m.allRing
	if healthyOnly {
		slot = &m.healthyRing
	}
	if *slot == nil {
		nodes := m.nodesLocked(healthyOnly)
		ids := make([]string, 0, len(nodes))
		for _, node := range nodes {
			ids = append(ids, node.ID)
		}
		*slot = ring.New(m.vnodes, ids...)
	}
	return *slot
}

func (m *Membership) invalidateLocked() {
	m.allRing = nil
	m.healthyRing = nil
}

func (m *Membership) nodesLocked(healthyOnly bool) []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Left || (healthyOnly && !n.Healthy) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Membership) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, ev := range events {
		m.logger.Debug("membership event", "kind", ev.Kind.String(), "node", ev.Node.ID)
		for _, l := range listeners {
			l(ev)
		}
	}
}
