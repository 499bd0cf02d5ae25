// Package notify fans out key change events to subscribers.
//
// Every subscription has its own unbounded queue drained by one goroutine, so
// Publish never blocks and an open subscription never loses an event. Events
// may repeat after a replica re-delivers an entry; consumers see at-least-once
// delivery.
package notify

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
)

// Kind is the type of change.
type Kind string

const (
	KindPut    Kind = "put"
	KindDelete Kind = "delete"
)

// Source tells where a change came from.
type Source string

const (
	SourceLocal   Source = "local"
	SourceReplica Source = "replica"
	SourceLog     Source = "log"
)

// Event is one change notification.
type Event struct {
	Seq       uint64           `json:"seq"`
	Namespace string           `json:"namespace"`
	Key       string           `json:"key"`
	Kind      Kind             `json:"kind"`
	Source    Source           `json:"source"`
	Entry     entry.StateEntry `json:"entry"`
	Time      time.Time        `json:"time"`
}

// Broker routes events to matching subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	seq    uint64
	closed bool
	logger hclog.Logger
}

// NewBroker creates a broker.
func NewBroker(logger hclog.Logger) *Broker {
	return &Broker{subs: make(map[string]*Subscription), logger: logging.OrNop(logger)}
}

// Subscribe registers interest in keys of namespace starting with prefix.
// An empty namespace matches every namespace.
func (b *Broker) Subscribe(namespace, prefix string) *Subscription {
	out := make(chan Event)
	s := &Subscription{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Prefix:    prefix,
		C:         out,
		out:       out,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		broker:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		close(out)
		return s
	}
	b.subs[s.ID] = s
	b.mu.Unlock()

	go s.pump()
	b.logger.Debug("subscription opened", "id", s.ID, "namespace", namespace, "prefix", prefix)
	return s
}

// Publish delivers ev to every matching subscription.
func (b *Broker) Publish(ev Event) {
	ev.Seq = atomic.AddUint64(&b.seq, 1)
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.matches(ev) {
			s.enqueue(ev)
		}
	}
}

// Len returns the number of open subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is a stream of events. C is closed after Close.
type Subscription struct {
	ID        string
	Namespace string
	Prefix    string
	C         <-chan Event

	out    chan Event
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	broker *Broker
}

func (s *Subscription) matches(ev Event) bool {
	if s.Namespace != "" && s.Namespace != ev.Namespace {
		return false
	}
	return strings.HasPrefix(ev.Key, s.Prefix)
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.signal:
				continue
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Close stops delivery and releases the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.broker != nil {
			s.broker.remove(s.ID)
		}
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	})
}
