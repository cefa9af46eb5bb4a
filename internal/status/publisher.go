// Package status publishes controller connection status to observers.
//
// Current is a lock-free snapshot read. Subscribers receive every
// published status, in publish order, through a private unbounded queue
// drained by a dedicated goroutine, so a slow subscriber delays only itself.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/metrics"
	"github.com/marcus-qen/portalkombat/internal/portal"
)

// DefaultHistorySize is the number of login attempts retained.
const DefaultHistorySize = 20

// Publisher fans status transitions out to subscribers.
type Publisher struct {
	current atomic.Pointer[portal.ConnectionStatus]

	mu          sync.Mutex
	seq         uint64
	subscribers map[string]*Subscription
	history     []portal.LoginAttempt
	historySize int

	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher whose initial status is Disconnected.
func NewPublisher(historySize int, logger *zap.Logger) *Publisher {
	if historySize < 1 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		subscribers: make(map[string]*Subscription),
		historySize: historySize,
		logger:      logger.Named("status"),
		now:         time.Now,
	}
	initial := portal.ConnectionStatus{
		State:     portal.StateDisconnected,
		Phase:     "idle",
		UpdatedAt: p.now().UTC(),
	}
	p.current.Store(&initial)
	return p
}

// Current returns the latest status. It never blocks.
func (p *Publisher) Current() portal.ConnectionStatus {
	return p.current.Load().Clone()
}

// Publish stamps st with the next sequence number, makes it current and
// queues it for every subscriber. The stored value is returned.
func (p *Publisher) Publish(st portal.ConnectionStatus) portal.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	st = st.Clone()
	st.Seq = p.seq
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = p.now().UTC()
	}
	p.current.Store(&st)

	for _, sub := range p.subscribers {
		sub.enqueue(st.Clone())
	}
	p.logger.Debug("status published",
		zap.Uint64("seq", st.Seq),
		zap.String("state", string(st.State)),
		zap.String("phase", st.Phase),
	)
	return st
}

// RecordAttempt appends a finished attempt to the history ring.
func (p *Publisher) RecordAttempt(a portal.LoginAttempt) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, a)
	if over := len(p.history) - p.historySize; over > 0 {
		p.history = append(p.history[:0:0], p.history[over:]...)
	}
}

// History returns recorded attempts, oldest first.
func (p *Publisher) History() []portal.LoginAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]portal.LoginAttempt, len(p.history))
	copy(out, p.history)
	return out
}

// Subscribe registers fn. The current status is delivered first, then
// every later publish in order. fn runs on the subscription's own
// goroutine and may call Unsubscribe.
func (p *Publisher) Subscribe(fn func(portal.ConnectionStatus)) *Subscription {
	sub := &Subscription{
		id:   uuid.NewString(),
		pub:  p,
		fn:   fn,
		done: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	p.mu.Lock()
	p.subscribers[sub.id] = sub
	sub.enqueue(p.current.Load().Clone())
	n := len(p.subscribers)
	p.mu.Unlock()

	metrics.StatusSubscribers.Set(float64(n))
	go sub.deliver()
	return sub
}

// SubscriberCount returns the number of active subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Close unsubscribes everyone.
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (p *Publisher) remove(id string) {
	p.mu.Lock()
	delete(p.subscribers, id)
	n := len(p.subscribers)
	p.mu.Unlock()
	metrics.StatusSubscribers.Set(float64(n))
}

// Subscription is one registered observer.
type Subscription struct {
	id  string
	pub *Publisher
	fn  func(portal.ConnectionStatus)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []portal.ConnectionStatus
	closed bool

	once sync.Once
	done chan struct{}
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe stops delivery. Queued statuses not yet delivered are
// dropped. Safe to call more than once and from inside the callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.pub.remove(s.id)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.cond.Signal()
	})
}

func (s *Subscription) enqueue(st portal.ConnectionStatus) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, st)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) deliver() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = portal.ConnectionStatus{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(next)
	}
}
