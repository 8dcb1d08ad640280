// ABOUTME: In-memory topic-keyed event broker for live chat observers
// ABOUTME: Each subscriber gets its own ordered queue so a slow reader never stalls the others

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/recall-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// DefaultMaxBacklog is how many undelivered messages a subscriber may
	// accumulate before it is evicted.
	DefaultMaxBacklog = 1024
)

// Subscription is a live registration on one topic. Messages published after
// Subscribe returns arrive on Events in publish order. The channel is closed
// when the subscription ends.
type Subscription struct {
	id     string
	topic  string
	broker *EventBroker
	out    chan *store.Message

	mu    sync.Mutex
	queue []*store.Message

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan *store.Message { return s.out }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.Unsubscribe(s)
}

// enqueue adds msg to the subscriber's backlog. It returns false when the
// backlog is already at max, meaning the subscriber should be evicted.
func (s *Subscription) enqueue(msg *store.Message, max int) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return true
	default:
	}
	if max > 0 && len(s.queue) >= max {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// pump moves queued messages onto the out channel until the subscription ends.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// EventBroker provides in-memory pub/sub for persisted messages. It is
// constructed once at startup and closed at shutdown.
type EventBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // topic -> subID -> sub
	closed      bool
	maxBacklog  int
	logger      *slog.Logger
}

// NewEventBroker creates a broker. Pass nil logger for default and a
// non-positive maxBacklog for DefaultMaxBacklog.
func NewEventBroker(maxBacklog int, logger *slog.Logger) *EventBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	return &EventBroker{
		subscribers: make(map[string]map[string]*Subscription),
		maxBacklog:  maxBacklog,
		logger:      logger.With("component", "broker"),
	}
}

// Subscribe registers for messages published on topic from now on. There is
// no replay; callers that need history read it from the store first. The
// subscription is removed automatically when ctx is cancelled.
func (b *EventBroker) Subscribe(ctx context.Context, topic string) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		topic:  topic,
		broker: b,
		out:    make(chan *store.Message, subscriberBufferSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*Subscription)
	}
	b.subscribers[topic][sub.id] = sub
	b.mu.Unlock()

	go sub.pump()

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub)
		case <-sub.done:
		}
	}()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.id)
	return sub
}

// Publish queues msg for every current subscriber of topic, in call order.
// It never blocks on a subscriber; one whose backlog overflows is evicted.
func (b *EventBroker) Publish(topic string, msg *store.Message) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.enqueue(msg, b.maxBacklog) {
			b.logger.Warn("evicting slow subscriber",
				"topic", topic,
				"sub_id", sub.id,
				"max_backlog", b.maxBacklog)
			b.Unsubscribe(sub)
		}
	}
}

// Unsubscribe removes the subscription and ends its delivery. Idempotent.
func (b *EventBroker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	removed := false
	if subs, ok := b.subscribers[sub.topic]; ok {
		if _, exists := subs[sub.id]; exists {
			delete(subs, sub.id)
			removed = true
		}
		if len(subs) == 0 {
			delete(b.subscribers, sub.topic)
		}
	}
	b.mu.Unlock()

	sub.stop()

	if removed {
		b.logger.Debug("subscriber removed", "topic", sub.topic, "sub_id", sub.id)
	}
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *EventBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close ends every subscription. Later Subscribe calls return already-closed
// subscriptions.
func (b *EventBroker) Close() {
	b.mu.Lock()
	var all []*Subscription
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}

	b.logger.Debug("broker closed")
}
