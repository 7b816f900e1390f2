// Package memtransport is the channel-based in-process transport, used for
// single-process deployments and tests.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/logx"
)

// Config sizes the internal channels.
type Config struct {
	// InboxBuffer is the capacity of each agent's inbound queue.
	InboxBuffer int
	// TopicBuffer is the capacity of each subscriber's delivery queue.
	TopicBuffer int
}

// DefaultConfig provides sensible defaults for in-process use.
//
//nolint:gochecknoglobals // Package-level default configuration
var DefaultConfig = Config{
	InboxBuffer: 100,
	TopicBuffer: 10,
}

// Transport routes bytes through Go channels. Inboxes are created on first
// use by either sender or receiver, so delivery order per agent follows send
// order regardless of when the receiver attaches.
type Transport struct {
	cfg    Config
	logger *logx.Logger

	mu      sync.RWMutex
	inboxes map[string]chan []byte
	topics  map[string]map[int]*subscriber
	nextSub int
	closed  bool

	// done unblocks senders parked on a full inbox during Close; sending
	// tracks them so inbox channels are only closed once no send is in flight.
	done    chan struct{}
	sending sync.WaitGroup
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// New creates an in-memory transport.
func New(cfg Config) *Transport {
	if cfg.InboxBuffer <= 0 {
		cfg.InboxBuffer = DefaultConfig.InboxBuffer
	}
	if cfg.TopicBuffer <= 0 {
		cfg.TopicBuffer = DefaultConfig.TopicBuffer
	}
	return &Transport{
		cfg:     cfg,
		logger:  logx.NewLogger("memtransport"),
		inboxes: make(map[string]chan []byte),
		topics:  make(map[string]map[int]*subscriber),
		done:    make(chan struct{}),
	}
}

// Publish fans data out to every subscriber of topic; an empty topic is a
// broadcast reaching every subscriber on every topic. Blocks per subscriber
// when its queue is full, so delivery is at-least-once rather than lossy.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return fmt.Errorf("transport is closed")
	}
	var subs []*subscriber
	if topic == "" {
		for _, topicSubs := range t.topics {
			for _, sub := range topicSubs {
				subs = append(subs, sub)
			}
		}
	} else {
		subs = make([]*subscriber, 0, len(t.topics[topic]))
		for _, sub := range t.topics[topic] {
			subs = append(subs, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers fn for topic. Each subscription drains its own queue in
// a dedicated goroutine, so one slow handler never blocks the others.
func (t *Transport) Subscribe(topic string, fn func(data []byte)) (broker.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}

	sub := &subscriber{
		ch:   make(chan []byte, t.cfg.TopicBuffer),
		done: make(chan struct{}),
	}

	if t.topics[topic] == nil {
		t.topics[topic] = make(map[int]*subscriber)
	}
	id := t.nextSub
	t.nextSub++
	t.topics[topic][id] = sub

	go func() {
		for {
			select {
			case data := <-sub.ch:
				fn(data)
			case <-sub.done:
				return
			}
		}
	}()

	return &subscription{transport: t, topic: topic, id: id}, nil
}

type subscription struct {
	transport *Transport
	topic     string
	id        int
	once      sync.Once
}

// Unsubscribe releases the subscription; no callbacks are delivered after it
// returns.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.transport.mu.Lock()
		defer s.transport.mu.Unlock()

		if subs, exists := s.transport.topics[s.topic]; exists {
			if sub, ok := subs[s.id]; ok {
				close(sub.done)
				delete(subs, s.id)
			}
			if len(subs) == 0 {
				delete(s.transport.topics, s.topic)
			}
		}
	})
	return nil
}

// Send enqueues data on the target agent's inbound queue, creating it on
// first use. Blocks when the queue is full.
func (t *Transport) Send(ctx context.Context, agentID string, data []byte) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	inbox := t.inbox(agentID)
	t.sending.Add(1)
	t.mu.Unlock()
	defer t.sending.Done()

	select {
	case inbox <- data:
		return nil
	case <-t.done:
		return fmt.Errorf("transport is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbox returns the agent's inbound queue, creating it on first use.
func (t *Transport) Inbox(agentID string) (<-chan []byte, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	return t.inbox(agentID), nil
}

// inbox creates the channel on first use. Caller holds t.mu.
func (t *Transport) inbox(agentID string) chan []byte {
	if ch, exists := t.inboxes[agentID]; exists {
		return ch
	}
	ch := make(chan []byte, t.cfg.InboxBuffer)
	t.inboxes[agentID] = ch
	return ch
}

// QueueStats reports depth and capacity for every inbox and subscriber queue.
func (t *Transport) QueueStats() map[string]broker.QueueStat {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := make(map[string]broker.QueueStat, len(t.inboxes))
	for agentID, ch := range t.inboxes {
		stats["inbox."+agentID] = broker.QueueStat{Depth: len(ch), Capacity: cap(ch)}
	}
	for topic, subs := range t.topics {
		for id, sub := range subs {
			stats[fmt.Sprintf("topic.%s.%d", topic, id)] = broker.QueueStat{Depth: len(sub.ch), Capacity: cap(sub.ch)}
		}
	}
	return stats
}

// Close shuts down all queues. Inbox channels are closed so receivers see end
// of stream; subscriber goroutines exit. Sends racing Close return an error.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	// No new sends start once closed is set; wait out the in-flight ones
	// (each either enqueues or observes done) before closing their channels.
	t.sending.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	for agentID, ch := range t.inboxes {
		close(ch)
		delete(t.inboxes, agentID)
	}
	for topic, subs := range t.topics {
		for id, sub := range subs {
			close(sub.done)
			delete(subs, id)
		}
		delete(t.topics, topic)
	}

	t.logger.Debug("transport closed")
	return nil
}
