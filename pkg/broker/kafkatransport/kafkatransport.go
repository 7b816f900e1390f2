// Package kafkatransport implements the broker transport over Apache Kafka
// for multi-process deployments. Topics carry events; each agent gets a
// dedicated inbox topic for point-to-point delivery.
package kafkatransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/logx"
)

// Config holds Kafka connection settings.
type Config struct {
	// Brokers lists the bootstrap broker addresses.
	Brokers []string
	// GroupID is the consumer group shared by topic subscribers.
	GroupID string
	// TopicPrefix namespaces all topics created by this deployment.
	TopicPrefix string
}

// DefaultConfig provides defaults for a local single-broker setup.
//
//nolint:gochecknoglobals // Package-level default configuration
var DefaultConfig = Config{
	Brokers:     []string{"localhost:9092"},
	GroupID:     "agentrelay",
	TopicPrefix: "relay",
}

// Transport speaks the broker transport contract over Kafka. One writer per
// topic, one reader per subscription or inbox.
type Transport struct {
	cfg    Config
	logger *logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool
}

// New creates a Kafka transport. No connection is made until the first
// publish or subscribe.
func New(cfg Config) *Transport {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = DefaultConfig.Brokers
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultConfig.GroupID
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig.TopicPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		logger:  logx.NewLogger("kafkatransport"),
		ctx:     ctx,
		cancel:  cancel,
		writers: make(map[string]*kafka.Writer),
	}
}

// Publish writes data to the prefixed topic. An empty topic is a broadcast:
// the data lands on the broadcast topic, which every subscription consumes.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	writer, err := t.writer(t.topicName(topic))
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		return fmt.Errorf("failed to write to topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the prefixed topic in the shared consumer group. fn is
// invoked sequentially per subscription; messages are committed after fn
// returns, so a crash before commit re-delivers (at-least-once). Every
// subscription additionally consumes the broadcast topic in a group of its
// own, so empty-topic publishes reach all subscribers.
func (t *Transport) Subscribe(topic string, fn func(data []byte)) (broker.Subscription, error) {
	readers := make([]*kafka.Reader, 0, 2)

	if topic != "" {
		reader, err := t.reader(t.topicName(topic), t.cfg.GroupID)
		if err != nil {
			return nil, err
		}
		readers = append(readers, reader)
	}

	// A per-subscription group defeats Kafka's partition sharing, which is
	// exactly what broadcast needs.
	bcast, err := t.reader(t.topicName(""), t.cfg.GroupID+".broadcast."+uuid.NewString())
	if err != nil {
		return nil, err
	}
	readers = append(readers, bcast)

	for _, reader := range readers {
		go t.consume(reader, fn)
	}
	return &subscription{readers: readers}, nil
}

// Send writes data to the target agent's inbox topic, keyed by agent id so
// all messages for one agent land on one partition, preserving order.
func (t *Transport) Send(ctx context.Context, agentID string, data []byte) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	writer, err := t.writer(t.inboxTopic(agentID))
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(agentID),
		Value: data,
	}); err != nil {
		return fmt.Errorf("failed to send to agent %s: %w", agentID, err)
	}
	return nil
}

// Inbox consumes the agent's inbox topic into a channel. Each agent runs its
// own consumer group so inbox consumption is independent of topic
// subscriptions.
func (t *Transport) Inbox(agentID string) (<-chan []byte, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	reader, err := t.reader(t.inboxTopic(agentID), t.cfg.GroupID+"."+agentID)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		t.consume(reader, func(data []byte) {
			select {
			case out <- data:
			case <-t.ctx.Done():
			}
		})
	}()
	return out, nil
}

// consume runs the fetch/handle/commit loop until the transport closes.
func (t *Transport) consume(reader *kafka.Reader, fn func(data []byte)) {
	for {
		msg, err := reader.FetchMessage(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("failed to fetch from %s: %v", reader.Config().Topic, err)
			continue
		}

		fn(msg.Value)

		if err := reader.CommitMessages(t.ctx, msg); err != nil && t.ctx.Err() == nil {
			t.logger.Warn("failed to commit offset on %s: %v", reader.Config().Topic, err)
		}
	}
}

func (t *Transport) writer(topic string) (*kafka.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	if w, exists := t.writers[topic]; exists {
		return w, nil
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  t.cfg.Brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	t.writers[topic] = w
	return w, nil
}

func (t *Transport) reader(topic, groupID string) (*kafka.Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	t.readers = append(t.readers, r)
	return r, nil
}

func (t *Transport) topicName(topic string) string {
	if topic == "" {
		return t.cfg.TopicPrefix + ".broadcast"
	}
	return t.cfg.TopicPrefix + "." + topic
}

func (t *Transport) inboxTopic(agentID string) string {
	return t.cfg.TopicPrefix + ".agent." + agentID
}

type subscription struct {
	readers []*kafka.Reader
	once    sync.Once
}

// Unsubscribe closes the underlying readers, ending their consume loops.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		for _, reader := range s.readers {
			if closeErr := reader.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}

// Close stops all consumers and closes all writers and readers.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()

	var firstErr error
	for topic, w := range t.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
		delete(t.writers, topic)
	}
	for _, r := range t.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close reader: %w", err)
		}
	}
	t.readers = nil

	return firstErr
}
