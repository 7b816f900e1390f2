// Package broker routes messages between agents over a pluggable transport:
// topic pub/sub for events and correlated request/reply for tasks.
package broker

import (
	"context"
	"sync"
	"time"

	"agentrelay/pkg/eventlog"
	"agentrelay/pkg/logx"
	"agentrelay/pkg/metrics"
	"agentrelay/pkg/proto"
)

// HeartbeatTopic carries all agent liveness signals. The liveness registry
// subscribes here.
const HeartbeatTopic = "heartbeats"

// Broker sits on top of a Transport and speaks proto.Message. It owns the
// correlation table for SendTask and mirrors routed messages to the event log.
type Broker struct {
	transport Transport
	eventLog  *eventlog.Writer
	recorder  metrics.Recorder
	logger    *logx.Logger

	mu      sync.Mutex
	pending map[string]chan *proto.Message

	// Sustained high utilization tracking for queue monitoring.
	highUtilizationStart map[string]time.Time
}

// New creates a broker over the given transport. eventLog may be nil to
// disable message logging; recorder may be nil for no metrics.
func New(transport Transport, eventLog *eventlog.Writer, recorder metrics.Recorder) *Broker {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Broker{
		transport:            transport,
		eventLog:             eventLog,
		recorder:             recorder,
		logger:               logx.NewLogger("broker"),
		pending:              make(map[string]chan *proto.Message),
		highUtilizationStart: make(map[string]time.Time),
	}
}

// Publish delivers an EVENT to all subscribers of its topic, at-least-once;
// an event without a topic is broadcast to every subscriber. Consumers must
// be idempotent per message id.
func (b *Broker) Publish(ctx context.Context, event *proto.Message) error {
	if event.Type != proto.MsgTypeEVENT {
		return &proto.ValidationError{Field: "type", Reason: "publish accepts EVENT messages only"}
	}
	if err := event.Validate(); err != nil {
		return err
	}

	data, err := event.ToJSON()
	if err != nil {
		return err
	}

	b.logMessage(event)
	if err := b.transport.Publish(ctx, event.Topic, data); err != nil {
		return &UnavailableError{Op: "publish", Err: err}
	}
	b.recorder.IncMessage(string(event.Type), event.Topic)
	return nil
}

// Subscribe registers a handler for a topic. Undecodable payloads are logged
// and skipped, never delivered.
func (b *Broker) Subscribe(topic string, handler func(*proto.Message)) (Subscription, error) {
	sub, err := b.transport.Subscribe(topic, func(data []byte) {
		msg, err := proto.FromJSON(data)
		if err != nil {
			b.logger.Warn("dropping undecodable message on topic %s: %v", topic, err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, &UnavailableError{Op: "subscribe", Err: err}
	}
	return sub, nil
}

// Send delivers a message to its target agent's inbound queue.
func (b *Broker) Send(ctx context.Context, msg *proto.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	data, err := msg.ToJSON()
	if err != nil {
		return err
	}

	b.logMessage(msg)
	if err := b.transport.Send(ctx, msg.ToAgent, data); err != nil {
		return &UnavailableError{Op: "send", Err: err}
	}
	b.recorder.IncMessage(string(msg.Type), msg.Topic)
	return nil
}

// SendTask delivers a TASK to the target agent and blocks until a correlated
// RESPONSE or ERROR arrives, the timeout expires (*TimeoutError), or ctx is
// canceled. A timeout is never retried here; retrying is the caller's call.
func (b *Broker) SendTask(ctx context.Context, task *proto.Message, timeout time.Duration) (*proto.Message, error) {
	if task.Type != proto.MsgTypeTASK {
		return nil, &proto.ValidationError{Field: "type", Reason: "send_task accepts TASK messages only"}
	}

	replyCh := make(chan *proto.Message, 1)
	b.mu.Lock()
	b.pending[task.ID] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, task.ID)
		b.mu.Unlock()
	}()

	start := time.Now()
	if err := b.Send(ctx, task); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		b.recorder.ObserveDispatch(string(reply.Type), time.Since(start))
		return reply, nil
	case <-timer.C:
		return nil, &TimeoutError{Target: task.ToAgent, CorrelationID: task.ID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendHeartbeat publishes a liveness signal on the heartbeat topic.
// Fire-and-forget: transport failures are logged, not returned, so liveness
// signaling never disturbs the sender's loop.
func (b *Broker) SendHeartbeat(ctx context.Context, hb *proto.Message) {
	if hb.Type != proto.MsgTypeHEARTBEAT {
		b.logger.Warn("dropping non-heartbeat message %s passed to SendHeartbeat", hb.ID)
		return
	}

	data, err := hb.ToJSON()
	if err != nil {
		b.logger.Warn("failed to serialize heartbeat from %s: %v", hb.FromAgent, err)
		return
	}

	b.logMessage(hb)
	if err := b.transport.Publish(ctx, HeartbeatTopic, data); err != nil {
		b.logger.Warn("heartbeat from %s not delivered: %v", hb.FromAgent, err)
		return
	}
	b.recorder.IncMessage(string(hb.Type), HeartbeatTopic)
}

// Resolve hands a RESPONSE or ERROR to the SendTask waiter blocked on its
// correlation id. Returns false when no waiter exists (late reply after
// timeout); such replies are dropped.
func (b *Broker) Resolve(msg *proto.Message) bool {
	if msg.Type != proto.MsgTypeRESPONSE && msg.Type != proto.MsgTypeERROR {
		return false
	}

	b.mu.Lock()
	replyCh, exists := b.pending[msg.CorrelationID]
	if exists {
		delete(b.pending, msg.CorrelationID)
	}
	b.mu.Unlock()

	if !exists {
		b.logger.Debug("no waiter for correlation %s, dropping late %s", msg.CorrelationID, msg.Type)
		return false
	}

	replyCh <- msg
	return true
}

// Inbox returns the decoded inbound stream for an agent. The channel closes
// when the transport closes.
func (b *Broker) Inbox(agentID string) (<-chan *proto.Message, error) {
	raw, err := b.transport.Inbox(agentID)
	if err != nil {
		return nil, &UnavailableError{Op: "inbox", Err: err}
	}

	out := make(chan *proto.Message)
	go func() {
		defer close(out)
		for data := range raw {
			msg, err := proto.FromJSON(data)
			if err != nil {
				b.logger.Warn("dropping undecodable inbound message for %s: %v", agentID, err)
				continue
			}
			out <- msg
		}
	}()
	return out, nil
}

// MonitorQueues periodically samples transport queue depths, exports them as
// gauges, and warns when a queue stays above 80% capacity for more than the
// sustain window. Blocks until ctx is canceled.
func (b *Broker) MonitorQueues(ctx context.Context, interval, sustain time.Duration) {
	statser, ok := b.transport.(QueueStatser)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, stat := range statser.QueueStats() {
				b.recorder.SetQueueDepth(name, stat.Depth)
				b.checkUtilization(name, stat, sustain)
			}
		}
	}
}

func (b *Broker) checkUtilization(name string, stat QueueStat, sustain time.Duration) {
	if stat.Capacity == 0 {
		return
	}
	utilization := float64(stat.Depth) / float64(stat.Capacity)

	b.mu.Lock()
	defer b.mu.Unlock()

	if utilization > 0.8 {
		since, tracking := b.highUtilizationStart[name]
		if !tracking {
			b.highUtilizationStart[name] = time.Now()
			return
		}
		if d := time.Since(since); d > sustain {
			b.logger.Warn("sustained high utilization on queue %s: %.0f%% for %v (capacity %d)",
				name, utilization*100, d, stat.Capacity)
		}
	} else if _, tracking := b.highUtilizationStart[name]; tracking {
		delete(b.highUtilizationStart, name)
	}
}

// Close tears down the transport. Pending SendTask waiters will time out.
func (b *Broker) Close() error {
	return b.transport.Close()
}

func (b *Broker) logMessage(msg *proto.Message) {
	if b.eventLog == nil {
		return
	}
	if err := b.eventLog.WriteMessage(msg); err != nil {
		b.logger.Warn("failed to log message %s: %v", msg.ID, err)
	}
}
