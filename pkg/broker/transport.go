package broker

import (
	"context"
)

// Subscription is a live topic subscription. Unsubscribe releases it; after
// return no further callbacks are delivered.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the wire-level collaborator beneath the broker: topic pub/sub
// plus point-to-point delivery keyed by agent id. Implementations must be
// safe for concurrent use.
type Transport interface {
	// Publish delivers data to every subscriber of topic, at-least-once.
	// An empty topic is a broadcast: delivery to every subscriber
	// regardless of the topic it subscribed to.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers fn for topic. fn is invoked sequentially per
	// subscription, preserving publish order.
	Subscribe(topic string, fn func(data []byte)) (Subscription, error)

	// Send enqueues data on the target agent's inbound queue.
	Send(ctx context.Context, agentID string, data []byte) error

	// Inbox returns the receive stream for an agent's inbound queue. The
	// channel is closed when the transport closes.
	Inbox(agentID string) (<-chan []byte, error)

	// Close tears down all queues and subscriptions.
	Close() error
}

// QueueStatser is an optional Transport extension exposing per-queue depth
// and capacity for monitoring.
type QueueStatser interface {
	QueueStats() map[string]QueueStat
}

// QueueStat is a point-in-time reading of one internal queue.
type QueueStat struct {
	Depth    int
	Capacity int
}
