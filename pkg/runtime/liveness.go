package runtime

import (
	"sync"
	"time"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/logx"
	"agentrelay/pkg/proto"
)

// AgentHealth is one agent's last observed liveness state.
type AgentHealth struct {
	AgentID       string    `json:"agent_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Load          int       `json:"load"`
}

// LivenessRegistry tracks agent heartbeats. Agents that stop beating for
// longer than staleAfter are reported stale; no reply is ever sent for a
// heartbeat.
type LivenessRegistry struct {
	staleAfter time.Duration
	logger     *logx.Logger

	mu     sync.RWMutex
	agents map[string]*AgentHealth
}

// NewLivenessRegistry creates a registry that considers an agent stale after
// the given silence window.
func NewLivenessRegistry(staleAfter time.Duration) *LivenessRegistry {
	return &LivenessRegistry{
		staleAfter: staleAfter,
		logger:     logx.NewLogger("liveness"),
		agents:     make(map[string]*AgentHealth),
	}
}

// Watch subscribes the registry to the broker's heartbeat topic.
func (r *LivenessRegistry) Watch(b *broker.Broker) (broker.Subscription, error) {
	return b.Subscribe(broker.HeartbeatTopic, r.Observe)
}

// Observe records one heartbeat. Non-heartbeat messages are ignored.
func (r *LivenessRegistry) Observe(msg *proto.Message) {
	if msg.Type != proto.MsgTypeHEARTBEAT {
		return
	}

	load := 0
	if v, exists := msg.GetPayload(proto.KeyLoad); exists {
		switch n := v.(type) {
		case int:
			load = n
		case float64: // JSON numbers decode as float64
			load = int(n)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	health, exists := r.agents[msg.FromAgent]
	if !exists {
		health = &AgentHealth{AgentID: msg.FromAgent}
		r.agents[msg.FromAgent] = health
		r.logger.Info("agent %s joined", msg.FromAgent)
	}
	health.LastHeartbeat = msg.Timestamp
	health.Load = load
}

// Alive reports whether the agent has beaten within the stale window.
func (r *LivenessRegistry) Alive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health, exists := r.agents[agentID]
	if !exists {
		return false
	}
	return time.Since(health.LastHeartbeat) <= r.staleAfter
}

// Stale returns the ids of agents whose last heartbeat is older than the
// stale window.
func (r *LivenessRegistry) Stale() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, health := range r.agents {
		if time.Since(health.LastHeartbeat) > r.staleAfter {
			stale = append(stale, id)
		}
	}
	return stale
}

// Snapshot returns a copy of all known agent health records.
func (r *LivenessRegistry) Snapshot() []AgentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentHealth, 0, len(r.agents))
	for _, health := range r.agents {
		out = append(out, *health)
	}
	return out
}
