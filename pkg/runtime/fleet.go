package runtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"agentrelay/pkg/logx"
)

// Fleet supervises a set of agents as one unit: all loops start together and
// one agent's fatal exit stops the rest. Handler failures never reach this
// level; they are converted to Error messages inside each loop, so a fleet
// member dying means infrastructure trouble, not business-logic trouble.
type Fleet struct {
	logger *logx.Logger
	agents []*Agent
}

// NewFleet creates an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{logger: logx.NewLogger("fleet")}
}

// Add registers an agent. Duplicate ids fail with *ConfigurationError.
func (f *Fleet) Add(agent *Agent) error {
	for _, existing := range f.agents {
		if existing.ID() == agent.ID() {
			return &ConfigurationError{AgentID: agent.ID(), Reason: "duplicate agent id in fleet"}
		}
	}
	f.agents = append(f.agents, agent)
	return nil
}

// Agents returns the registered agents.
func (f *Fleet) Agents() []*Agent {
	return f.agents
}

// Run starts every agent loop and blocks until ctx cancels and all loops have
// drained, or until one loop fails. The first failure cancels the rest.
func (f *Fleet) Run(ctx context.Context) error {
	if len(f.agents) == 0 {
		return fmt.Errorf("fleet has no agents")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, agent := range f.agents {
		group.Go(func() error {
			if err := agent.Run(groupCtx); err != nil {
				return fmt.Errorf("agent %s exited: %w", agent.ID(), err)
			}
			return nil
		})
	}

	f.logger.Info("fleet running with %d agents", len(f.agents))
	return group.Wait()
}
