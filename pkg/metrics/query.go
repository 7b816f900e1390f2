package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentMetrics represents aggregated task metrics for one agent.
type AgentMetrics struct {
	AgentID        string  `json:"agent_id"`
	TasksSucceeded int64   `json:"tasks_succeeded"`
	TasksFailed    int64   `json:"tasks_failed"`
	RetriesTotal   int64   `json:"retries_total"`
	AvgTaskSeconds float64 `json:"avg_task_seconds"`
}

// QueryService provides methods to query relay metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentMetrics retrieves aggregated task metrics for a specific agent,
// summed across all task types.
func (q *QueryService) GetAgentMetrics(ctx context.Context, agentID string) (*AgentMetrics, error) {
	metrics := &AgentMetrics{
		AgentID: agentID,
	}

	succeededQuery := fmt.Sprintf(`sum(relay_tasks_total{agent_id=%q, status="success"})`, agentID)
	succeeded, err := q.scalar(ctx, succeededQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query succeeded tasks: %w", err)
	}
	metrics.TasksSucceeded = int64(succeeded)

	failedQuery := fmt.Sprintf(`sum(relay_tasks_total{agent_id=%q, status="error"})`, agentID)
	failed, err := q.scalar(ctx, failedQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tasks: %w", err)
	}
	metrics.TasksFailed = int64(failed)

	retriesQuery := fmt.Sprintf(`sum(relay_retries_total{operation=~"%s.*"})`, agentID)
	retries, err := q.scalar(ctx, retriesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}
	metrics.RetriesTotal = int64(retries)

	avgQuery := fmt.Sprintf(
		`sum(relay_task_duration_seconds_sum{agent_id=%q}) / sum(relay_task_duration_seconds_count{agent_id=%q})`,
		agentID, agentID)
	avg, err := q.scalar(ctx, avgQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query task duration: %w", err)
	}
	metrics.AvgTaskSeconds = avg

	return metrics, nil
}

// GetBreakerTransitions returns transition counts per breaker name over the
// given window, keyed "name from->to".
func (q *QueryService) GetBreakerTransitions(ctx context.Context, window time.Duration) (map[string]int64, error) {
	query := fmt.Sprintf(`sum by (name, from, to) (increase(relay_breaker_transitions_total[%s]))`, model.Duration(window))
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker transitions: %w", err)
	}

	transitions := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			key := fmt.Sprintf("%s %s->%s", sample.Metric["name"], sample.Metric["from"], sample.Metric["to"])
			transitions[key] = int64(sample.Value)
		}
	}
	return transitions, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
