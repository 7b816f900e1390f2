package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
agents:
  - id: email-agent
    heartbeat_interval: 5s
    task_queue_size: 50
  - id: crm-agent
broker:
  driver: kafka
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    group_id: marketing
    topic_prefix: mkt
resilience:
  circuit:
    failure_threshold: 3
    success_threshold: 2
    timeout: 10s
  retry:
    max_retries: 2
    initial_delay: 100ms
    backoff_factor: 2.0
tracing:
  sample_rate: 0.25
  exporter: sqlite
  db_path: spans.db
event_log_dir: /var/log/relay
stale_after: 45s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 2)
	require.Equal(t, "email-agent", cfg.Agents[0].ID)
	require.Equal(t, 5*time.Second, cfg.Agents[0].HeartbeatInterval)
	require.Equal(t, 50, cfg.Agents[0].TaskQueueSize)

	require.Equal(t, DriverKafka, cfg.Broker.Driver)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Kafka.Brokers)

	require.Equal(t, 3, cfg.CircuitConfig().FailureThreshold)
	require.Equal(t, 10*time.Second, cfg.CircuitConfig().Timeout)
	require.Equal(t, 2, cfg.RetryConfig().MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.RetryConfig().InitialDelay)
	// Unset retry fields keep the package defaults.
	require.Equal(t, 10*time.Second, cfg.RetryConfig().MaxDelay)

	require.Equal(t, 0.25, cfg.Tracing.SampleRate)
	require.Equal(t, "sqlite", cfg.Tracing.Exporter)
	require.Equal(t, 45*time.Second, cfg.StaleAfter)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agents:
  - id: email-agent
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, DriverMemory, cfg.Broker.Driver)
	require.Equal(t, 100, cfg.Broker.InboxBuffer)
	require.Equal(t, 5, cfg.CircuitConfig().FailureThreshold)
	require.Equal(t, 3, cfg.RetryConfig().MaxRetries)
	require.Equal(t, 1.0, cfg.Tracing.SampleRate)
	require.Equal(t, "log", cfg.Tracing.Exporter)
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("RELAY_KAFKA_BROKER", "kafka-prod:9092")

	path := writeConfig(t, `
agents:
  - id: email-agent
broker:
  driver: kafka
  kafka:
    brokers: ["${RELAY_KAFKA_BROKER}"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"kafka-prod:9092"}, cfg.Broker.Kafka.Brokers)
}

func TestLoadEnvSubstitutionUnsetKeepsPlaceholder(t *testing.T) {
	path := writeConfig(t, `
agents:
  - id: "${RELAY_UNSET_AGENT_ID}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "${RELAY_UNSET_AGENT_ID}", cfg.Agents[0].ID)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no agents", `broker: {driver: memory}`},
		{"duplicate agent ids", "agents:\n  - id: a\n  - id: a\n"},
		{"unknown driver", "agents:\n  - id: a\nbroker:\n  driver: rabbitmq\n"},
		{"kafka without brokers", "agents:\n  - id: a\nbroker:\n  driver: kafka\n"},
		{"sample rate out of range", "agents:\n  - id: a\ntracing:\n  sample_rate: 1.5\n"},
		{"unknown exporter", "agents:\n  - id: a\ntracing:\n  exporter: jaeger\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
