// Package config provides configuration loading and validation for the relay
// daemon: agent fleet, broker transport, resilience defaults, tracing, and
// observability settings. Config files are YAML with environment variable
// substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"agentrelay/pkg/resilience/circuit"
	"agentrelay/pkg/resilience/retry"
)

// Broker driver names.
const (
	DriverMemory = "memory"
	DriverKafka  = "kafka"
)

// AgentConfig declares one agent in the fleet.
type AgentConfig struct {
	ID                string        `yaml:"id"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	TaskQueueSize     int           `yaml:"task_queue_size"`
}

// KafkaConfig holds Kafka transport settings.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	GroupID     string   `yaml:"group_id"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// BrokerConfig selects and tunes the message transport.
type BrokerConfig struct {
	// Driver is "memory" or "kafka".
	Driver      string      `yaml:"driver"`
	InboxBuffer int         `yaml:"inbox_buffer"`
	TopicBuffer int         `yaml:"topic_buffer"`
	Kafka       KafkaConfig `yaml:"kafka"`
}

// CircuitConfig mirrors circuit.Config for YAML binding.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig mirrors retry.Config for YAML binding.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterRange   time.Duration `yaml:"jitter_range"`
}

// ResilienceConfig groups the failure-handling defaults shared by all agents.
type ResilienceConfig struct {
	Circuit CircuitConfig `yaml:"circuit"`
	Retry   RetryConfig   `yaml:"retry"`
}

// TracingConfig tunes span sampling and export.
type TracingConfig struct {
	// SampleRate in [0,1]; 0 disables export while keeping trace ids.
	SampleRate float64 `yaml:"sample_rate"`
	// Exporter is "log", "file", or "sqlite".
	Exporter string `yaml:"exporter"`
	// Dir holds span JSONL files for the file exporter.
	Dir string `yaml:"dir"`
	// DBPath is the span database for the sqlite exporter.
	DBPath string `yaml:"db_path"`
}

// HealthConfig tunes the HTTP health/metrics endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Config is the full relay daemon configuration.
type Config struct {
	Agents      []AgentConfig    `yaml:"agents"`
	Broker      BrokerConfig     `yaml:"broker"`
	Resilience  ResilienceConfig `yaml:"resilience"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Health      HealthConfig     `yaml:"health"`
	EventLogDir string           `yaml:"event_log_dir"`
	// StaleAfter is the liveness registry's heartbeat silence window.
	StaleAfter time.Duration `yaml:"stale_after"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and validates a YAML config file. ${VAR} placeholders are
// replaced from the environment; unset variables are left as-is.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the baseline configuration that Load overlays the file
// onto.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Driver:      DriverMemory,
			InboxBuffer: 100,
			TopicBuffer: 10,
		},
		Resilience: ResilienceConfig{
			Circuit: CircuitConfig{
				FailureThreshold: circuit.DefaultConfig.FailureThreshold,
				SuccessThreshold: circuit.DefaultConfig.SuccessThreshold,
				Timeout:          circuit.DefaultConfig.Timeout,
			},
			Retry: RetryConfig{
				MaxRetries:    retry.DefaultConfig.MaxRetries,
				InitialDelay:  retry.DefaultConfig.InitialDelay,
				MaxDelay:      retry.DefaultConfig.MaxDelay,
				BackoffFactor: retry.DefaultConfig.BackoffFactor,
				JitterRange:   retry.DefaultConfig.JitterRange,
			},
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
			Exporter:   "log",
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		EventLogDir: "logs",
		StaleAfter:  30 * time.Second,
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent id is required")
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
	}

	switch c.Broker.Driver {
	case DriverMemory:
	case DriverKafka:
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka driver requires at least one broker address")
		}
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be in [0,1], got %v", c.Tracing.SampleRate)
	}
	switch c.Tracing.Exporter {
	case "log", "file", "sqlite", "":
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}

	return nil
}

// CircuitConfig converts to the circuit package's config type.
func (c *Config) CircuitConfig() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.Resilience.Circuit.FailureThreshold,
		SuccessThreshold: c.Resilience.Circuit.SuccessThreshold,
		Timeout:          c.Resilience.Circuit.Timeout,
	}
}

// RetryConfig converts to the retry package's config type.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:    c.Resilience.Retry.MaxRetries,
		InitialDelay:  c.Resilience.Retry.InitialDelay,
		MaxDelay:      c.Resilience.Retry.MaxDelay,
		BackoffFactor: c.Resilience.Retry.BackoffFactor,
		JitterRange:   c.Resilience.Retry.JitterRange,
	}
}
