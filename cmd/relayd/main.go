// Command relayd runs an agent relay fleet: it loads the YAML config, wires
// the transport, broker, resilience, and tracing stack, then supervises the
// configured agents until the process is signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/broker/kafkatransport"
	"agentrelay/pkg/broker/memtransport"
	"agentrelay/pkg/config"
	"agentrelay/pkg/eventlog"
	"agentrelay/pkg/healthserver"
	"agentrelay/pkg/logx"
	"agentrelay/pkg/metrics"
	"agentrelay/pkg/proto"
	"agentrelay/pkg/resilience/circuit"
	"agentrelay/pkg/resilience/retry"
	"agentrelay/pkg/runtime"
	"agentrelay/pkg/trace"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "relay.yaml", "Path to configuration file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("relayd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *debug {
		logx.SetDebug(true, nil)
	}

	os.Exit(run(*configPath))
}

// run contains the main application logic and returns an exit code, so
// defers execute before os.Exit.
func run(configPath string) int {
	logger := logx.NewLogger("relayd")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build transport: %v\n", err)
		return 1
	}

	eventLog, err := eventlog.NewWriter(cfg.EventLogDir, "events")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 1
	}
	defer eventLog.Close()

	recorder := metrics.NewPrometheusRecorder()
	relayBroker := broker.New(transport, eventLog, recorder)
	defer relayBroker.Close()

	tracer, tracerCleanup, err := buildTracer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build tracer: %v\n", err)
		return 1
	}
	defer tracerCleanup()

	breakers := circuit.NewRegistry(cfg.CircuitConfig(), func(name string, from, to circuit.State) {
		recorder.RecordBreakerTransition(name, from.String(), to.String())
		logger.Info("breaker %s: %s -> %s", name, from, to)
	})

	policy := retry.NewPolicy(cfg.RetryConfig(), nil)
	policy.Observer = &retryMetrics{recorder: recorder}

	liveness := runtime.NewLivenessRegistry(cfg.StaleAfter)
	livenessSub, err := liveness.Watch(relayBroker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to watch heartbeats: %v\n", err)
		return 1
	}
	defer livenessSub.Unsubscribe()

	fleet := runtime.NewFleet()
	for _, agentCfg := range cfg.Agents {
		agent := runtime.New(agentCfg.ID, runtime.Config{
			HeartbeatInterval: agentCfg.HeartbeatInterval,
			DrainTimeout:      agentCfg.DrainTimeout,
			TaskQueueSize:     agentCfg.TaskQueueSize,
		}, runtime.Deps{
			Broker:   relayBroker,
			Breakers: breakers,
			Retry:    policy,
			Tracer:   tracer,
			Recorder: recorder,
		})

		// Built-in liveness probe so every agent answers pings out of
		// the box; business handlers register on top of this.
		if err := agent.RegisterHandler("ping", pingHandler(agentCfg.ID)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register ping handler: %v\n", err)
			return 1
		}

		if err := fleet.Add(agent); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to add agent %s: %v\n", agentCfg.ID, err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Health.Enabled {
		health := healthserver.New(version, liveness)
		health.Breakers = breakers
		if statser, ok := transport.(broker.QueueStatser); ok {
			health.Queues = statser
		}
		if err := health.Start(ctx, cfg.Health.Host, cfg.Health.Port); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start health server: %v\n", err)
			return 1
		}
	}

	go relayBroker.MonitorQueues(ctx, 5*time.Second, 30*time.Second)

	logger.Info("relayd %s starting with %d agents on %s transport", version, len(cfg.Agents), cfg.Broker.Driver)

	if err := fleet.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fleet stopped with error: %v", err)
		return 1
	}

	logger.Info("relayd stopped")
	return 0
}

func buildTransport(cfg *config.Config) (broker.Transport, error) {
	switch cfg.Broker.Driver {
	case config.DriverMemory:
		return memtransport.New(memtransport.Config{
			InboxBuffer: cfg.Broker.InboxBuffer,
			TopicBuffer: cfg.Broker.TopicBuffer,
		}), nil
	case config.DriverKafka:
		return kafkatransport.New(kafkatransport.Config{
			Brokers:     cfg.Broker.Kafka.Brokers,
			GroupID:     cfg.Broker.Kafka.GroupID,
			TopicPrefix: cfg.Broker.Kafka.TopicPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

func buildTracer(cfg *config.Config) (*trace.Tracer, func(), error) {
	switch cfg.Tracing.Exporter {
	case "file":
		exporter, err := trace.NewFileExporter(cfg.Tracing.Dir)
		if err != nil {
			return nil, nil, err
		}
		return trace.NewTracer(cfg.Tracing.SampleRate, exporter), func() { exporter.Close() }, nil
	case "sqlite":
		store, err := trace.NewSQLiteStore(cfg.Tracing.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return trace.NewTracer(cfg.Tracing.SampleRate, store), func() { store.Close() }, nil
	default:
		exporter := trace.NewLogExporter(nil)
		return trace.NewTracer(cfg.Tracing.SampleRate, exporter), func() {}, nil
	}
}

func pingHandler(agentID string) runtime.Handler {
	return func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		return map[string]any{"agent": agentID, "pong": true}, nil
	}
}

// retryMetrics exports retry activity through the metrics recorder.
type retryMetrics struct {
	recorder metrics.Recorder
}

func (m *retryMetrics) OnRetry(op string, attempt int, delay time.Duration, err error) {
	m.recorder.IncRetry(op)
}

func (m *retryMetrics) OnExhausted(op string, attempts int, err error) {
	m.recorder.IncRetryExhausted(op)
}
