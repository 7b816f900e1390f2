package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/broker/memtransport"
	"agentrelay/pkg/proto"
	"agentrelay/pkg/resilience/circuit"
	"agentrelay/pkg/resilience/retry"
	"agentrelay/pkg/trace"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(memtransport.New(memtransport.DefaultConfig), nil, nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func instantPolicy(maxRetries int) *retry.Policy {
	policy := retry.NewPolicy(retry.Config{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}, nil)
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return policy
}

// startAgent runs the agent and returns a stop function that cancels the
// loop and waits for drain.
func startAgent(t *testing.T, a *Agent) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

// startReplyPump resolves correlated replies for a plain client that is not
// itself an agent.
func startReplyPump(t *testing.T, b *broker.Broker, clientID string) {
	t.Helper()
	inbox, err := b.Inbox(clientID)
	if err != nil {
		t.Fatalf("inbox failed: %v", err)
	}
	go func() {
		for msg := range inbox {
			b.Resolve(msg)
		}
	}()
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	a := New("email-agent", DefaultConfig, Deps{Broker: newTestBroker(t)})

	handler := func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		return nil, nil
	}

	if err := a.RegisterHandler("send_campaign", handler); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}

	var cerr *ConfigurationError
	if err := a.RegisterHandler("send_campaign", handler); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	if err := a.RegisterHandler("", handler); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for empty task type, got %v", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	a := New("email-agent", Config{TaskQueueSize: 10}, Deps{
		Broker: b,
		Tracer: trace.NewTracer(1.0, trace.NewMemoryExporter()),
	})
	err := a.RegisterHandler("send_campaign", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		campaign, _ := task.GetPayloadString("campaign")
		return map[string]any{"campaign": campaign, "sent": 250}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(t, a)

	task, err := proto.NewTask("client", "email-agent", "send_campaign", map[string]any{"campaign": "q3"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := b.SendTask(context.Background(), task, 2*time.Second)
	if err != nil {
		t.Fatalf("send_task failed: %v", err)
	}
	if reply.Type != proto.MsgTypeRESPONSE {
		t.Fatalf("reply type = %s, want RESPONSE", reply.Type)
	}
	if reply.CorrelationID != task.ID {
		t.Errorf("correlation id = %s, want %s", reply.CorrelationID, task.ID)
	}

	raw, exists := reply.GetPayload(proto.KeyResult)
	if !exists {
		t.Fatal("result payload missing")
	}
	result, ok := raw.(map[string]any)
	if !ok {
		t.Fatalf("result payload type %T", raw)
	}
	if result["campaign"] != "q3" {
		t.Errorf("campaign = %v", result["campaign"])
	}
}

func TestNonRetryableFailureEmitsSingleError(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	var invocations atomic.Int32
	a := New("email-agent", Config{TaskQueueSize: 10}, Deps{
		Broker: b,
		Retry:  instantPolicy(3),
	})
	err := a.RegisterHandler("send_campaign", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		invocations.Add(1)
		return nil, NewHandlerError("invalid_recipient", "recipient list is empty", false)
	})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(t, a)

	task, err := proto.NewTask("client", "email-agent", "send_campaign", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := b.SendTask(context.Background(), task, 2*time.Second)
	if err != nil {
		t.Fatalf("send_task failed: %v", err)
	}
	if reply.Type != proto.MsgTypeERROR {
		t.Fatalf("reply type = %s, want ERROR", reply.Type)
	}
	if kind, _ := reply.GetPayloadString(proto.KeyErrorKind); kind != "invalid_recipient" {
		t.Errorf("error kind = %q", kind)
	}
	if reply.Retryable() {
		t.Error("reply should carry retryable=false")
	}
	if n := invocations.Load(); n != 1 {
		t.Errorf("handler invoked %d times, want exactly 1 (no runtime retry)", n)
	}
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	var invocations atomic.Int32
	a := New("email-agent", Config{TaskQueueSize: 10}, Deps{
		Broker: b,
		Retry:  instantPolicy(3),
	})
	err := a.RegisterHandler("send_campaign", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		if invocations.Add(1) <= 2 {
			return nil, NewHandlerError("smtp_unavailable", "connection refused", true)
		}
		return map[string]any{"sent": 10}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(t, a)

	task, err := proto.NewTask("client", "email-agent", "send_campaign", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := b.SendTask(context.Background(), task, 2*time.Second)
	if err != nil {
		t.Fatalf("send_task failed: %v", err)
	}
	if reply.Type != proto.MsgTypeRESPONSE {
		t.Fatalf("reply type = %s, want RESPONSE", reply.Type)
	}
	if n := invocations.Load(); n != 3 {
		t.Errorf("handler invoked %d times, want 3", n)
	}
}

func TestHandlerPanicBecomesErrorMessage(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	a := New("email-agent", Config{TaskQueueSize: 10}, Deps{Broker: b})
	err := a.RegisterHandler("send_campaign", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		panic("template engine exploded")
	})
	if err != nil {
		t.Fatal(err)
	}
	err = a.RegisterHandler("noop", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		return map[string]any{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(t, a)

	task, err := proto.NewTask("client", "email-agent", "send_campaign", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := b.SendTask(context.Background(), task, 2*time.Second)
	if err != nil {
		t.Fatalf("send_task failed: %v", err)
	}
	if reply.Type != proto.MsgTypeERROR {
		t.Fatalf("reply type = %s, want ERROR", reply.Type)
	}
	if kind, _ := reply.GetPayloadString(proto.KeyErrorKind); kind != "handler_panic" {
		t.Errorf("error kind = %q", kind)
	}

	// The loop survived the panic.
	followUp, err := proto.NewTask("client", "email-agent", "noop", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err = b.SendTask(context.Background(), followUp, 2*time.Second)
	if err != nil {
		t.Fatalf("follow-up task failed: %v", err)
	}
	if reply.Type != proto.MsgTypeRESPONSE {
		t.Errorf("follow-up reply type = %s, want RESPONSE", reply.Type)
	}
}

func TestUnknownTaskType(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	a := New("email-agent", Config{TaskQueueSize: 10}, Deps{Broker: b})
	startAgent(t, a)

	task, err := proto.NewTask("client", "email-agent", "mystery_task", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := b.SendTask(context.Background(), task, 2*time.Second)
	if err != nil {
		t.Fatalf("send_task failed: %v", err)
	}
	if reply.Type != proto.MsgTypeERROR {
		t.Fatalf("reply type = %s, want ERROR", reply.Type)
	}
	if kind, _ := reply.GetPayloadString(proto.KeyErrorKind); kind != "unknown_task_type" {
		t.Errorf("error kind = %q", kind)
	}
}

func TestBreakerFailsFastAfterThreshold(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	var invocations atomic.Int32
	a := New("email-agent", Config{TaskQueueSize: 10}, Deps{
		Broker:   b,
		Breakers: circuit.NewRegistry(circuit.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}, nil),
	})
	err := a.RegisterHandler("send_campaign", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		invocations.Add(1)
		return nil, NewHandlerError("smtp_unavailable", "connection refused", true)
	})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(t, a)

	for i := 0; i < 3; i++ {
		task, err := proto.NewTask("client", "email-agent", "send_campaign", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		reply, err := b.SendTask(context.Background(), task, 2*time.Second)
		if err != nil {
			t.Fatalf("send_task %d failed: %v", i, err)
		}
		if reply.Type != proto.MsgTypeERROR {
			t.Fatalf("reply %d type = %s, want ERROR", i, reply.Type)
		}
	}

	// Third task was rejected by the open breaker without reaching the
	// handler.
	if n := invocations.Load(); n != 2 {
		t.Errorf("handler invoked %d times, want 2", n)
	}
}

func TestEventSubscriberIsolation(t *testing.T) {
	b := newTestBroker(t)

	a := New("crm-agent", Config{TaskQueueSize: 10}, Deps{Broker: b})

	var received atomic.Int32
	if err := a.SubscribeEvents("leads", func(msg *proto.Message) error {
		panic("bad subscriber")
	}); err != nil {
		t.Fatal(err)
	}
	if err := a.SubscribeEvents("leads", func(msg *proto.Message) error {
		received.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	event, err := proto.NewEvent("web-agent", "lead_created", nil, "leads")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for received.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("healthy subscriber starved by panicking one")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGracefulDrainCompletesQueuedTasks(t *testing.T) {
	b := newTestBroker(t)

	var processed atomic.Int32
	started := make(chan struct{}, 1)
	a := New("email-agent", Config{TaskQueueSize: 10, DrainTimeout: 5 * time.Second}, Deps{Broker: b})
	err := a.RegisterHandler("send_campaign", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		processed.Add(1)
		return map[string]any{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	for i := 0; i < 3; i++ {
		task, err := proto.NewTask("client", "email-agent", "send_campaign", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Send(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}

	// Wait until the worker picked up the first task so the rest are
	// queued, then trigger the drain.
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	if n := processed.Load(); n != 3 {
		t.Errorf("processed %d tasks, want all 3 drained", n)
	}
}

func TestFleetDuplicateID(t *testing.T) {
	b := newTestBroker(t)

	fleet := NewFleet()
	if err := fleet.Add(New("email-agent", DefaultConfig, Deps{Broker: b})); err != nil {
		t.Fatal(err)
	}

	var cerr *ConfigurationError
	if err := fleet.Add(New("email-agent", DefaultConfig, Deps{Broker: b})); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestFleetRunsAndStopsTogether(t *testing.T) {
	b := newTestBroker(t)
	startReplyPump(t, b, "client")

	fleet := NewFleet()
	for _, id := range []string{"email-agent", "crm-agent"} {
		a := New(id, Config{TaskQueueSize: 10}, Deps{Broker: b})
		err := a.RegisterHandler("ping", func(ctx context.Context, task *proto.Message) (map[string]any, error) {
			return map[string]any{"agent": a.ID()}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := fleet.Add(a); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fleet.Run(ctx) }()

	var wg sync.WaitGroup
	for _, target := range []string{"email-agent", "crm-agent"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			task, err := proto.NewTask("client", target, "ping", nil, nil)
			if err != nil {
				t.Error(err)
				return
			}
			reply, err := b.SendTask(context.Background(), task, 2*time.Second)
			if err != nil {
				t.Errorf("ping to %s failed: %v", target, err)
				return
			}
			if reply.Type != proto.MsgTypeRESPONSE {
				t.Errorf("ping to %s: reply type %s", target, reply.Type)
			}
		}(target)
	}
	wg.Wait()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fleet run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fleet did not stop")
	}
}
