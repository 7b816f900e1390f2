// Package runtime hosts the per-agent message loop: task dispatch under
// circuit breaker, retry policy, and tracing, event fan-out, and liveness
// signaling.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/logx"
	"agentrelay/pkg/metrics"
	"agentrelay/pkg/proto"
	"agentrelay/pkg/resilience/circuit"
	"agentrelay/pkg/resilience/retry"
	"agentrelay/pkg/trace"
)

// State is the agent loop's coarse execution state.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateExecuting   State = "executing"
)

// Handler executes one task and returns its result payload. Failures should
// be *HandlerError so kind and retryability travel back to the caller; any
// other error is treated as permanent.
type Handler func(ctx context.Context, task *proto.Message) (map[string]any, error)

// EventHandler consumes one broadcast event. Errors are logged, never
// propagated: one subscriber's failure must not block the others.
type EventHandler func(msg *proto.Message) error

// Config tunes the agent loop.
type Config struct {
	// HeartbeatInterval is how often the agent signals liveness. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// DrainTimeout bounds how long shutdown waits for queued tasks.
	DrainTimeout time.Duration
	// TaskQueueSize is the capacity of the internal task queue feeding the
	// task worker.
	TaskQueueSize int
}

// DefaultConfig provides production defaults.
//
//nolint:gochecknoglobals // Package-level default configuration
var DefaultConfig = Config{
	HeartbeatInterval: 10 * time.Second,
	DrainTimeout:      30 * time.Second,
	TaskQueueSize:     100,
}

// Deps are the collaborators every agent needs. Breakers, Retry, Tracer, and
// Recorder may be nil; the agent then runs without that protection.
type Deps struct {
	Broker   *broker.Broker
	Breakers *circuit.Registry
	Retry    *retry.Policy
	Tracer   *trace.Tracer
	Recorder metrics.Recorder
}

// Agent owns one message loop. Tasks execute sequentially on a dedicated
// worker so per-agent processing preserves broker delivery order, while the
// main loop keeps resolving replies for this agent's own SendTask calls.
type Agent struct {
	id     string
	cfg    Config
	deps   Deps
	logger *logx.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	state    State
	running  bool

	taskCh chan *proto.Message
	subs   []broker.Subscription
}

// New creates an agent with the given id.
func New(id string, cfg Config, deps Deps) *Agent {
	if cfg.TaskQueueSize <= 0 {
		cfg.TaskQueueSize = DefaultConfig.TaskQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig.DrainTimeout
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop()
	}
	return &Agent{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		logger:   logx.NewLogger("agent-" + id),
		handlers: make(map[string]Handler),
		state:    StateIdle,
		taskCh:   make(chan *proto.Message, cfg.TaskQueueSize),
	}
}

// ID returns the agent id.
func (a *Agent) ID() string {
	return a.id
}

// State returns the loop's current execution state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// RegisterHandler binds fn to a task type. Duplicate registration for the
// same type fails with *ConfigurationError.
func (a *Agent) RegisterHandler(taskType string, fn Handler) error {
	if taskType == "" {
		return &ConfigurationError{AgentID: a.id, Reason: "task type is required"}
	}
	if fn == nil {
		return &ConfigurationError{AgentID: a.id, Reason: fmt.Sprintf("nil handler for task type %q", taskType)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.handlers[taskType]; exists {
		return &ConfigurationError{AgentID: a.id, Reason: fmt.Sprintf("handler already registered for task type %q", taskType)}
	}
	a.handlers[taskType] = fn
	return nil
}

// SubscribeEvents registers fn for a topic. The wrapper isolates failures:
// panics are recovered and errors logged, so one subscriber never blocks the
// rest of the fan-out.
func (a *Agent) SubscribeEvents(topic string, fn EventHandler) error {
	sub, err := a.deps.Broker.Subscribe(topic, func(msg *proto.Message) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("event handler for topic %s panicked on %s: %v", topic, msg.ID, r)
			}
		}()
		if err := fn(msg); err != nil {
			a.logger.Warn("event handler for topic %s failed on %s: %v", topic, msg.ID, err)
		}
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return nil
}

// SendTask forwards to the broker with this agent as sender context. Exposed
// so handlers can delegate work to other agents mid-task.
func (a *Agent) SendTask(ctx context.Context, task *proto.Message, timeout time.Duration) (*proto.Message, error) {
	return a.deps.Broker.SendTask(ctx, task, timeout)
}

// Run drives the message loop until ctx is canceled, then drains queued
// tasks within the configured timeout. Returns when drained, when the drain
// deadline passes, or when the transport closes.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return &ConfigurationError{AgentID: a.id, Reason: "already running"}
	}
	a.running = true
	a.mu.Unlock()

	inbox, err := a.deps.Broker.Inbox(a.id)
	if err != nil {
		return fmt.Errorf("agent %s failed to open inbox: %w", a.id, err)
	}

	// The worker gets its own context: canceling the run context starts
	// the drain, it must not abort tasks already queued.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for task := range a.taskCh {
			a.executeTask(workerCtx, task)
		}
	}()

	if a.cfg.HeartbeatInterval > 0 {
		go a.heartbeatLoop(ctx)
	}

	a.logger.Info("agent %s running", a.id)

	for {
		select {
		case <-ctx.Done():
			return a.drain(workerDone, workerCancel)
		case msg, open := <-inbox:
			if !open {
				a.logger.Info("agent %s inbox closed", a.id)
				close(a.taskCh)
				<-workerDone
				a.finish()
				return nil
			}
			a.dispatch(ctx, msg)
		}
	}
}

// dispatch routes one inbound message. Replies resolve the broker's pending
// SendTask waiters inline so a handler blocked in SendTask gets its answer
// even while the task worker is busy.
func (a *Agent) dispatch(ctx context.Context, msg *proto.Message) {
	a.setState(StateDispatching)
	defer a.setState(StateIdle)

	switch msg.Type {
	case proto.MsgTypeTASK:
		select {
		case a.taskCh <- msg:
			a.deps.Recorder.SetQueueDepth("tasks."+a.id, len(a.taskCh))
		case <-ctx.Done():
		}
	case proto.MsgTypeRESPONSE, proto.MsgTypeERROR:
		a.deps.Broker.Resolve(msg)
	case proto.MsgTypeHEARTBEAT:
		// Liveness is tracked by the registry on the heartbeat topic; a
		// point-to-point heartbeat needs no reply either.
	case proto.MsgTypeSYSTEM:
		a.logger.Info("agent %s received system message %s", a.id, msg.ID)
	default:
		a.logger.Warn("agent %s dropping unexpected %s message %s", a.id, msg.Type, msg.ID)
	}
}

// executeTask runs one task under span, breaker, and retry, then emits the
// Response or Error. Handler panics are recovered into Error messages; the
// loop never crashes.
func (a *Agent) executeTask(ctx context.Context, task *proto.Message) {
	a.setState(StateExecuting)
	defer a.setState(StateIdle)

	start := time.Now()
	result, err := a.runHandler(ctx, task)
	duration := time.Since(start)

	if err != nil {
		kind, message, retryable := classifyFailure(err)
		a.deps.Recorder.ObserveTask(a.id, task.TaskType, "error", kind, duration)

		errMsg, buildErr := proto.NewError(task, kind, message, retryable)
		if buildErr != nil {
			a.logger.Error("agent %s could not build error reply for task %s: %v", a.id, task.ID, buildErr)
			return
		}
		if sendErr := a.deps.Broker.Send(ctx, errMsg); sendErr != nil {
			a.logger.Error("agent %s could not deliver error reply for task %s: %v", a.id, task.ID, sendErr)
		}
		return
	}

	a.deps.Recorder.ObserveTask(a.id, task.TaskType, "success", "", duration)

	resp, buildErr := proto.NewResponse(task, result)
	if buildErr != nil {
		a.logger.Error("agent %s could not build response for task %s: %v", a.id, task.ID, buildErr)
		return
	}
	if sendErr := a.deps.Broker.Send(ctx, resp); sendErr != nil {
		a.logger.Error("agent %s could not deliver response for task %s: %v", a.id, task.ID, sendErr)
	}
}

// runHandler wraps the handler invocation in span, breaker, and retry. The
// breaker is keyed per task type so one failing dependency trips only its own
// circuit.
func (a *Agent) runHandler(ctx context.Context, task *proto.Message) (map[string]any, error) {
	a.mu.RLock()
	handler, exists := a.handlers[task.TaskType]
	a.mu.RUnlock()

	if !exists {
		return nil, &HandlerError{
			Kind:    "unknown_task_type",
			Message: fmt.Sprintf("agent %s has no handler for task type %q", a.id, task.TaskType),
		}
	}

	var result map[string]any
	invoke := func(ctx context.Context) error {
		var err error
		result, err = a.safeInvoke(ctx, handler, task)
		return err
	}

	if a.deps.Breakers != nil {
		breaker := a.deps.Breakers.Get(task.TaskType)
		inner := invoke
		invoke = func(ctx context.Context) error {
			return breaker.Execute(ctx, inner)
		}
	}

	run := func(ctx context.Context) error {
		if a.deps.Retry != nil {
			return a.deps.Retry.Execute(ctx, a.id+"."+task.TaskType, invoke)
		}
		return invoke(ctx)
	}

	var err error
	if a.deps.Tracer != nil {
		err = a.deps.Tracer.WithSpan(ctx, "handle_task."+task.TaskType, task.Trace,
			map[string]any{"agent_id": a.id, "task_id": task.ID},
			func(ctx context.Context, span *trace.Span) error {
				return run(ctx)
			})
	} else {
		err = run(ctx)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// safeInvoke converts handler panics into permanent handler errors.
func (a *Agent) safeInvoke(ctx context.Context, handler Handler, task *proto.Message) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent %s handler panicked on task %s: %v", a.id, task.ID, r)
			err = &HandlerError{
				Kind:    "handler_panic",
				Message: fmt.Sprintf("handler for %q panicked: %v", task.TaskType, r),
			}
		}
	}()
	return handler(ctx, task)
}

// classifyFailure extracts the error kind and retryability advice carried
// back to the calling agent. Retry exhaustion is unwrapped to the root cause.
func classifyFailure(err error) (kind, message string, retryable bool) {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Last
	}

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr.Kind, handlerErr.Message, handlerErr.Transient
	}

	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return "circuit_open", circuitErr.Error(), true
	}

	var retryableErr retry.Retryable
	if errors.As(err, &retryableErr) {
		return "internal", err.Error(), retryableErr.Retryable()
	}

	return "internal", err.Error(), false
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, err := proto.NewHeartbeat(a.id)
			if err != nil {
				continue
			}
			hb.SetPayload(proto.KeyLoad, len(a.taskCh))
			a.deps.Broker.SendHeartbeat(ctx, hb)
		}
	}
}

// drain stops intake, lets the worker finish queued tasks within the drain
// timeout, then releases subscriptions.
func (a *Agent) drain(workerDone chan struct{}, workerCancel context.CancelFunc) error {
	queued := len(a.taskCh)
	a.logger.Info("agent %s shutting down, draining %d queued tasks", a.id, queued)
	close(a.taskCh)

	var err error
	select {
	case <-workerDone:
	case <-time.After(a.cfg.DrainTimeout):
		workerCancel()
		err = fmt.Errorf("agent %s drain timed out after %v", a.id, a.cfg.DrainTimeout)
	}

	a.finish()
	a.logger.Info("agent %s stopped", a.id)
	return err
}

// finish releases subscriptions and clears the running flag.
func (a *Agent) finish() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.running = false
	a.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("agent %s failed to unsubscribe: %v", a.id, err)
		}
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
