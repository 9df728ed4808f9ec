package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/natsbus"
)

// ProcessResponse is the envelope payload an agent host publishes back to
// the run's results topic when a task reaches a terminal state.
type ProcessResponse struct {
	AgentID    string        `json:"agent_id"`
	RunID      string        `json:"run_id"`
	Result     *Result       `json:"result,omitempty"`
	Error      *fault.Remote `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
}

// Host exposes registered agents on the message bus. It subscribes each
// agent to its process topic, hands work off the delivery loop, and emits
// heartbeats while a task is in flight so the orchestrator can tell a slow
// agent from a dead one.
// maxSeenIDs bounds the duplicate-detection window. Redeliveries arrive
// close together, so evicting the oldest ids is safe.
const maxSeenIDs = 4096

type Host struct {
	registry *Registry
	client   *natsbus.Client
	interval time.Duration

	mu        sync.Mutex
	subs      []*nats.Subscription
	seen      map[string]struct{} // correlation ids already processed
	seenOrder []string
	inflight  map[string]map[string]context.CancelFunc // run id -> correlation id -> task cancel
}

func NewHost(registry *Registry, client *natsbus.Client, heartbeatInterval time.Duration) *Host {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	return &Host{
		registry: registry,
		client:   client,
		interval: heartbeatInterval,
		seen:     make(map[string]struct{}),
		inflight: make(map[string]map[string]context.CancelFunc),
	}
}

// Start subscribes every registered agent and the run cancel topic. Work
// triggered by a delivery runs until done even if ctx is cancelled mid-task;
// a cancel envelope for the run aborts its in-flight task contexts.
func (h *Host) Start(ctx context.Context) error {
	cancelSub, err := h.client.SubscribeEnvelope(natsbus.TopicRunCancelAll, h.handleCancel)
	if err != nil {
		return fault.Wrap(fault.KindCommunication, err, "subscribe run cancels")
	}
	h.mu.Lock()
	h.subs = append(h.subs, cancelSub)
	h.mu.Unlock()

	for _, id := range h.registry.IDs() {
		a, err := h.registry.Lookup(id)
		if err != nil {
			return err
		}
		sub, err := h.client.SubscribeEnvelope(natsbus.TopicAgentProcess(id), func(env *natsbus.Envelope) {
			// Delivery loop must stay unblocked; the task runs on its
			// own goroutine.
			go h.handle(ctx, a, env)
		})
		if err != nil {
			return fault.Wrap(fault.KindCommunication, err, "subscribe agent %s", id)
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
		slog.Info("agent subscribed", "agent", id, "topic", natsbus.TopicAgentProcess(id))
	}
	return nil
}

func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
}

func (h *Host) handle(ctx context.Context, a Agent, env *natsbus.Envelope) {
	if env.Type != natsbus.MessageProcessRequest {
		return
	}

	// At-least-once delivery: drop duplicates by correlation id
	if !h.firstDelivery(env.CorrelationID) {
		slog.Warn("dropping duplicate delivery", "agent", env.AgentID, "correlation_id", env.CorrelationID)
		return
	}

	var task Task
	if err := env.Decode(&task); err != nil {
		h.respond(env, &ProcessResponse{
			AgentID:    env.AgentID,
			RetryCount: env.RetryCount,
			Error:      fault.ToRemote(fault.Wrap(fault.KindValidation, err, "decode task for %s", env.AgentID)),
		}, "")
		return
	}

	// Heartbeats run for the duration of the task
	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	go h.client.EmitHeartbeats(hbCtx, env.AgentID, task.RunID, h.interval)
	defer stopHeartbeats()

	// The task carries the orchestrator's step budget so the model call is
	// actually abandoned on expiry, not just no longer awaited. A cancel
	// envelope for the run aborts the context the same way.
	procCtx, stopTask := context.WithCancel(ctx)
	defer stopTask()
	if task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(procCtx, time.Duration(task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	h.track(task.RunID, env.CorrelationID, stopTask)
	defer h.untrack(task.RunID, env.CorrelationID)

	resp := &ProcessResponse{AgentID: env.AgentID, RunID: task.RunID, RetryCount: env.RetryCount}
	result, err := a.Process(procCtx, &task)
	if err != nil {
		fault.LogError(err, env.CorrelationID, env.RetryCount)
		resp.Error = fault.ToRemote(err)
	} else {
		resp.Result = result
	}

	h.respond(env, resp, task.RunID)
}

// handleCancel aborts every in-flight task context belonging to the
// envelope's run.
func (h *Host) handleCancel(env *natsbus.Envelope) {
	if env.Type != natsbus.MessageCancel {
		return
	}
	runID := env.CorrelationID
	h.mu.Lock()
	cancels := h.inflight[runID]
	delete(h.inflight, runID)
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		slog.Info("cancelled in-flight tasks", "run", runID, "tasks", len(cancels))
	}
}

func (h *Host) track(runID, corrID string, cancel context.CancelFunc) {
	if runID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight[runID] == nil {
		h.inflight[runID] = make(map[string]context.CancelFunc)
	}
	h.inflight[runID][corrID] = cancel
}

func (h *Host) untrack(runID, corrID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cancels := h.inflight[runID]
	delete(cancels, corrID)
	if len(cancels) == 0 {
		delete(h.inflight, runID)
	}
}

// firstDelivery records corrID and reports whether this delivery is its
// first. The window is bounded; the oldest ids fall out first.
func (h *Host) firstDelivery(corrID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.seen[corrID]; dup {
		return false
	}
	h.seen[corrID] = struct{}{}
	h.seenOrder = append(h.seenOrder, corrID)
	for len(h.seenOrder) > maxSeenIDs {
		delete(h.seen, h.seenOrder[0])
		h.seenOrder = h.seenOrder[1:]
	}
	return true
}

func (h *Host) respond(req *natsbus.Envelope, resp *ProcessResponse, runID string) {
	env, err := natsbus.NewEnvelope(natsbus.MessageProcessResponse, resp.AgentID, req.CorrelationID, resp)
	if err != nil {
		slog.Error("failed to build response envelope", "agent", resp.AgentID, "error", err)
		return
	}
	if runID == "" {
		runID = req.CorrelationID
	}
	if err := h.client.Send(natsbus.TopicRunResults(runID), env, 3, 100*time.Millisecond); err != nil {
		slog.Error("failed to deliver agent response", "agent", resp.AgentID, "run", runID, "error", err)
	}
}
