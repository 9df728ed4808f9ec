package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plumehq/plume/internal/agent"
	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/natsbus"
	"github.com/plumehq/plume/internal/runctx"
	"github.com/plumehq/plume/internal/store"
)

// Orchestrator drives pipeline runs: it validates configurations against
// the registered agents, allocates the run context, dispatches steps over
// the bus respecting the dependency graph, and owns timeout, retry, and
// cancellation policy.
type Orchestrator struct {
	registry *agent.Registry
	contexts *runctx.Manager
	client   *natsbus.Client
	store    *store.Store // optional; runs survive restarts for inspection
	cfg      config.PipelineConfig

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	id        string
	cfg       *Config
	input     *Input
	contextID string
	startedAt time.Time

	mu          sync.Mutex
	state       State
	results     map[string]*AgentResult
	completedAt time.Time
	cancelled   bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(registry *agent.Registry, contexts *runctx.Manager, client *natsbus.Client, st *store.Store, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		contexts: contexts,
		client:   client,
		store:    st,
		cfg:      cfg,
		runs:     make(map[string]*run),
	}
}

// Submit validates cfg, allocates a run, and starts executing it in the
// background. The returned run id is immediately queryable via Status.
func (o *Orchestrator) Submit(cfg *Config, input *Input) (string, error) {
	r := &run{
		id:        uuid.New().String(),
		cfg:       cfg,
		input:     input,
		state:     StateCreated,
		startedAt: time.Now().UTC(),
		results:   make(map[string]*AgentResult),
		done:      make(chan struct{}),
	}

	r.state = StateValidating
	plan, err := buildPlan(cfg)
	if err != nil {
		return "", err
	}
	if input == nil || input.Subject == "" {
		return "", fault.New(fault.KindValidation, "pipeline input has no subject")
	}
	// Every definition must resolve to a registered agent of the declared type
	for _, def := range cfg.Agents {
		a, err := o.registry.Lookup(def.ID)
		if err != nil {
			return "", err
		}
		if meta := a.Metadata(); meta.Type != def.Type {
			return "", fault.New(fault.KindInvalidPipelineConfig,
				"agent %s is registered as %s, pipeline declares %s", def.ID, meta.Type, def.Type)
		}
	}

	contextID, err := o.contexts.Create(r.id)
	if err != nil {
		return "", err
	}
	r.contextID = contextID

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()

	o.insertRun(r)

	// The run outlives the submitting request.
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go o.execute(runCtx, r, plan)

	return r.id, nil
}

// Status returns the live state and the per-agent results so far.
func (o *Orchestrator) Status(runID string) (*Status, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Status{
		RunID:   r.id,
		Name:    r.cfg.Name,
		State:   r.state,
		Partial: r.sortedResultsLocked(),
	}, nil
}

// Cancel requests cooperative cancellation and waits up to the grace period
// for in-flight steps to stop before returning.
func (o *Orchestrator) Cancel(runID string) error {
	r, err := o.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	r.mu.Unlock()

	slog.Info("cancelling run", "run", runID)
	r.cancel()
	o.publishCancel(runID)

	grace := o.cfg.CancelGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-r.done:
	case <-time.After(grace):
		slog.Warn("run did not stop within grace period", "run", runID)
		o.finalize(r)
	}
	return nil
}

// publishCancel broadcasts the run's cancel envelope so every agent host on
// the bus aborts in-flight work for the run instead of letting it run to
// completion unobserved.
func (o *Orchestrator) publishCancel(runID string) {
	if o.client == nil {
		return
	}
	env, err := natsbus.NewEnvelope(natsbus.MessageCancel, "", runID, nil)
	if err != nil {
		return
	}
	if err := o.client.Send(natsbus.TopicRunCancel(runID), env, 3, 100*time.Millisecond); err != nil {
		slog.Warn("failed to publish cancel", "run", runID, "error", err)
	}
}

// Result returns the assembled result once the run is terminal.
func (o *Orchestrator) Result(runID string) (*Result, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() {
		return nil, fault.New(fault.KindPipelineExecution, "run %s is still %s", runID, r.state)
	}
	return r.assembleLocked(), nil
}

func (o *Orchestrator) lookup(runID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return nil, fault.New(fault.KindPipelineExecution, "unknown run %s", runID)
	}
	return r, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, p *plan) {
	defer close(r.done)

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	o.updateRun(r)
	o.publishEvent(r.id, "pipeline_started", map[string]any{
		"name": r.cfg.Name, "mode": string(r.cfg.Mode), "agents": len(r.cfg.Agents),
	})

	slog.Info("pipeline started", "run", r.id, "mode", r.cfg.Mode, "tiers", len(p.tiers))

	dispatcher := newResultDispatcher()
	resultsSub, err := o.client.SubscribeEnvelope(natsbus.TopicRunResults(r.id), dispatcher.dispatch)
	if err != nil {
		o.failRun(r, fault.Wrap(fault.KindCommunication, err, "subscribe run results"))
		return
	}
	defer resultsSub.Unsubscribe()

	hbInterval := o.cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 5 * time.Second
	}
	monitor := natsbus.NewHeartbeatMonitor(r.id, hbInterval, o.cfg.HeartbeatThreshold)
	hbSub, err := o.client.SubscribeEnvelope(natsbus.TopicHeartbeatsAll, func(env *natsbus.Envelope) {
		monitor.Observe(env)
	})
	if err == nil {
		defer hbSub.Unsubscribe()
	}

	maxParallel := o.cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)

	aborted := false
	for tierIdx, tier := range p.tiers {
		if aborted || ctx.Err() != nil {
			o.skipRemaining(r, tier, "pipeline aborted before step ran")
			continue
		}

		var wg sync.WaitGroup
		for _, agentID := range tier {
			if skip, reason := o.shouldSkip(r, p, agentID); skip {
				o.record(r, &AgentResult{
					AgentID: agentID,
					Status:  StepSkipped,
					Error:   fault.ToRemote(fault.New(fault.KindPipelineExecution, "%s", reason)),
				})
				o.publishEvent(r.id, "step_skipped", map[string]any{"agent": agentID, "reason": reason})
				continue
			}

			wg.Add(1)
			go func(agentID string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				result := o.runStep(ctx, r, p, agentID, dispatcher, monitor)
				o.record(r, result)
				o.publishEvent(r.id, "step_"+string(result.Status), map[string]any{
					"agent": agentID, "attempts": result.Attempts,
				})
			}(agentID)
		}
		wg.Wait()

		slog.Info("tier completed", "run", r.id, "tier", tierIdx)

		if r.cfg.FailFast && o.anyFailed(r) {
			aborted = true
		}
	}

	o.finalize(r)
}

// shouldSkip reports whether an agent must be skipped because an upstream
// dependency did not succeed. Independent branches are unaffected.
func (o *Orchestrator) shouldSkip(r *run, p *plan, agentID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return true, "run cancelled"
	}
	for _, parent := range p.parents[agentID] {
		res, ok := r.results[parent]
		if !ok || res.Status != StepSucceeded {
			return true, fmt.Sprintf("upstream agent %s did not succeed", parent)
		}
	}
	return false, ""
}

// runStep dispatches one agent over the bus and applies the step timeout
// and retry policy. Retryable failures are retried with backoff; critical
// failures fail the step immediately; exhausting attempts converts the
// last error into a permanent agent failure.
func (o *Orchestrator) runStep(ctx context.Context, r *run, p *plan, agentID string, d *resultDispatcher, monitor *natsbus.HeartbeatMonitor) *AgentResult {
	started := time.Now()

	attempts := r.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = o.cfg.MaxRetries + 1
	}
	backoff := time.Duration(r.cfg.Retry.BackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = o.cfg.RetryBackoff
	}
	timeout := time.Duration(r.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}

	task := o.buildTask(r, p, agentID, timeout)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = fault.New(fault.KindPipelineExecution, "run cancelled")
				break
			}
		}

		resp, err := o.attempt(ctx, r, agentID, task, attempt, d, monitor, timeout)
		if err == nil {
			return &AgentResult{
				AgentID:      agentID,
				Status:       StepSucceeded,
				Output:       resp.Result.Output,
				Attempts:     attempt,
				ElapsedMs:    time.Since(started).Milliseconds(),
				InputTokens:  resp.Result.InputTokens,
				OutputTokens: resp.Result.OutputTokens,
			}
		}
		lastErr = err

		if ctx.Err() != nil || fault.IsCritical(err) || !fault.IsRetryable(err) {
			break
		}
		slog.Warn("step attempt failed, retrying",
			"run", r.id, "agent", agentID, "attempt", attempt, "error", err)
	}

	if fault.IsRetryable(lastErr) {
		// Retries exhausted: the transient classification no longer holds.
		// Timeouts keep their kind so callers can tell a budget overrun
		// from a misbehaving agent.
		if fault.Is(lastErr, fault.KindTimeoutExceeded) {
			lastErr = fault.Wrap(fault.KindTimeoutExceeded, lastErr,
				"agent %s timed out after %d attempts", agentID, attempts)
		} else {
			lastErr = fault.WrapAs(fault.KindAgentFailure, lastErr,
				"agent %s failed after %d attempts", agentID, attempts)
		}
	}
	fault.LogError(lastErr, r.id+"."+agentID, attempts-1)

	return &AgentResult{
		AgentID:   agentID,
		Status:    StepFailed,
		Error:     fault.ToRemote(lastErr),
		Attempts:  attempts,
		ElapsedMs: time.Since(started).Milliseconds(),
	}
}

// attempt sends one process request and waits for its response, the step
// timeout, a heartbeat lapse, or cancellation, whichever comes first.
func (o *Orchestrator) attempt(ctx context.Context, r *run, agentID string, task *agent.Task, attempt int, d *resultDispatcher, monitor *natsbus.HeartbeatMonitor, timeout time.Duration) (*agent.ProcessResponse, error) {
	// Each attempt gets its own correlation id so receiver-side duplicate
	// detection never swallows a retry.
	corrID := fmt.Sprintf("%s.%s.%d", r.id, agentID, attempt)
	ch := d.expect(corrID)
	defer d.forget(corrID)

	env, err := natsbus.NewEnvelope(natsbus.MessageProcessRequest, agentID, corrID, task)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "encode task for %s", agentID)
	}
	env.RetryCount = attempt - 1

	monitor.Watch(agentID)
	defer monitor.Unwatch(agentID)

	if err := o.client.Send(natsbus.TopicAgentProcess(agentID), env, 3, 100*time.Millisecond); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	hbTicker := time.NewTicker(monitorTick(o.cfg))
	defer hbTicker.Stop()

	for {
		select {
		case resp := <-ch:
			if resp.Error != nil {
				return nil, fault.FromRemote(resp.Error)
			}
			if resp.Result == nil {
				return nil, fault.New(fault.KindCommunication, "agent %s returned empty response", agentID)
			}
			return resp, nil
		case <-timer.C:
			return nil, fault.New(fault.KindTimeoutExceeded, "agent %s exceeded step timeout %v", agentID, timeout)
		case <-ctx.Done():
			return nil, fault.New(fault.KindPipelineExecution, "run cancelled while %s in flight", agentID)
		case <-hbTicker.C:
			for _, id := range monitor.Unresponsive() {
				if id == agentID {
					return nil, fault.New(fault.KindTimeoutExceeded, "agent %s stopped heartbeating", agentID)
				}
			}
		}
	}
}

func monitorTick(cfg config.PipelineConfig) time.Duration {
	if cfg.HeartbeatInterval > 0 {
		return cfg.HeartbeatInterval
	}
	return 5 * time.Second
}

// buildTask projects upstream outputs into the consumer's inputs per the
// pipeline's data mappings.
func (o *Orchestrator) buildTask(r *run, p *plan, agentID string, timeout time.Duration) *agent.Task {
	var instructions string
	for _, def := range r.cfg.Agents {
		if def.ID == agentID {
			instructions = def.Instructions
			break
		}
	}

	inputs := make(map[string]string)
	r.mu.Lock()
	for _, conn := range p.mappings[agentID] {
		res, ok := r.results[conn.From]
		if !ok || res.Status != StepSucceeded {
			continue
		}
		name := conn.MapTo
		if name == "" {
			name = conn.From
		}
		inputs[name] = res.Output
	}
	r.mu.Unlock()
	for k, v := range r.input.Params {
		inputs[k] = v
	}
	if len(inputs) == 0 {
		inputs = nil
	}

	return &agent.Task{
		RunID:        r.id,
		ContextID:    r.contextID,
		Subject:      r.input.Subject,
		Instructions: instructions,
		Inputs:       inputs,
		TimeoutMs:    timeout.Milliseconds(),
	}
}

func (o *Orchestrator) record(r *run, res *AgentResult) {
	r.mu.Lock()
	r.results[res.AgentID] = res
	r.mu.Unlock()
}

func (o *Orchestrator) anyFailed(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.Status == StepFailed {
			return true
		}
	}
	return false
}

func (o *Orchestrator) skipRemaining(r *run, tier []string, reason string) {
	for _, agentID := range tier {
		r.mu.Lock()
		_, seen := r.results[agentID]
		r.mu.Unlock()
		if seen {
			continue
		}
		o.record(r, &AgentResult{
			AgentID: agentID,
			Status:  StepSkipped,
			Error:   fault.ToRemote(fault.New(fault.KindPipelineExecution, "%s", reason)),
		})
	}
}

func (o *Orchestrator) failRun(r *run, err error) {
	fault.LogError(err, r.id, 0)
	r.mu.Lock()
	if !r.state.Terminal() {
		r.state = StateFailed
		r.completedAt = time.Now().UTC()
	}
	r.mu.Unlock()
	o.updateRun(r)
	o.releaseContext(r)
}

// finalize assembles the terminal state once every agent in the graph has
// a terminal per-step status, persists the run, and releases the context.
func (o *Orchestrator) finalize(r *run) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}

	// Every defined agent must hold a terminal status
	for _, def := range r.cfg.Agents {
		if _, ok := r.results[def.ID]; !ok {
			r.results[def.ID] = &AgentResult{
				AgentID: def.ID,
				Status:  StepSkipped,
				Error:   fault.ToRemote(fault.New(fault.KindPipelineExecution, "step never dispatched")),
			}
		}
	}

	var failed, skipped, succeeded int
	for _, res := range r.results {
		switch res.Status {
		case StepSucceeded:
			succeeded++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}

	switch {
	case r.cancelled:
		r.state = StateCancelled
	case failed > 0 && (r.cfg.FailFast || skipped > 0 || succeeded == 0):
		// A failure that starves downstream steps is pipeline-fatal; a
		// failed independent branch is not.
		r.state = StateFailed
	default:
		r.state = StateCompleted
	}
	r.completedAt = time.Now().UTC()
	state := r.state
	r.mu.Unlock()

	o.updateRun(r)
	o.publishEvent(r.id, "pipeline_"+string(state), map[string]any{
		"succeeded": succeeded, "failed": failed, "skipped": skipped,
	})
	slog.Info("pipeline finished", "run", r.id, "state", state,
		"succeeded", succeeded, "failed", failed, "skipped", skipped)

	o.releaseContext(r)
}

func (o *Orchestrator) releaseContext(r *run) {
	if err := o.contexts.Destroy(r.contextID); err != nil && !fault.Is(err, fault.KindContextNotFound) {
		slog.Warn("failed to release run context", "run", r.id, "error", err)
	}
}

func (r *run) sortedResultsLocked() []AgentResult {
	out := make([]AgentResult, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *run) assembleLocked() *Result {
	agents := r.sortedResultsLocked()

	var summary Summary
	for _, res := range agents {
		switch res.Status {
		case StepSucceeded:
			summary.Succeeded++
		case StepFailed:
			summary.Failed++
		case StepSkipped:
			summary.Skipped++
		}
		summary.InputTokens += res.InputTokens
		summary.OutputTokens += res.OutputTokens
	}
	// The final output is the last succeeding step in topological order,
	// which for content pipelines is the formatted document.
	for i := len(agents) - 1; i >= 0; i-- {
		if agents[i].Status == StepSucceeded && agents[i].Output != "" {
			summary.FinalOutput = agents[i].Output
			break
		}
	}

	return &Result{
		RunID:       r.id,
		Status:      r.state,
		Agents:      agents,
		Summary:     summary,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
}

// resultDispatcher routes process responses to the step waiting on their
// correlation id. Late or duplicate responses are dropped.
type resultDispatcher struct {
	mu      sync.Mutex
	waiting map[string]chan *agent.ProcessResponse
}

func newResultDispatcher() *resultDispatcher {
	return &resultDispatcher{waiting: make(map[string]chan *agent.ProcessResponse)}
}

func (d *resultDispatcher) expect(corrID string) chan *agent.ProcessResponse {
	ch := make(chan *agent.ProcessResponse, 1)
	d.mu.Lock()
	d.waiting[corrID] = ch
	d.mu.Unlock()
	return ch
}

func (d *resultDispatcher) forget(corrID string) {
	d.mu.Lock()
	delete(d.waiting, corrID)
	d.mu.Unlock()
}

func (d *resultDispatcher) dispatch(env *natsbus.Envelope) {
	if env.Type != natsbus.MessageProcessResponse {
		return
	}
	var resp agent.ProcessResponse
	if err := env.Decode(&resp); err != nil {
		slog.Warn("discarding malformed process response", "error", err)
		return
	}

	d.mu.Lock()
	ch, ok := d.waiting[env.CorrelationID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

// insertRun persists the initial run record at submission.
func (o *Orchestrator) insertRun(r *run) {
	if o.store == nil {
		return
	}

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	cfgJSON, _ := json.Marshal(r.cfg)
	inputJSON, _ := json.Marshal(r.input)
	rec := &store.PipelineRun{
		ID:     r.id,
		Name:   r.cfg.Name,
		Mode:   string(r.cfg.Mode),
		Status: string(state),
		Config: cfgJSON,
		Input:  inputJSON,
	}
	if err := o.store.SaveRun(rec); err != nil {
		slog.Error("failed to persist run", "run", r.id, "error", err)
	}
}

// updateRun persists a state transition for an already-inserted run.
// Results are written once the run is terminal.
func (o *Orchestrator) updateRun(r *run) {
	if o.store == nil {
		return
	}

	r.mu.Lock()
	state := r.state
	var results json.RawMessage
	if state.Terminal() {
		results, _ = json.Marshal(r.assembleLocked())
	}
	r.mu.Unlock()

	if err := o.store.UpdateRun(r.id, string(state), results); err != nil {
		slog.Error("failed to persist run", "run", r.id, "error", err)
	}
}

func (o *Orchestrator) publishEvent(runID, eventType string, data map[string]any) {
	if o.client == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := o.client.PublishJSON(natsbus.TopicEventsRun(runID), event); err != nil {
		slog.Warn("failed to publish event", "run", runID, "type", eventType, "error", err)
	}
}

// Runs lists the ids of every run this orchestrator has seen, newest state
// included via Status.
func (o *Orchestrator) Runs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
