// Package pipeline validates content-production pipeline configurations,
// resolves their dependency graph, and drives runs end to end: dispatching
// agents over the bus, applying per-step timeout and retry policy, and
// assembling the final result.
package pipeline

import (
	"time"

	"github.com/plumehq/plume/internal/agent"
	"github.com/plumehq/plume/internal/fault"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeHybrid     Mode = "hybrid"
)

// Definition declares one agent's place in a pipeline. Immutable once the
// pipeline is submitted.
type Definition struct {
	ID           string             `json:"id"`
	Type         agent.Type         `json:"type"`
	Capabilities []agent.Capability `json:"capabilities,omitempty"` // required of the agent, checked at validation
	Instructions string             `json:"instructions,omitempty"`
	DependsOn    []string           `json:"depends_on,omitempty"`
}

// Connection is a directed edge projecting one agent's output into
// another's input under the mapped name.
type Connection struct {
	From  string `json:"from"`
	To    string `json:"to"`
	MapTo string `json:"map_to,omitempty"` // input name on the consumer; defaults to the producer id
}

// RetryPolicy bounds per-step retries. Durations travel as milliseconds so
// the config stays JSON-plain across the process boundary.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts,omitempty"`
	BackoffMs   int64 `json:"backoff_ms,omitempty"`
}

// Config is a submitted pipeline: the agent set, the edges between them,
// and the run-level execution policy.
type Config struct {
	Name        string       `json:"name,omitempty"`
	Mode        Mode         `json:"mode"`
	Agents      []Definition `json:"agents"`
	Connections []Connection `json:"connections,omitempty"`
	TimeoutMs   int64        `json:"timeout_ms,omitempty"` // per-step budget
	Retry       RetryPolicy  `json:"retry,omitempty"`
	// FailFast marks any step failure as pipeline-fatal instead of
	// completing with partial results.
	FailFast bool `json:"fail_fast,omitempty"`
}

// Input is the caller's work order for one run.
type Input struct {
	Subject string            `json:"subject"`
	Params  map[string]string `json:"params,omitempty"`
}

type State string

const (
	StateCreated    State = "created"
	StateValidating State = "validating"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// AgentResult is the terminal outcome of one agent step.
type AgentResult struct {
	AgentID      string        `json:"agent_id"`
	Status       StepStatus    `json:"status"`
	Output       string        `json:"output,omitempty"`
	Error        *fault.Remote `json:"error,omitempty"`
	Attempts     int           `json:"attempts"`
	ElapsedMs    int64         `json:"elapsed_ms"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
}

// Summary aggregates a finished run.
type Summary struct {
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	FinalOutput  string `json:"final_output,omitempty"`
}

// Result is the aggregate outcome of a run. It is only assembled once every
// agent in the graph reached a terminal per-step status.
type Result struct {
	RunID       string        `json:"run_id"`
	Status      State         `json:"status"`
	Agents      []AgentResult `json:"agents"`
	Summary     Summary       `json:"summary"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Status is the live view of a run while it executes.
type Status struct {
	RunID   string        `json:"run_id"`
	Name    string        `json:"name,omitempty"`
	State   State         `json:"state"`
	Partial []AgentResult `json:"partial,omitempty"`
}
