// Package agent defines the worker contract and the five role agents that
// produce content through it: research, analysis, writing, editing,
// formatting. The orchestrator drives agents only through the Agent
// interface and the capability metadata they declare; it never switches on
// a concrete type.
package agent

import (
	"context"
	"time"

	"github.com/plumehq/plume/internal/fault"
)

type Type string

const (
	TypeResearch   Type = "research"
	TypeAnalysis   Type = "analysis"
	TypeWriting    Type = "writing"
	TypeEditing    Type = "editing"
	TypeFormatting Type = "formatting"
)

type Capability string

const (
	CapabilityRetrieval  Capability = "retrieval"
	CapabilityReasoning  Capability = "reasoning"
	CapabilityGeneration Capability = "generation"
	CapabilityRevision   Capability = "revision"
	CapabilityStructure  Capability = "structure"
)

// Config is the per-agent construction configuration.
type Config struct {
	ID           string  `json:"id"`
	Type         Type    `json:"type"`
	Provider     string  `json:"provider,omitempty"` // model dependency key, defaults to anthropic
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int64   `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// Metadata declares what an agent is and can do. The orchestrator checks a
// pipeline's required capabilities against this before running anything.
type Metadata struct {
	ID           string       `json:"id"`
	Type         Type         `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Provider     string       `json:"provider"`
}

// Task is one unit of work handed to an agent. Inputs carry upstream agent
// outputs projected through the pipeline's data mappings, keyed by the name
// the mapping assigns.
type Task struct {
	RunID        string            `json:"run_id"`
	ContextID    string            `json:"context_id"`
	Subject      string            `json:"subject"`
	Instructions string            `json:"instructions,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	TimeoutMs    int64             `json:"timeout_ms,omitempty"`
}

// Result is the outcome of one Process call.
type Result struct {
	AgentID      string        `json:"agent_id"`
	Output       string        `json:"output"`
	ContextKey   string        `json:"context_key,omitempty"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Agent is the uniform lifecycle contract.
//
// Initialize is called once before any work; a failure there is fatal and
// never retried. Validate rejects malformed tasks before Process spends
// tokens on them. Process is the single unit of work and may block on
// model calls; it must honor ctx cancellation.
type Agent interface {
	Initialize(cfg Config) error
	Validate(task *Task) error
	Process(ctx context.Context, task *Task) (*Result, error)
	Metadata() Metadata
}

// capabilitiesByType is the closed capability set each role declares.
var capabilitiesByType = map[Type][]Capability{
	TypeResearch:   {CapabilityRetrieval, CapabilityReasoning},
	TypeAnalysis:   {CapabilityReasoning},
	TypeWriting:    {CapabilityGeneration},
	TypeEditing:    {CapabilityRevision, CapabilityReasoning},
	TypeFormatting: {CapabilityStructure},
}

// Capabilities returns the capability set a role type declares, or nil for
// an unknown type.
func Capabilities(t Type) []Capability {
	return capabilitiesByType[t]
}

// ValidType reports whether t is one of the five role types.
func ValidType(t Type) bool {
	_, ok := capabilitiesByType[t]
	return ok
}

// Registry holds the constructed agents for one gateway process, keyed by
// agent id.
type Registry struct {
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(a Agent) {
	r.agents[a.Metadata().ID] = a
}

// Lookup resolves an agent id. A miss is fatal to pipeline validation.
func (r *Registry) Lookup(id string) (Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, fault.New(fault.KindAgentNotFound, "agent %s is not registered", id)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
