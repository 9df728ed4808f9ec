package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/plumehq/plume/internal/breaker"
	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/model"
	"github.com/plumehq/plume/internal/runctx"
)

// Context keys each role reads and writes. A consumer is never dispatched
// before its producer finished, so these reads are ordered by the graph.
const (
	KeyResearchFindings = "research.findings"
	KeyAnalysisInsights = "analysis.insights"
	KeyWritingDraft     = "writing.draft"
	KeyEditingRevision  = "editing.revision"
	KeyFormattedOutput  = "formatting.document"
)

// contextUpdateAttempts bounds optimistic-write retries when independent
// branches race on the shared context.
const contextUpdateAttempts = 5

type roleProfile struct {
	system    string
	directive string
	readKeys  []string
	writeKey  string
}

var profiles = map[Type]roleProfile{
	TypeResearch: {
		system:    "You are a research specialist. Gather the key facts, background, and sources relevant to the subject. Be thorough and factual; cite what you rely on.",
		directive: "Research the subject and produce structured findings.",
		writeKey:  KeyResearchFindings,
	},
	TypeAnalysis: {
		system:    "You are an analyst. Examine the supplied material, identify the strongest themes and arguments, and surface gaps or contradictions.",
		directive: "Analyze the material and produce the key insights.",
		readKeys:  []string{KeyResearchFindings},
		writeKey:  KeyAnalysisInsights,
	},
	TypeWriting: {
		system:    "You are a writer. Turn the supplied findings and insights into a clear, engaging draft with a coherent structure.",
		directive: "Write a complete draft on the subject.",
		readKeys:  []string{KeyResearchFindings, KeyAnalysisInsights},
		writeKey:  KeyWritingDraft,
	},
	TypeEditing: {
		system:    "You are an editor. Improve clarity, flow, and correctness of the draft without changing its meaning. Fix weak arguments and tighten the prose.",
		directive: "Edit the draft and return the revised text.",
		readKeys:  []string{KeyWritingDraft},
		writeKey:  KeyEditingRevision,
	},
	TypeFormatting: {
		system:    "You are a formatting specialist. Apply consistent structure: headings, lists, emphasis, and layout. Return the final document, nothing else.",
		directive: "Format the revised text into the final document.",
		readKeys:  []string{KeyEditingRevision, KeyWritingDraft},
		writeKey:  KeyFormattedOutput,
	},
}

// roleAgent is the single implementation behind all five role types; the
// profile carries everything that differs between roles.
type roleAgent struct {
	cfg      Config
	profile  roleProfile
	client   model.Client
	breaker  *breaker.Breaker
	contexts *runctx.Manager
	ready    bool
}

// New constructs a role agent. The breaker registry is shared across all
// agents so every caller of a provider trips the same circuit.
func New(cfg Config, client model.Client, breakers *breaker.Registry, contexts *runctx.Manager) (Agent, error) {
	a := &roleAgent{client: client, contexts: contexts}
	if err := a.Initialize(cfg); err != nil {
		return nil, err
	}
	provider := a.cfg.Provider
	a.breaker = breakers.Get(provider)
	return a, nil
}

func (a *roleAgent) Initialize(cfg Config) error {
	if cfg.ID == "" {
		return fault.New(fault.KindAgentInitialization, "agent id is required")
	}
	profile, ok := profiles[cfg.Type]
	if !ok {
		return fault.New(fault.KindAgentInitialization, "agent %s has unknown type %q", cfg.ID, cfg.Type)
	}
	if a.client == nil {
		return fault.New(fault.KindAgentInitialization, "agent %s has no model client", cfg.ID)
	}
	if cfg.Provider == "" {
		cfg.Provider = a.client.Provider()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = profile.system
	}

	a.cfg = cfg
	a.profile = profile
	a.ready = true
	return nil
}

func (a *roleAgent) Metadata() Metadata {
	return Metadata{
		ID:           a.cfg.ID,
		Type:         a.cfg.Type,
		Capabilities: Capabilities(a.cfg.Type),
		Provider:     a.cfg.Provider,
	}
}

func (a *roleAgent) Validate(task *Task) error {
	if task == nil {
		return fault.New(fault.KindValidation, "nil task")
	}
	if task.RunID == "" {
		return fault.New(fault.KindValidation, "task has no run id")
	}
	if task.ContextID == "" {
		return fault.New(fault.KindValidation, "task has no context id")
	}
	if task.Subject == "" {
		return fault.New(fault.KindValidation, "task has no subject")
	}
	return nil
}

func (a *roleAgent) Process(ctx context.Context, task *Task) (*Result, error) {
	if !a.ready {
		return nil, fault.New(fault.KindAgentInitialization, "agent %s processed before initialization", a.cfg.ID)
	}
	if err := a.Validate(task); err != nil {
		return nil, err
	}

	started := time.Now()

	prompt, err := a.buildPrompt(task)
	if err != nil {
		return nil, err
	}

	// Fail fast while the provider circuit is open; the model client is
	// never invoked.
	if err := a.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := a.client.Complete(ctx, model.Request{
		System:      a.cfg.SystemPrompt,
		Prompt:      prompt,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		a.breaker.Failure()
		return nil, a.wrapModelErr(err, task)
	}
	a.breaker.Success()

	if a.profile.writeKey != "" {
		if _, err := a.contexts.Update(task.ContextID, a.profile.writeKey, a.cfg.ID, contextUpdateAttempts,
			func(json.RawMessage) (json.RawMessage, error) {
				return json.Marshal(resp.Text)
			}); err != nil {
			return nil, err
		}
	}

	slog.Info("agent processed task",
		"agent", a.cfg.ID, "type", a.cfg.Type, "run", task.RunID,
		"tokens_in", resp.InputTokens, "tokens_out", resp.OutputTokens,
		"elapsed", time.Since(started))

	return &Result{
		AgentID:      a.cfg.ID,
		Output:       resp.Text,
		ContextKey:   a.profile.writeKey,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Elapsed:      time.Since(started),
	}, nil
}

// buildPrompt assembles the role directive, the pipeline subject, upstream
// inputs from data mappings, and any context the role consumes.
func (a *roleAgent) buildPrompt(task *Task) (string, error) {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	sb.WriteString(a.profile.directive)
	sb.WriteString("\n\n## Subject\n\n")
	sb.WriteString(task.Subject)
	sb.WriteString("\n\n")

	if task.Instructions != "" {
		sb.WriteString("## Instructions\n\n")
		sb.WriteString(task.Instructions)
		sb.WriteString("\n\n")
	}

	if len(task.Inputs) > 0 {
		names := make([]string, 0, len(task.Inputs))
		for name := range task.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("## Provided Input\n\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "### %s\n\n%s\n\n", name, task.Inputs[name])
		}
	}

	for _, key := range a.profile.readKeys {
		value, _, err := a.contexts.ReadString(task.ContextID, key)
		if err != nil {
			return "", err
		}
		if value == "" {
			continue
		}
		fmt.Fprintf(&sb, "## Context: %s\n\n%s\n\n", key, value)
	}

	return sb.String(), nil
}

func (a *roleAgent) wrapModelErr(err error, task *Task) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeoutExceeded, err, "agent %s model call on run %s", a.cfg.ID, task.RunID)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindPipelineExecution, err, "agent %s cancelled on run %s", a.cfg.ID, task.RunID)
	}
	return fault.Wrap(fault.KindCommunication, err, "agent %s model call on run %s", a.cfg.ID, task.RunID)
}
