package pipeline

import (
	"testing"

	"github.com/plumehq/plume/internal/agent"
	"github.com/plumehq/plume/internal/fault"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *Config
		valid bool
	}{
		{
			name: "linear pipeline",
			cfg: &Config{
				Mode: ModeSequential,
				Agents: []Definition{
					{ID: "research", Type: agent.TypeResearch},
					{ID: "writing", Type: agent.TypeWriting, DependsOn: []string{"research"}},
				},
			},
			valid: true,
		},
		{
			name: "diamond with connections",
			cfg: &Config{
				Mode: ModeHybrid,
				Agents: []Definition{
					{ID: "research", Type: agent.TypeResearch},
					{ID: "analysis", Type: agent.TypeAnalysis},
					{ID: "writing", Type: agent.TypeWriting},
				},
				Connections: []Connection{
					{From: "research", To: "writing"},
					{From: "analysis", To: "writing"},
				},
			},
			valid: true,
		},
		{
			name: "cycle",
			cfg: &Config{
				Mode: ModeParallel,
				Agents: []Definition{
					{ID: "a", Type: agent.TypeResearch, DependsOn: []string{"b"}},
					{ID: "b", Type: agent.TypeAnalysis, DependsOn: []string{"a"}},
				},
			},
		},
		{
			name: "dangling dependency",
			cfg: &Config{
				Mode: ModeSequential,
				Agents: []Definition{
					{ID: "a", Type: agent.TypeResearch, DependsOn: []string{"ghost"}},
				},
			},
		},
		{
			name: "dangling connection",
			cfg: &Config{
				Mode: ModeSequential,
				Agents: []Definition{
					{ID: "a", Type: agent.TypeResearch},
				},
				Connections: []Connection{{From: "a", To: "ghost"}},
			},
		},
		{
			name: "self connection",
			cfg: &Config{
				Mode:        ModeSequential,
				Agents:      []Definition{{ID: "a", Type: agent.TypeResearch}},
				Connections: []Connection{{From: "a", To: "a"}},
			},
		},
		{
			name: "duplicate ids",
			cfg: &Config{
				Mode: ModeSequential,
				Agents: []Definition{
					{ID: "a", Type: agent.TypeResearch},
					{ID: "a", Type: agent.TypeWriting},
				},
			},
		},
		{
			name: "unknown type",
			cfg: &Config{
				Mode:   ModeSequential,
				Agents: []Definition{{ID: "a", Type: "translation"}},
			},
		},
		{
			name: "capability not declared by type",
			cfg: &Config{
				Mode: ModeSequential,
				Agents: []Definition{
					{ID: "a", Type: agent.TypeFormatting, Capabilities: []agent.Capability{agent.CapabilityRetrieval}},
				},
			},
		},
		{
			name: "no agents",
			cfg:  &Config{Mode: ModeSequential},
		},
		{
			name: "missing mode",
			cfg:  &Config{Agents: []Definition{{ID: "a", Type: agent.TypeResearch}}},
		},
		{
			name: "unknown mode",
			cfg: &Config{
				Mode:   "burst",
				Agents: []Definition{{ID: "a", Type: agent.TypeResearch}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("expected validation to fail")
				}
				if !fault.Is(err, fault.KindInvalidPipelineConfig) {
					t.Fatalf("expected invalid_pipeline_config, got %v", err)
				}
				if !fault.IsCritical(err) {
					t.Error("config errors must be critical")
				}
			}
		})
	}
}

func TestPlanTiers(t *testing.T) {
	cfg := &Config{
		Mode: ModeHybrid,
		Agents: []Definition{
			{ID: "research", Type: agent.TypeResearch},
			{ID: "analysis", Type: agent.TypeAnalysis, DependsOn: []string{"research"}},
			{ID: "outline", Type: agent.TypeAnalysis, DependsOn: []string{"research"}},
			{ID: "writing", Type: agent.TypeWriting, DependsOn: []string{"analysis", "outline"}},
		},
	}

	p, err := buildPlan(cfg)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}

	want := [][]string{
		{"research"},
		{"analysis", "outline"},
		{"writing"},
	}
	if len(p.tiers) != len(want) {
		t.Fatalf("expected %d tiers, got %d: %v", len(want), len(p.tiers), p.tiers)
	}
	for i, tier := range want {
		if len(p.tiers[i]) != len(tier) {
			t.Fatalf("tier %d: expected %v, got %v", i, tier, p.tiers[i])
		}
		for j, id := range tier {
			if p.tiers[i][j] != id {
				t.Errorf("tier %d: expected %v, got %v", i, tier, p.tiers[i])
			}
		}
	}
}

func TestSequentialModeFlattensTiers(t *testing.T) {
	cfg := &Config{
		Mode: ModeSequential,
		Agents: []Definition{
			{ID: "a", Type: agent.TypeResearch},
			{ID: "b", Type: agent.TypeAnalysis},
			{ID: "c", Type: agent.TypeWriting},
		},
	}

	p, err := buildPlan(cfg)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if len(p.tiers) != 3 {
		t.Fatalf("expected 3 single-agent tiers, got %v", p.tiers)
	}
	for _, tier := range p.tiers {
		if len(tier) != 1 {
			t.Fatalf("sequential tier holds %d agents", len(tier))
		}
	}
}

func TestConnectionMappingsRecorded(t *testing.T) {
	cfg := &Config{
		Mode: ModeHybrid,
		Agents: []Definition{
			{ID: "research", Type: agent.TypeResearch},
			{ID: "writing", Type: agent.TypeWriting},
		},
		Connections: []Connection{
			{From: "research", To: "writing", MapTo: "findings"},
		},
	}

	p, err := buildPlan(cfg)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	conns := p.mappings["writing"]
	if len(conns) != 1 || conns[0].MapTo != "findings" {
		t.Fatalf("unexpected mappings %v", conns)
	}
	if parents := p.parents["writing"]; len(parents) != 1 || parents[0] != "research" {
		t.Fatalf("unexpected parents %v", parents)
	}
}
