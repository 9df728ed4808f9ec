package breaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/plumehq/plume/internal/config"
)

// Probe checks whether a dependency is reachable right now.
type Probe func(ctx context.Context) error

// HealthChecker runs out-of-band probes against registered dependencies and
// drives their breakers from the results, so a circuit can reopen or close
// without waiting for live traffic to discover the change.
type HealthChecker struct {
	registry *Registry
	cfg      config.HealthConfig
	probes   map[string]Probe
	fails    map[string]int // consecutive probe failures, touched only by the probe loop
	gron     *gronx.Gronx
}

func NewHealthChecker(registry *Registry, cfg config.HealthConfig) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		cfg:      cfg,
		probes:   make(map[string]Probe),
		fails:    make(map[string]int),
		gron:     gronx.New(),
	}
}

// Register attaches a probe to a dependency name. Must be called before
// Start; the checker takes no locks over the probe map.
func (h *HealthChecker) Register(name string, probe Probe) {
	h.probes[name] = probe
}

// Start runs the probe loop until ctx is cancelled. Probes fire on the
// configured interval, or on the cron schedule when one is set.
func (h *HealthChecker) Start(ctx context.Context) {
	if !h.cfg.Enabled || len(h.probes) == 0 {
		return
	}

	interval := h.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(h.tickInterval(interval))
	defer ticker.Stop()

	slog.Info("health checker started", "dependencies", len(h.probes), "schedule", h.cfg.Schedule, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("health checker stopped")
			return
		case <-ticker.C:
			if !h.due() {
				continue
			}
			h.probeAll(ctx)
		}
	}
}

// tickInterval picks how often to wake up. With a cron schedule the loop
// wakes every minute and asks gronx whether the expression is due.
func (h *HealthChecker) tickInterval(interval time.Duration) time.Duration {
	if h.cfg.Schedule != "" {
		return time.Minute
	}
	return interval
}

func (h *HealthChecker) due() bool {
	if h.cfg.Schedule == "" {
		return true
	}
	due, err := h.gron.IsDue(h.cfg.Schedule, time.Now())
	if err != nil {
		slog.Error("invalid health schedule", "schedule", h.cfg.Schedule, "error", err)
		return false
	}
	return due
}

func (h *HealthChecker) probeAll(ctx context.Context) {
	for name, probe := range h.probes {
		h.probeOne(ctx, name, probe)
	}
}

func (h *HealthChecker) probeOne(ctx context.Context, name string, probe Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	b := h.registry.Get(name)
	if err := probe(probeCtx); err != nil {
		h.fails[name]++
		slog.Warn("health probe failed", "dependency", name, "consecutive", h.fails[name], "error", err)
		if b.State() != StateClosed {
			return
		}
		// Probes can be spaced wider than the breaker's failure window,
		// so the rolling count alone would never trip from probe traffic.
		// Enough consecutive misses open the circuit directly.
		if h.fails[name] >= h.threshold() {
			slog.Warn("health probes opening circuit", "dependency", name, "failures", h.fails[name])
			b.ForceOpen()
			return
		}
		b.Failure()
		return
	}

	h.fails[name] = 0

	// A healthy probe short-circuits the cool-down
	if b.State() == StateOpen {
		slog.Info("health probe recovered dependency", "dependency", name)
		b.ForceClose()
	}
}

func (h *HealthChecker) threshold() int {
	if h.registry.cfg.FailureThreshold > 0 {
		return h.registry.cfg.FailureThreshold
	}
	return 5
}
