package natsbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EmitHeartbeats publishes a heartbeat for agentID every interval until ctx
// is cancelled. Agents run this while processing so the orchestrator can
// tell a slow step from a dead one.
func (c *Client) EmitHeartbeats(ctx context.Context, agentID, runID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	topic := TopicAgentHeartbeat(agentID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.PublishJSON(topic, NewHeartbeat(agentID, runID)); err != nil {
				slog.Warn("heartbeat publish failed", "agent", agentID, "error", err)
			}
		}
	}
}

// HeartbeatMonitor tracks the last heartbeat observed per agent for one run
// and reports agents that have gone quiet for longer than threshold *
// interval. Beats carrying another run's correlation id are ignored, so an
// agent busy with a concurrent run cannot look alive here.
type HeartbeatMonitor struct {
	runID     string
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewHeartbeatMonitor(runID string, interval time.Duration, threshold int) *HeartbeatMonitor {
	if threshold < 1 {
		threshold = 1
	}
	return &HeartbeatMonitor{
		runID:     runID,
		interval:  interval,
		threshold: threshold,
		lastSeen:  make(map[string]time.Time),
	}
}

// Watch starts liveness tracking for an agent. The watch epoch counts as a
// beat so an agent is not declared unresponsive before it had a chance to
// emit its first heartbeat.
func (m *HeartbeatMonitor) Watch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[agentID] = time.Now()
}

func (m *HeartbeatMonitor) Unwatch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, agentID)
}

// Observe records a heartbeat envelope. Non-heartbeat envelopes and beats
// for other runs are ignored.
func (m *HeartbeatMonitor) Observe(env *Envelope) {
	if env.Type != MessageHeartbeat || env.CorrelationID != m.runID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, watched := m.lastSeen[env.AgentID]; watched {
		m.lastSeen[env.AgentID] = time.Now()
	}
}

// Unresponsive returns watched agents whose last beat is older than the
// configured miss threshold.
func (m *HeartbeatMonitor) Unresponsive() []string {
	cutoff := time.Now().Add(-time.Duration(m.threshold) * m.interval)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for agentID, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			out = append(out, agentID)
		}
	}
	return out
}
