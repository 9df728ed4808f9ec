package natsbus

import (
	"testing"
	"time"

	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/fault"
)

func newTestBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    0, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, _ := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestSendAndSubscribeEnvelope(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan *Envelope, 1)
	_, err := client.SubscribeEnvelope(TopicAgentProcess("research"), func(env *Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	env, err := NewEnvelope(MessageProcessRequest, "research", "run-1", map[string]string{"topic": "go"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(TopicAgentProcess("research"), env, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != MessageProcessRequest {
			t.Errorf("expected process_request, got %s", got.Type)
		}
		if got.CorrelationID != "run-1" {
			t.Errorf("expected correlation run-1, got %s", got.CorrelationID)
		}
		var payload map[string]string
		if err := got.Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["topic"] != "go" {
			t.Errorf("expected payload topic go, got %s", payload["topic"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope")
	}
}

func TestSendExhaustionIsDeliveryFault(t *testing.T) {
	bus, client := newTestBus(t)

	// Shut the server down so every publish attempt fails.
	bus.Close()
	client.Close()

	env, _ := NewEnvelope(MessageProcessRequest, "research", "run-1", nil)
	err := client.Send(TopicAgentProcess("research"), env, 2, time.Millisecond)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if fault.KindOf(err) != fault.KindMessageDelivery {
		t.Fatalf("expected message_delivery kind, got %s", fault.KindOf(err))
	}
	if env.RetryCount != 1 {
		t.Errorf("expected retry_count 1 after 2 attempts, got %d", env.RetryCount)
	}
}

func TestMalformedEnvelopeDiscarded(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan *Envelope, 1)
	_, err := client.SubscribeEnvelope("test.malformed", func(env *Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.malformed", []byte("{not json")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case <-received:
		t.Fatal("malformed envelope should not reach handler")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHeartbeatMonitor(t *testing.T) {
	m := NewHeartbeatMonitor("run-1", 10*time.Millisecond, 3)
	m.Watch("writing")

	if got := m.Unresponsive(); len(got) != 0 {
		t.Fatalf("expected no unresponsive agents right after watch, got %v", got)
	}

	time.Sleep(50 * time.Millisecond)
	got := m.Unresponsive()
	if len(got) != 1 || got[0] != "writing" {
		t.Fatalf("expected [writing] unresponsive, got %v", got)
	}

	// A fresh beat clears the miss count.
	m.Observe(NewHeartbeat("writing", "run-1"))
	if got := m.Unresponsive(); len(got) != 0 {
		t.Fatalf("expected no unresponsive agents after beat, got %v", got)
	}

	m.Unwatch("writing")
	time.Sleep(50 * time.Millisecond)
	if got := m.Unresponsive(); len(got) != 0 {
		t.Fatalf("expected unwatched agent to be ignored, got %v", got)
	}
}

func TestHeartbeatMonitorIgnoresUnwatched(t *testing.T) {
	m := NewHeartbeatMonitor("run-9", 10*time.Millisecond, 1)
	m.Observe(NewHeartbeat("stray", "run-9"))
	if got := m.Unresponsive(); len(got) != 0 {
		t.Fatalf("expected stray agent to be ignored, got %v", got)
	}
}

func TestHeartbeatMonitorScopedToRun(t *testing.T) {
	m := NewHeartbeatMonitor("run-1", 10*time.Millisecond, 3)
	m.Watch("writing")

	time.Sleep(50 * time.Millisecond)

	// A beat the agent emits for a concurrent run must not refresh
	// liveness on this one.
	m.Observe(NewHeartbeat("writing", "run-2"))
	if got := m.Unresponsive(); len(got) != 1 || got[0] != "writing" {
		t.Fatalf("expected [writing] unresponsive despite foreign beat, got %v", got)
	}

	m.Observe(NewHeartbeat("writing", "run-1"))
	if got := m.Unresponsive(); len(got) != 0 {
		t.Fatalf("expected matching beat to refresh liveness, got %v", got)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicAgentProcess("g1"); got != "agent.g1.process" {
		t.Errorf("expected agent.g1.process, got %s", got)
	}
	if got := TopicAgentHeartbeat("g1"); got != "agent.g1.heartbeat" {
		t.Errorf("expected agent.g1.heartbeat, got %s", got)
	}
	if got := TopicRunResults("r1"); got != "pipeline.r1.results" {
		t.Errorf("expected pipeline.r1.results, got %s", got)
	}
	if got := TopicEventsRun("r1"); got != "events.pipeline.r1" {
		t.Errorf("expected events.pipeline.r1, got %s", got)
	}
}
