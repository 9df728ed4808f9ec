package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentProcess(agentID string) string {
	return fmt.Sprintf("agent.%s.process", agentID)
}

func TopicAgentHeartbeat(agentID string) string {
	return fmt.Sprintf("agent.%s.heartbeat", agentID)
}

func TopicRunResults(runID string) string {
	return fmt.Sprintf("pipeline.%s.results", runID)
}

func TopicRunCancel(runID string) string {
	return fmt.Sprintf("pipeline.%s.cancel", runID)
}

func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.pipeline.%s", runID)
}

const (
	TopicEventsAll     = "events.>"
	TopicHeartbeatsAll = "agent.*.heartbeat"
	TopicRunCancelAll  = "pipeline.*.cancel"
)
