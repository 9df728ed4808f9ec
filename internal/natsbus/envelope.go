package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageProcessRequest  MessageType = "process_request"
	MessageProcessResponse MessageType = "process_response"
	MessageHeartbeat       MessageType = "heartbeat"
	MessageCancel          MessageType = "cancel"
	MessageEvent           MessageType = "event"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Envelope is the uniform message exchanged between orchestrator and agents.
// Delivery is at-least-once; receivers detect duplicates by correlation id.
type Envelope struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	AgentID       string          `json:"agent_id"`
	CorrelationID string          `json:"correlation_id"`
	Priority      Priority        `json:"priority"`
	Timestamp     time.Time       `json:"timestamp"`
	RetryCount    int             `json:"retry_count"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t MessageType, agentID, correlationID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          t,
		AgentID:       agentID,
		CorrelationID: correlationID,
		Priority:      PriorityNormal,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// NewHeartbeat builds a heartbeat envelope for an active agent. The run id
// travels as the correlation id so the orchestrator can scope liveness to
// the run it is driving.
func NewHeartbeat(agentID, runID string) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          MessageHeartbeat,
		AgentID:       agentID,
		CorrelationID: runID,
		Priority:      PriorityLow,
		Timestamp:     time.Now().UTC(),
	}
}

func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}
