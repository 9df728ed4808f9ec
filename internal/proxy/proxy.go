// Package proxy presents the orchestrator contract across a process
// boundary. The caller side holds a websocket to the gateway and
// implements the same Service interface the in-process orchestrator does;
// only JSON-serializable data crosses, and error kinds survive the trip so
// remote callers can still classify failures.
package proxy

import (
	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/pipeline"
)

// Service is the orchestrator-facing contract shared by both sides of the
// boundary. *pipeline.Orchestrator satisfies it in process; Client
// satisfies it remotely.
type Service interface {
	Submit(cfg *pipeline.Config, input *pipeline.Input) (string, error)
	Status(runID string) (*pipeline.Status, error)
	Cancel(runID string) error
	Result(runID string) (*pipeline.Result, error)
}

const (
	opSubmit = "submit"
	opStatus = "status"
	opCancel = "cancel"
	opResult = "result"
)

// request is one marshalled call. IDs correlate responses on a shared
// connection; fields beyond the op's arguments stay empty.
type request struct {
	ID     string           `json:"id"`
	Op     string           `json:"op"`
	Config *pipeline.Config `json:"config,omitempty"`
	Input  *pipeline.Input  `json:"input,omitempty"`
	RunID  string           `json:"run_id,omitempty"`
}

type response struct {
	ID     string           `json:"id"`
	RunID  string           `json:"run_id,omitempty"`
	Status *pipeline.Status `json:"status,omitempty"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  *fault.Remote    `json:"error,omitempty"`
}
