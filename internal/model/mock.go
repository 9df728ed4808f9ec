package model

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are consumed in
// order; when the script runs out the last entry repeats.
type MockClient struct {
	mu     sync.Mutex
	script []MockReply
	calls  []Request
}

type MockReply struct {
	Text string
	Err  error
}

func NewMockClient(script ...MockReply) *MockClient {
	if len(script) == 0 {
		script = []MockReply{{Text: "ok"}}
	}
	return &MockClient{script: script}
}

func (m *MockClient) Provider() string { return "mock" }

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	idx := len(m.calls) - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}

	reply := m.script[idx]
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Response{Text: reply.Text, StopReason: "end_turn"}, nil
}

// Calls returns every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
