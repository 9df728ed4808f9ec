// Package model abstracts the LLM providers the role agents call. Each
// provider adapter maps one prompt/completion exchange onto its official
// SDK; agents never import an SDK directly.
package model

import "context"

// Request is one completion exchange.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Response is the provider's completion.
type Response struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Client is implemented per provider. Complete blocks until the provider
// answers or ctx is cancelled; failures come back as communication faults
// so callers can feed them to the circuit breaker.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
}
