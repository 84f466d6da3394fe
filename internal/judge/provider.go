// Package judge provides the LLM collaborator used by the admission gate.
// Both the sanitizer and the vetter call a judge with temperature 0 for
// deterministic verdicts; judge failures are always treated as unsafe by
// the callers, never ignored.
package judge

import (
	"context"
	"errors"
	"time"
)

// TimeoutJudgeCall bounds a single judge request.
const TimeoutJudgeCall = 60 * time.Second

// Domain errors for the judge package.
var (
	ErrUnknownProvider = errors.New("unknown judge provider")
	ErrEmptyResponse   = errors.New("judge returned an empty response")
)

// Provider is the interface all judge backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in EUR for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents a judge generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents a judge generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}
