package judge

import (
	"context"
	"fmt"

	"github.com/opencellcw/ulf-warden-sub010/internal/retry"
)

// Chain is a Provider that tries a list of (provider, model) pairs in
// order and returns the first success. When every entry fails, the error
// reports each entry's failure so a misconfigured fallback is visible.
type Chain struct {
	entries []chainEntry
}

type chainEntry struct {
	provider Provider
	// model overrides the request model for this entry; empty keeps the
	// caller's model (the primary entry normally leaves it empty).
	model string
}

// NewChain creates an empty provider chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends a provider to the chain. model may be empty to use the
// request's model unchanged.
func (c *Chain) Add(p Provider, model string) *Chain {
	c.entries = append(c.entries, chainEntry{provider: p, model: model})
	return c
}

// Name returns the chain identifier.
func (c *Chain) Name() string {
	if len(c.entries) == 1 {
		return c.entries[0].provider.Name()
	}
	return "chain"
}

// EstimateCost delegates to the primary entry. The fallback's pricing only
// differs when it actually serves the call, and the chain cannot know that
// here; the primary's estimate is the planning number.
func (c *Chain) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	if len(c.entries) == 0 {
		return 0.0
	}
	return c.entries[0].provider.EstimateCost(model, inputTokens, outputTokens)
}

// Generate tries each provider in order via the fallback engine.
func (c *Chain) Generate(ctx context.Context, req *Request) (*Response, error) {
	if len(c.entries) == 0 {
		return nil, fmt.Errorf("judge chain has no providers")
	}

	strategies := make([]retry.Strategy, 0, len(c.entries))
	for _, e := range c.entries {
		entry := e
		strategies = append(strategies, retry.Strategy{
			Name: entry.provider.Name(),
			Fn: func(ctx context.Context) (any, error) {
				entryReq := *req
				if entry.model != "" {
					entryReq.Model = entry.model
				}
				return entry.provider.Generate(ctx, &entryReq)
			},
		})
	}

	out, err := retry.RunFallback(ctx, strategies)
	if err != nil {
		return nil, err
	}
	resp, ok := out.(*Response)
	if !ok {
		return nil, fmt.Errorf("judge chain: unexpected result type %T", out)
	}
	return resp, nil
}
