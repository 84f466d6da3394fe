// Package testutil provides shared test helpers, mocks, and utilities for Warden tests.
package testutil

import (
	"context"
	"sync"

	"github.com/opencellcw/ulf-warden-sub010/internal/judge"
)

// MockJudge implements judge.Provider for tests without live API calls.
// When Content is empty, Generate returns "PERMIT" so gated calls pass by
// default. Set Err to simulate judge failures (which callers treat as
// unsafe).
type MockJudge struct {
	ProviderName string // provider identifier; empty = "mock"
	Content      string // canned verdict; empty = "PERMIT"
	Err          error  // if set, Generate returns this error

	mu       sync.Mutex
	requests []*judge.Request
}

// Name returns the provider identifier (implements judge.Provider).
func (m *MockJudge) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Generate returns the canned verdict or the configured error, recording
// the request for assertions.
func (m *MockJudge) Generate(_ context.Context, req *judge.Request) (*judge.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "PERMIT"
	}
	return &judge.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// EstimateCost returns a fixed cost for tests.
func (m *MockJudge) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// Calls returns how many times Generate was invoked.
func (m *MockJudge) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil before the first
// call.
func (m *MockJudge) LastRequest() *judge.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// SequenceJudge returns a configurable sequence of verdicts: call N gets
// Responses[N], or the last entry once the sequence is exhausted. Useful
// for exercising mixed PERMIT/BLOCK runs and sanitizer-then-vetter flows.
type SequenceJudge struct {
	Responses []string

	mu        sync.Mutex
	CallCount int
}

// Name returns "sequence".
func (s *SequenceJudge) Name() string { return "sequence" }

// EstimateCost returns a fixed cost for tests.
func (s *SequenceJudge) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// Generate returns the next verdict in the sequence.
func (s *SequenceJudge) Generate(_ context.Context, req *judge.Request) (*judge.Response, error) {
	s.mu.Lock()
	idx := s.CallCount
	s.CallCount++
	s.mu.Unlock()

	content := "PERMIT"
	if len(s.Responses) > 0 {
		if idx >= len(s.Responses) {
			idx = len(s.Responses) - 1
		}
		content = s.Responses[idx]
	}
	return &judge.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}
