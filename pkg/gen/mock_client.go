package gen

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are consumed in order;
// every request is recorded for assertions.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	requests  []Request
	calls     int
}

// MockResponse is one scripted reply. A non-nil Err is returned instead of
// the content.
type MockResponse struct {
	Content string
	Err     error
}

// NewMockClient creates a mock that replays the given responses in order.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Complete returns the next scripted response, or an error once the script
// runs out.
func (m *MockClient) Complete(ctx context.Context, in Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, in)
	if m.calls >= len(m.responses) {
		m.calls++
		return Response{}, fmt.Errorf("mock client exhausted after %d scripted responses", len(m.responses))
	}
	r := m.responses[m.calls]
	m.calls++
	if r.Err != nil {
		return Response{}, r.Err
	}
	return Response{Content: r.Content, StopReason: "end_turn"}, nil
}

// ModelName identifies the mock in logs.
func (m *MockClient) ModelName() string {
	return "mock"
}

// Enqueue appends further scripted responses.
func (m *MockClient) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// CallCount returns how many times Complete was invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns a copy of every recorded request, in call order.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
