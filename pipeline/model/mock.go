package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests. It returns canned
// responses in order, records every call, and can inject errors, all
// without touching a provider API.
//
//	mock := &MockChatModel{Responses: []ChatOut{{Text: "draft one"}, {Text: "draft two"}}}
//
// Once the scripted responses are exhausted the last one repeats. Safe
// for concurrent use.
type MockChatModel struct {
	// Responses is the sequence of replies to hand out, one per call.
	Responses []ChatOut

	// Err, when set, is returned by every Chat call.
	Err error

	// Calls records each invocation, in order.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall captures the arguments of one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat returns the next scripted response, or Err if configured. The
// call is recorded either way.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears recorded calls and rewinds the response sequence.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount reports how many times Chat has been invoked.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
