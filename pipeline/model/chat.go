// Package model defines the chat-model seam between pipeline agents
// and LLM providers.
//
// Stage and gate agents speak to a ChatModel; the provider subpackages
// (anthropic, openai, google) adapt the official SDKs to that
// interface, and MockChatModel stands in for them in tests. Swapping
// providers never touches agent code.
package model

import "context"

// ChatModel is the provider-neutral chat interface.
//
// Implementations handle authentication, convert Message values to the
// provider's wire format, and map responses back into ChatOut. They
// must respect context cancellation; rate limiting and retries are the
// provider adapter's concern.
type ChatModel interface {
	// Chat sends the conversation to the provider and returns its
	// reply. tools may be nil; adapters that do not support tool
	// calling return an error when tools are supplied.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in an LLM conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard conversation roles, matching the conventions shared by the
// major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the model may call. Schema follows JSON
// Schema and describes the tool's input parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ChatOut is a provider response: generated text, tool invocation
// requests, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a model request to invoke a named tool with the given
// input. Input structure matches the tool's declared schema.
type ToolCall struct {
	Name  string
	Input map[string]any
}
