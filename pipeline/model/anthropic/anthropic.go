// Package anthropic adapts the official Anthropic SDK to
// model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/recipeflow-go/pipeline/model"
)

// defaultModel is used when the caller does not name one.
const defaultModel = "claude-sonnet-4-20250514"

// ChatModel implements model.ChatModel against the Anthropic Messages
// API.
//
// Claude has no dedicated system slot in this adapter: system turns
// are folded into the first user turn. Tool calling is not supported;
// passing tools returns an error.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "Summarize the findings."}}, nil)
type ChatModel struct {
	client    anthropic.Client
	modelName string

	// MaxTokens bounds the response length. Defaults to 4096.
	MaxTokens int64
}

// NewChatModel creates an Anthropic-backed ChatModel. An empty
// modelName selects a current Claude Sonnet model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
		MaxTokens: 4096,
	}
}

// Chat sends the conversation to the Messages API and returns the
// concatenated text blocks of the reply.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	if len(tools) > 0 {
		return model.ChatOut{}, errors.New("anthropic adapter does not support tool calling")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.MaxTokens,
		Messages:  convertMessages(messages),
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic API error: %w", err)
	}

	out := model.ChatOut{}
	for _, block := range message.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}
	return out, nil
}

// convertMessages maps conversation turns onto Anthropic message
// params. System turns are prepended to the first user turn, since the
// Messages API only accepts user and assistant roles in the turn list.
func convertMessages(messages []model.Message) []anthropic.MessageParam {
	var system string
	var out []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case model.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			content := msg.Content
			if system != "" {
				content = system + "\n\n" + content
				system = ""
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}

	// A conversation of only system turns still needs one user turn.
	if system != "" {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(system)))
	}
	return out
}
