// Package openai adapts the official OpenAI SDK to model.ChatModel.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/recipeflow-go/pipeline/model"
)

// defaultModel is used when the caller does not name one.
const defaultModel = "gpt-4o"

// ChatModel implements model.ChatModel against the OpenAI Chat
// Completions API. Tool calling is not supported; passing tools
// returns an error.
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "")
//	m.JSONMode = true // force a JSON object response
type ChatModel struct {
	client    openai.Client
	modelName string

	// JSONMode requests a JSON object response, which gate evaluators
	// rely on for structured decisions.
	JSONMode bool
}

// NewChatModel creates an OpenAI-backed ChatModel. An empty modelName
// selects gpt-4o.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Chat sends the conversation to the Chat Completions API and returns
// the first choice's text.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	if len(tools) > 0 {
		return model.ChatOut{}, errors.New("openai adapter does not support tool calling")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if m.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai returned no choices")
	}
	return model.ChatOut{Text: completion.Choices[0].Message.Content}, nil
}

// convertMessages maps conversation turns onto the SDK's message param
// unions.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}
	return out
}
