// Package agent provides collaborator implementations for pipeline
// recipes.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/dshills/recipeflow-go/pipeline"
	"github.com/dshills/recipeflow-go/pipeline/model"
)

// LLMStage is a pipeline.Invoker backed by a chat model. The prompt
// template renders against the run payload, so earlier stage outputs
// are available as {{.key}} expressions, and the model's reply lands
// under the stage's output key.
type LLMStage struct {
	chat      model.ChatModel
	outputKey string
	system    string
	prompt    *template.Template
}

// NewLLMStage parses promptTmpl as a text/template executed against
// the payload. system may be empty; outputKey names the payload key
// the reply is stored under.
func NewLLMStage(chat model.ChatModel, outputKey, system, promptTmpl string) (*LLMStage, error) {
	if chat == nil {
		return nil, errors.New("chat model is required")
	}
	if outputKey == "" {
		return nil, errors.New("output key is required")
	}
	tmpl, err := template.New(outputKey).Option("missingkey=zero").Parse(promptTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &LLMStage{chat: chat, outputKey: outputKey, system: system, prompt: tmpl}, nil
}

// Invoke renders the prompt, calls the model once, and returns the
// reply text under the stage's output key.
func (s *LLMStage) Invoke(ctx context.Context, payload pipeline.Payload) (pipeline.Payload, error) {
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, map[string]any(payload)); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	messages := make([]model.Message, 0, 2)
	if s.system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: s.system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: buf.String()})

	out, err := s.chat.Chat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}
	return pipeline.Payload{s.outputKey: out.Text}, nil
}

// LLMGate is a pipeline.Evaluator backed by a chat model asked for a
// JSON verdict. The model must answer with an object of the form
//
//	{"decision": "continue" | "retry" | "escalate", "reason": "..."}
//
// and anything else fails the evaluation, which fails the run. Custom
// gate labels such as "revision_required" stay an engine concern: the
// verdict vocabulary is always the three decision kinds.
type LLMGate struct {
	chat   model.ChatModel
	system string
	prompt *template.Template
}

// NewLLMGate parses promptTmpl as a text/template executed against the
// payload.
func NewLLMGate(chat model.ChatModel, system, promptTmpl string) (*LLMGate, error) {
	if chat == nil {
		return nil, errors.New("chat model is required")
	}
	tmpl, err := template.New("gate").Option("missingkey=zero").Parse(promptTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &LLMGate{chat: chat, system: system, prompt: tmpl}, nil
}

// Evaluate renders the prompt, calls the model, and parses the JSON
// verdict into a routing decision.
func (g *LLMGate) Evaluate(ctx context.Context, payload pipeline.Payload) (pipeline.Decision, error) {
	var buf bytes.Buffer
	if err := g.prompt.Execute(&buf, map[string]any(payload)); err != nil {
		return pipeline.Decision{}, fmt.Errorf("render prompt: %w", err)
	}

	messages := make([]model.Message, 0, 2)
	if g.system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: g.system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: buf.String()})

	out, err := g.chat.Chat(ctx, messages, nil)
	if err != nil {
		return pipeline.Decision{}, err
	}

	verdict, err := parseVerdict(out.Text)
	if err != nil {
		return pipeline.Decision{}, err
	}
	switch verdict.Decision {
	case "continue":
		return pipeline.Continue(), nil
	case "retry":
		return pipeline.Retry(""), nil
	case "escalate":
		return pipeline.Escalate(verdict.Reason), nil
	default:
		return pipeline.Decision{}, fmt.Errorf("model returned unknown decision %q", verdict.Decision)
	}
}

type gateVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// parseVerdict decodes the model's reply, tolerating markdown fences
// around the JSON object.
func parseVerdict(text string) (gateVerdict, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var v gateVerdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return gateVerdict{}, fmt.Errorf("parse gate verdict: %w", err)
	}
	if v.Decision == "" {
		return gateVerdict{}, errors.New("gate verdict has no decision field")
	}
	return v, nil
}
