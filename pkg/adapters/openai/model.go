// Package openai implements the model transport of llm nodes on the OpenAI
// Chat Completions API, including tool calling.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when neither the node nor the options name a model.
const DefaultModel = openai.ChatModelGPT4oMini

// Options configure the OpenAI model adapter. Node configs override them
// per request.
type Options struct {
	Model               string
	Temperature         *float64
	MaxCompletionTokens int64
}

// Model wraps the Chat Completions API behind ports.Model.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a model with the official client. The client reads
// OPENAI_API_KEY and OPENAI_BASE_URL unless reqOpts override them.
func NewModel(reqOpts []option.RequestOption, optFns ...func(o *Options)) *Model {
	client := openai.NewClient(reqOpts...)
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               DefaultModel,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate runs one non-streaming completion.
func (m *Model) Generate(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	resp, err := m.client.Chat.Completions.New(ctx, m.buildParams(req))
	if err != nil {
		return domain.ModelResponse{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ModelResponse{}, errors.New("openai: no choices returned")
	}

	ch0 := resp.Choices[0]
	msg := domain.ChatMessage{
		Role:    domain.RoleAssistant,
		Content: ch0.Message.Content,
	}
	for _, tc := range ch0.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return domain.ModelResponse{Message: msg, FinishReason: ch0.FinishReason}, nil
}

func (m *Model) buildParams(req domain.ModelRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = m.opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(req.Messages),
		Model:    model,
	}

	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if temperature != nil {
		params.Temperature = openai.Float(*temperature)
	}
	maxTokens := m.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(maxTokens)
	}

	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, spec := range req.Tools {
		parameters := spec.Parameters
		if parameters == nil {
			parameters = map[string]any{"type": "object"}
		}
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// buildMessages maps the conversation onto SDK messages. Assistant turns
// that called tools carry their calls; the tool results follow as tool
// messages in the order the executor appended them.
func buildMessages(msgs []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case domain.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case domain.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
