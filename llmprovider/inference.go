package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hatsunemiku3939/agentmesh/agent"
)

// Inference is the reasoning client behind agent.Inference.
type Inference struct {
	client *Client
}

// NewInference creates the reasoning client. The model comes from each
// request, so one client serves every agent configuration.
func NewInference(client *Client) *Inference {
	return &Inference{client: client}
}

// Complete implements agent.Inference.
func (inf *Inference) Complete(ctx context.Context, req agent.Request) (*agent.Result, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: buildMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools, err := buildTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	var resp *openai.ChatCompletion
	err := inf.client.retry(ctx, func() error {
		var callErr error
		resp, callErr = inf.client.api.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("llmprovider: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llmprovider: complete: empty response")
	}

	msg := resp.Choices[0].Message
	result := &agent.Result{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Tool:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

func buildMessages(req agent.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case agent.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case agent.RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		case agent.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Tool,
						Arguments: string(tc.Arguments),
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return msgs
}

func buildTools(defs []agent.ToolDef) ([]openai.ChatCompletionToolParam, error) {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &params); err != nil {
				return nil, fmt.Errorf("llmprovider: tool %q schema: %w", def.Name, err)
			}
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(params),
			},
		})
	}
	return tools, nil
}
