// Package openai provides the OpenAI provider implementation
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/llm"
)

// Provider implements llm.Provider for OpenAI
type Provider struct {
	client *goopenai.Client
}

// New creates a new OpenAI provider
func New(cfg config.ProviderConfig) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{client: goopenai.NewClientWithConfig(clientCfg)}
}

// Name returns the provider name
func (p *Provider) Name() string { return "openai" }

// Chat implements llm.Provider.Chat
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	apiReq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req),
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		apiReq.Temperature = float32(req.Temperature)
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty choices")
	}

	choice := resp.Choices[0]
	out := &llm.ChatResponse{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func normalizeFinishReason(reason goopenai.FinishReason) string {
	switch reason {
	case goopenai.FinishReasonToolCalls:
		return llm.StopToolUse
	case goopenai.FinishReasonLength:
		return llm.StopLength
	default:
		return llm.StopEnd
	}
}

func convertMessages(req *llm.ChatRequest) []goopenai.ChatCompletionMessage {
	result := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			out := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			result = append(result, out)
		case llm.RoleTool:
			result = append(result, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})
		default:
			result = append(result, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return result
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
