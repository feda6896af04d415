// Package google provides the Google Gemini provider implementation
package google

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/llm"
)

// Provider implements llm.Provider for Google Gemini
type Provider struct {
	client *genai.Client
}

// New creates a new Google provider
func New(ctx context.Context, cfg config.ProviderConfig) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return "google" }

// Chat implements llm.Provider.Chat
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := &genai.Schema{}
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, schema); err != nil {
					return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
				}
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			})
		}
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("google chat: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("google chat: empty candidates")
	}

	cand := resp.Candidates[0]
	out := &llm.ChatResponse{Model: req.Model}
	for i, part := range cand.Content.Parts {
		if part.Text != "" {
			out.Text += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("function call args: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}
	switch {
	case len(out.ToolCalls) > 0:
		out.StopReason = llm.StopToolUse
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		out.StopReason = llm.StopLength
	default:
		out.StopReason = llm.StopEnd
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func convertMessages(msgs []llm.Message) ([]*genai.Content, error) {
	result := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleAssistant:
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						return nil, fmt.Errorf("tool call %s args: %w", tc.Name, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			result = append(result, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case llm.RoleTool:
			result = append(result, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.ToolName,
						Response: map[string]any{"output": m.Content},
					},
				}},
			})
		default:
			result = append(result, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return result, nil
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
