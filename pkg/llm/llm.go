// Package llm defines the provider-neutral chat interface and the roster
// that maps configured tiers onto concrete providers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons normalized across providers
const (
	StopEnd     = "end"      // model finished its answer
	StopToolUse = "tool_use" // model wants tool results before continuing
	StopLength  = "length"   // output token budget exhausted
)

// Message is one turn in a conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result turns only
	ToolName   string     `json:"tool_name,omitempty"`    // tool result turns only
}

// ToolCall is a model request to run one tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolSpec advertises one tool to the model. Parameters is a JSON Schema
// object describing the arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is a single model call.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []ToolSpec
}

// Usage reports token consumption for one call. Required on every
// response: cost accounting downstream depends on it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the normalized result of one model call.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
	Model      string
}

// Provider is one model backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Roster holds registered providers by name.
type Roster struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its own name.
func (r *Roster) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Roster) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Roster) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
