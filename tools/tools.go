// Tools module - tool invocation framework
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/llm"
)

// Tool defines the tool interface
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// FailureKind classifies a dispatch failure. Distinguishable from a
// truncated-but-successful result.
type FailureKind string

const (
	FailUnknownTool FailureKind = "unknown_tool"
	FailInvalidArgs FailureKind = "invalid_args"
	FailExecution   FailureKind = "execution_error"
	FailTimeout     FailureKind = "timeout"
)

// Result is a successful dispatch outcome, bounded in size.
type Result struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Failure is a structured dispatch failure.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// ArgError marks invalid tool arguments. Tools return it so the
// dispatcher can classify the failure.
type ArgError struct {
	Msg string
}

func (e *ArgError) Error() string { return e.Msg }

// Argf builds an ArgError
func Argf(format string, args ...interface{}) error {
	return &ArgError{Msg: fmt.Sprintf(format, args...)}
}

// Policy holds tool allow/deny lists. Deny wins over allow; an empty
// allow list permits everything not denied.
type Policy struct {
	Allow []string
	Deny  []string
}

// Registry holds registered tools and dispatches calls under policy,
// timeout, and result-size bounds.
type Registry struct {
	tools  map[string]Tool
	policy Policy
	cfg    config.ToolsConfig
}

// NewRegistry creates a registry with the given limits
func NewRegistry(cfg config.ToolsConfig) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		policy: Policy{Allow: cfg.Allow, Deny: cfg.Deny},
		cfg:    cfg,
	}
}

// SetPolicy updates the tools policy
func (r *Registry) SetPolicy(policy Policy) {
	r.policy = policy
}

// IsAllowed checks if a tool is allowed by policy
func (r *Registry) IsAllowed(name string) bool {
	for _, denied := range r.policy.Deny {
		if denied == "*" || denied == name {
			return false
		}
	}
	if len(r.policy.Allow) == 0 {
		return true
	}
	for _, allowed := range r.policy.Allow {
		if allowed == "*" || allowed == name {
			return true
		}
	}
	return false
}

// Register a tool
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
	log.Printf("[OK] tool registered: %s", t.Name())
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns allowed tool names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if r.IsAllowed(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Specs returns provider-facing specs for the allowed tools.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.List() {
		t := r.tools[name]
		params, err := json.Marshal(t.Parameters())
		if err != nil {
			log.Printf("[WARN] tool %s: bad parameter schema: %v", name, err)
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return specs
}

// Dispatch runs one tool call. Every call is bounded by the configured
// timeout and result size; the outcome is either a Result or a Failure,
// never both.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) (*Result, *Failure) {
	if !r.IsAllowed(name) {
		return nil, &Failure{Kind: FailUnknownTool, Message: fmt.Sprintf("tool not allowed by policy: %s", name)}
	}
	t, ok := r.Get(name)
	if !ok {
		return nil, &Failure{Kind: FailUnknownTool, Message: fmt.Sprintf("tool not found: %s", name)}
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Printf("[TOOL] calling %s", name)

	type outcome struct {
		content string
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		content, err := t.Execute(callCtx, args)
		ch <- outcome{content: content, err: err}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			log.Printf("[ERROR] tool %s timed out after %s", name, timeout)
			return nil, &Failure{Kind: FailTimeout, Message: fmt.Sprintf("tool %s exceeded %s", name, timeout)}
		}
		return nil, &Failure{Kind: FailExecution, Message: callCtx.Err().Error()}
	case out := <-ch:
		if out.err != nil {
			var argErr *ArgError
			if errors.As(out.err, &argErr) {
				log.Printf("[ERROR] tool %s invalid args: %v", name, out.err)
				return nil, &Failure{Kind: FailInvalidArgs, Message: out.err.Error()}
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, &Failure{Kind: FailTimeout, Message: out.err.Error()}
			}
			log.Printf("[ERROR] tool %s failed: %v", name, out.err)
			return nil, &Failure{Kind: FailExecution, Message: out.err.Error()}
		}
		content, truncated := Truncate(out.content, r.cfg.MaxResultBytes)
		log.Printf("[OK] tool %s succeeded (%d bytes, truncated=%v)", name, len(content), truncated)
		return &Result{Content: content, Truncated: truncated}, nil
	}
}

// Truncate bounds s to maxLen bytes, cutting on a rune boundary and
// reporting whether anything was cut.
func Truncate(s string, maxLen int) (string, bool) {
	if maxLen <= 0 || len(s) <= maxLen {
		return s, false
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "\n(content truncated)", true
}

// GetString gets a string arg
func GetString(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt gets an int arg
func GetInt(args map[string]interface{}, key string) int {
	if v, ok := args[key]; ok {
		switch f := v.(type) {
		case float64:
			return int(f)
		case int:
			return f
		case string:
			var i int
			fmt.Sscanf(f, "%d", &i)
			return i
		}
	}
	return 0
}

// GetStrings gets a string-slice arg
func GetStrings(args map[string]interface{}, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vv}
	}
	return nil
}
