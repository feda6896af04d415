package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gliderlab/taskpilot/pkg/config"
)

// fakeTool is a scriptable tool for dispatcher tests.
type fakeTool struct {
	name    string
	result  string
	err     error
	delay   time.Duration
	touched bool
}

func (f *fakeTool) Name() string                        { return f.name }
func (f *fakeTool) Description() string                 { return "test tool" }
func (f *fakeTool) Parameters() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	f.touched = true
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.result, f.err
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default().Tools
	cfg.Timeout = 2 * time.Second
	cfg.MaxResultBytes = 50
	return NewRegistry(cfg)
}

func TestDispatchSuccess(t *testing.T) {
	r := testRegistry(t)
	r.Register(&fakeTool{name: "echo", result: "hello"})

	res, fail := r.Dispatch(context.Background(), "echo", nil)
	if fail != nil {
		t.Fatalf("Dispatch failed: %v", fail)
	}
	if res.Content != "hello" || res.Truncated {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchTruncatesLargeResults(t *testing.T) {
	r := testRegistry(t)
	r.Register(&fakeTool{name: "big", result: strings.Repeat("x", 200)})

	res, fail := r.Dispatch(context.Background(), "big", nil)
	if fail != nil {
		t.Fatalf("Dispatch failed: %v", fail)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if !strings.HasPrefix(res.Content, strings.Repeat("x", 50)) {
		t.Errorf("content = %q", res.Content[:60])
	}
}

func TestDispatchFailureKinds(t *testing.T) {
	r := testRegistry(t)
	r.Register(&fakeTool{name: "broken", err: fmt.Errorf("disk on fire")})
	r.Register(&fakeTool{name: "picky", err: Argf("need a path")})

	cases := []struct {
		tool string
		want FailureKind
	}{
		{"nonexistent", FailUnknownTool},
		{"broken", FailExecution},
		{"picky", FailInvalidArgs},
	}
	for _, tc := range cases {
		res, fail := r.Dispatch(context.Background(), tc.tool, nil)
		if res != nil {
			t.Errorf("%s: got result, want failure", tc.tool)
			continue
		}
		if fail.Kind != tc.want {
			t.Errorf("%s: kind = %q, want %q", tc.tool, fail.Kind, tc.want)
		}
	}
}

func TestDispatchTimeout(t *testing.T) {
	cfg := config.Default().Tools
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxResultBytes = 1000
	r := NewRegistry(cfg)
	r.Register(&fakeTool{name: "slow", result: "late", delay: 5 * time.Second})

	start := time.Now()
	res, fail := r.Dispatch(context.Background(), "slow", nil)
	if res != nil || fail == nil {
		t.Fatal("expected timeout failure")
	}
	if fail.Kind != FailTimeout {
		t.Errorf("kind = %q, want timeout", fail.Kind)
	}
	if time.Since(start) > time.Second {
		t.Error("dispatch did not return promptly on timeout")
	}
}

func TestPolicyDenyWins(t *testing.T) {
	r := testRegistry(t)
	tool := &fakeTool{name: "danger", result: "ran"}
	r.Register(tool)
	r.SetPolicy(Policy{Allow: []string{"danger"}, Deny: []string{"danger"}})

	res, fail := r.Dispatch(context.Background(), "danger", nil)
	if res != nil || fail.Kind != FailUnknownTool {
		t.Errorf("denied tool dispatched: res=%v fail=%v", res, fail)
	}
	if tool.touched {
		t.Error("denied tool was executed")
	}
}

func TestPolicyAllowList(t *testing.T) {
	r := testRegistry(t)
	r.Register(&fakeTool{name: "a", result: "1"})
	r.Register(&fakeTool{name: "b", result: "2"})
	r.SetPolicy(Policy{Allow: []string{"a"}})

	if got := r.List(); len(got) != 1 || got[0] != "a" {
		t.Errorf("List() = %v, want [a]", got)
	}
	if _, fail := r.Dispatch(context.Background(), "b", nil); fail == nil {
		t.Error("tool outside allow list dispatched")
	}
}

func TestSpecsCoverAllowedTools(t *testing.T) {
	r := testRegistry(t)
	r.Register(&fakeTool{name: "a", result: "1"})
	r.Register(&fakeTool{name: "b", result: "2"})
	r.SetPolicy(Policy{Deny: []string{"b"}})

	specs := r.Specs()
	if len(specs) != 1 || specs[0].Name != "a" {
		t.Errorf("Specs() = %+v", specs)
	}
	if len(specs[0].Parameters) == 0 {
		t.Error("spec parameters empty")
	}
}

func TestTruncate(t *testing.T) {
	s, cut := Truncate("short", 100)
	if cut || s != "short" {
		t.Errorf("Truncate small = %q, %v", s, cut)
	}
	s, cut = Truncate("0123456789", 4)
	if !cut || !strings.HasPrefix(s, "0123") {
		t.Errorf("Truncate large = %q, %v", s, cut)
	}
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	s, cut := Truncate(strings.Repeat("é", 10), 5)
	if !cut {
		t.Fatal("expected truncation")
	}
	if !utf8.ValidString(s) {
		t.Errorf("truncated result is invalid UTF-8: %q", s)
	}
	if !strings.HasPrefix(s, "éé") {
		t.Errorf("truncated = %q, want éé prefix", s)
	}
}
