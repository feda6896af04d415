package llm

import (
	"context"
	"testing"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Text: "ok", StopReason: StopEnd}, nil
}

func TestRosterRegisterGet(t *testing.T) {
	r := NewRoster()
	r.Register(&stubProvider{name: "anthropic"})
	r.Register(&stubProvider{name: "openai"})

	p, err := r.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("got %q, want anthropic", p.Name())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unregistered provider")
	}

	if len(r.Names()) != 2 {
		t.Errorf("Names() = %v, want 2 entries", r.Names())
	}
}

func TestRosterReplace(t *testing.T) {
	r := NewRoster()
	first := &stubProvider{name: "openai"}
	second := &stubProvider{name: "openai"}
	r.Register(first)
	r.Register(second)
	p, _ := r.Get("openai")
	if p != Provider(second) {
		t.Error("re-register should replace the provider")
	}
}
