// Package prompt assembles the system prompt for each model call: task
// instructions, the tool roster, and a budgeted merge of the three
// memory tiers.
package prompt

import (
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gliderlab/taskpilot/memstore"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/llm"
	"github.com/gliderlab/taskpilot/storage"
)

// CountFunc measures token length of a string.
type CountFunc func(string) int

// Tokenizer counts tokens with cl100k_base, falling back to a chars/4
// approximation if the encoding is unavailable (offline first run).
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer creates a tokenizer
func NewTokenizer() *Tokenizer {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("[WARN] tiktoken unavailable, using approximate token counts: %v", err)
		return &Tokenizer{}
	}
	return &Tokenizer{enc: enc}
}

// Count returns the token length of text.
func (t *Tokenizer) Count(text string) int {
	if t.enc == nil {
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Memory tier sources, in precedence order.
const (
	SourceSession  = "session"
	SourceLongTerm = "long_term"
	SourceSearch   = "search"
)

// Excerpt is one memory fragment selected for injection.
type Excerpt struct {
	ID     string
	Source string
	Text   string
}

// Merge selects memory excerpts under a token budget with strict
// precedence: session first (most-recent-first, may be truncated to
// fit), then long-term, then search hits deduplicated against the
// long-term tier. Lower-precedence tiers are dropped first when the
// budget runs out. Pure function; unit-testable without the loop.
func Merge(session, longTerm, search []Excerpt, budget int, count CountFunc) []Excerpt {
	if budget <= 0 {
		return nil
	}
	var out []Excerpt
	remaining := budget

	for _, e := range session {
		n := count(e.Text)
		if n <= remaining {
			out = append(out, e)
			remaining -= n
			continue
		}
		// session is the highest tier: truncate one item to use the
		// leftover budget rather than dropping it
		if remaining > 8 {
			e.Text = truncateToTokens(e.Text, remaining, count)
			out = append(out, e)
			remaining = 0
		}
		break
	}

	seen := make(map[string]bool, len(longTerm))
	for _, e := range longTerm {
		seen[e.ID] = true
		n := count(e.Text)
		if n > remaining {
			continue
		}
		out = append(out, e)
		remaining -= n
	}

	for _, e := range search {
		if seen[e.ID] {
			continue
		}
		n := count(e.Text)
		if n > remaining {
			continue
		}
		out = append(out, e)
		remaining -= n
	}
	return out
}

// truncateToTokens cuts text down until count(text) <= budget.
func truncateToTokens(text string, budget int, count CountFunc) string {
	for count(text) > budget && len(text) > 0 {
		// rough 4 chars/token; shave proportionally then re-check
		cut := len(text) * budget / (count(text) + 1)
		if cut >= len(text) {
			cut = len(text) - 4
		}
		if cut < 0 {
			cut = 0
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return strings.TrimSpace(text)
}

// Builder assembles prompts from the memory store.
type Builder struct {
	mem *memstore.Store
	cfg config.MemoryConfig
	tok *Tokenizer
}

// NewBuilder creates a prompt builder
func NewBuilder(mem *memstore.Store, cfg config.MemoryConfig) *Builder {
	return &Builder{mem: mem, cfg: cfg, tok: NewTokenizer()}
}

const instructions = `You are taskpilot, an assistant that completes one task through a bounded sequence of steps.

Work the task step by step. Use tools when you need files, scripts, or saved knowledge. When the task is done, reply with the final answer as plain text and no tool calls. If you are genuinely unsure how to proceed, ask the user a single direct question instead of guessing.`

// System composes the full system prompt for one model call at a tier.
func (b *Builder) System(task *storage.Task, tier config.TierConfig, tools []llm.ToolSpec) (string, error) {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\n## Task\n")
	sb.WriteString(task.Input)

	if len(tools) > 0 {
		sb.WriteString("\n\n## Tools\n")
		for _, t := range tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
	}

	excerpts, err := b.memoryExcerpts(task, tier)
	if err != nil {
		return "", err
	}
	if len(excerpts) > 0 {
		sb.WriteString("\n## Context\n")
		for _, e := range excerpts {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Source, e.Text)
		}
	}
	return sb.String(), nil
}

func (b *Builder) memoryExcerpts(task *storage.Task, tier config.TierConfig) ([]Excerpt, error) {
	sessionItems, err := b.mem.SessionItems(task.ID, b.cfg.SessionInject)
	if err != nil {
		return nil, fmt.Errorf("session memory: %w", err)
	}
	session := make([]Excerpt, len(sessionItems))
	for i, it := range sessionItems {
		session[i] = Excerpt{
			ID:     it.ID,
			Source: SourceSession,
			Text:   fmt.Sprintf("step %d (%s): %s", it.Step, it.Kind, it.Content),
		}
	}

	recentItems, err := b.mem.Recent(b.cfg.LongTermInject)
	if err != nil {
		return nil, fmt.Errorf("long-term memory: %w", err)
	}
	longTerm := make([]Excerpt, len(recentItems))
	for i, it := range recentItems {
		longTerm[i] = Excerpt{ID: it.ID, Source: SourceLongTerm, Text: it.Content}
	}

	keywords := memstore.ExtractKeywords(task.Input, 5)
	hits, err := b.mem.Search(keywords, b.cfg.SearchInject)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	search := make([]Excerpt, len(hits))
	for i, it := range hits {
		search[i] = Excerpt{ID: it.ID, Source: SourceSearch, Text: it.Content}
	}

	budget := int(float64(tier.MaxInputTokens) * b.cfg.BudgetFraction)
	return Merge(session, longTerm, search, budget, b.tok.Count), nil
}
