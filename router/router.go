// Package router resolves a task to a model tier: explicit override
// tokens first, otherwise one cheap classification call. Classification
// failures fail open to the capable tier, never drop the task.
package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/gliderlab/taskpilot/ledger"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/llm"
	"github.com/gliderlab/taskpilot/storage"
)

// Override prefixes a user can put at the start of the task text.
const (
	OverrideFast = "!fast"
	OverrideDeep = "!deep"
)

const classifyPrompt = `Classify the complexity of the following task. Reply with exactly one word:
"simple" if it is a short lookup, rewrite, or single-step request;
"complex" if it needs multiple steps, tools, code, or research.

Task: %s`

// Router assigns tiers.
type Router struct {
	roster *llm.Roster
	cfg    *config.Config
	led    *ledger.Ledger
}

// New creates a router
func New(roster *llm.Roster, cfg *config.Config, led *ledger.Ledger) *Router {
	return &Router{roster: roster, cfg: cfg, led: led}
}

// ParseOverride splits an override token off the task text. Returns the
// tier the token names ("" when no override) and the cleaned text.
func ParseOverride(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, OverrideFast):
		return config.TierFast, strings.TrimSpace(strings.TrimPrefix(trimmed, OverrideFast))
	case strings.HasPrefix(trimmed, OverrideDeep):
		return config.TierDeep, strings.TrimSpace(strings.TrimPrefix(trimmed, OverrideDeep))
	}
	return "", trimmed
}

// Route resolves the tier for a task and records the classification cost.
// Exactly one CostLogEntry is written per call: zero-cost on override.
func (r *Router) Route(ctx context.Context, taskID, text string) (tier string, cleanText string, err error) {
	if override, clean := ParseOverride(text); override != "" {
		if err := r.led.Record(ctx, &storage.CostLogEntry{
			TaskID: taskID,
			Tier:   config.TierRoute,
			// explicit override skips the classification call entirely
			CostUSD: 0,
		}); err != nil {
			return "", "", fmt.Errorf("record override cost: %w", err)
		}
		log.Printf("[ROUTE] task %s: override -> %s", taskID, override)
		return override, clean, nil
	}

	tier, usage, model := r.classify(ctx, text)
	routeTier := r.cfg.Tiers[config.TierRoute]
	if err := r.led.Record(ctx, &storage.CostLogEntry{
		TaskID:       taskID,
		Tier:         config.TierRoute,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      ledger.CostFor(routeTier, usage.InputTokens, usage.OutputTokens),
	}); err != nil {
		return "", "", fmt.Errorf("record classification cost: %w", err)
	}
	log.Printf("[ROUTE] task %s: classified -> %s", taskID, tier)
	return tier, strings.TrimSpace(text), nil
}

// classify runs the cheap labeling call. Any failure returns the capable
// tier with whatever usage was actually consumed.
func (r *Router) classify(ctx context.Context, text string) (string, llm.Usage, string) {
	routeTier := r.cfg.Tiers[config.TierRoute]
	provider, err := r.roster.Get(routeTier.Provider)
	if err != nil {
		log.Printf("[WARN] Router: no route provider, failing open to deep: %v", err)
		return config.TierDeep, llm.Usage{}, routeTier.Model
	}

	resp, err := provider.Chat(ctx, &llm.ChatRequest{
		Model:     routeTier.Model,
		MaxTokens: routeTier.MaxOutputTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(classifyPrompt, clip(text, 2000)),
		}},
	})
	if err != nil {
		log.Printf("[WARN] Router: classification call failed, failing open to deep: %v", err)
		return config.TierDeep, llm.Usage{}, routeTier.Model
	}

	label := strings.ToLower(resp.Text)
	switch {
	case strings.Contains(label, "simple"):
		return config.TierFast, resp.Usage, routeTier.Model
	case strings.Contains(label, "complex"):
		return config.TierDeep, resp.Usage, routeTier.Model
	}
	log.Printf("[WARN] Router: unparseable label %q, failing open to deep", clip(resp.Text, 80))
	return config.TierDeep, resp.Usage, routeTier.Model
}

// clip bounds s to max bytes, cutting on a rune boundary.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
