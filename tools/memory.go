// Memory tools - promote and search long-term memory from inside a task
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/gliderlab/taskpilot/memstore"
)

// MemorySaveTool promotes a fact into the long-term store.
type MemorySaveTool struct {
	Mem *memstore.Store
}

func (t *MemorySaveTool) Name() string { return "memory_save" }
func (t *MemorySaveTool) Description() string {
	return "Save a durable fact to long-term memory. Args: content, tags (list of keywords, optional)."
}
func (t *MemorySaveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{"type": "string", "description": "the fact to remember"},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "keywords for later retrieval",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	content := strings.TrimSpace(GetString(args, "content"))
	if content == "" {
		return "", Argf("content is required")
	}
	item, err := t.Mem.Promote(content, GetStrings(args, "tags"), "")
	if err != nil {
		return "", fmt.Errorf("save: %v", err)
	}
	return fmt.Sprintf("saved %s (tags: %s)", item.ID, strings.Join(item.Tags, ", ")), nil
}

// MemorySearchTool searches the long-term store by keywords.
type MemorySearchTool struct {
	Mem   *memstore.Store
	Limit int
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory. Args: query (free text, keywords are extracted)."
}
func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "what to look for"},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query := strings.TrimSpace(GetString(args, "query"))
	if query == "" {
		return "", Argf("query is required")
	}
	limit := t.Limit
	if limit <= 0 {
		limit = 5
	}
	keywords := memstore.ExtractKeywords(query, 5)
	items, err := t.Mem.Search(keywords, limit)
	if err != nil {
		return "", fmt.Errorf("search: %v", err)
	}
	if len(items) == 0 {
		return "no matches", nil
	}
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "[%s] %s (tags: %s)\n", it.ID, it.Content, strings.Join(it.Tags, ", "))
	}
	return sb.String(), nil
}
