package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gliderlab/taskpilot/memstore"
	"github.com/gliderlab/taskpilot/storage"
)

func memTools(t *testing.T) (*MemorySaveTool, *MemorySearchTool) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mem := memstore.New(db)
	return &MemorySaveTool{Mem: mem}, &MemorySearchTool{Mem: mem, Limit: 5}
}

func TestMemorySaveAndSearch(t *testing.T) {
	save, search := memTools(t)
	ctx := context.Background()

	out, err := save.Execute(ctx, map[string]interface{}{
		"content": "staging database password rotates on mondays",
		"tags":    []interface{}{"staging", "database"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(out, "staging") {
		t.Errorf("save output = %q", out)
	}

	hits, err := search.Execute(ctx, map[string]interface{}{"query": "when does the staging password rotate"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(hits, "rotates on mondays") {
		t.Errorf("search output = %q", hits)
	}
}

func TestMemorySearchNoMatches(t *testing.T) {
	_, search := memTools(t)
	out, err := search.Execute(context.Background(), map[string]interface{}{"query": "nothing stored yet"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if out != "no matches" {
		t.Errorf("output = %q", out)
	}
}

func TestMemoryToolsValidateArgs(t *testing.T) {
	save, search := memTools(t)
	ctx := context.Background()

	if _, err := save.Execute(ctx, map[string]interface{}{"content": "  "}); err == nil {
		t.Error("empty content accepted")
	}
	if _, err := search.Execute(ctx, map[string]interface{}{}); err == nil {
		t.Error("missing query accepted")
	}
}
