package prompt

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gliderlab/taskpilot/memstore"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/llm"
	"github.com/gliderlab/taskpilot/storage"
)

// wordCount is a deterministic CountFunc for merge tests: one token per word.
func wordCount(s string) int { return len(strings.Fields(s)) }

func ex(id, source, text string) Excerpt {
	return Excerpt{ID: id, Source: source, Text: text}
}

func TestMergePrecedence(t *testing.T) {
	session := []Excerpt{ex("s1", SourceSession, "one two"), ex("s2", SourceSession, "three four")}
	longTerm := []Excerpt{ex("l1", SourceLongTerm, "five six")}
	search := []Excerpt{ex("q1", SourceSearch, "seven eight")}

	// budget fits everything
	got := Merge(session, longTerm, search, 100, wordCount)
	if len(got) != 4 {
		t.Fatalf("got %d excerpts, want 4", len(got))
	}
	// session first, then long-term, then search
	if got[0].ID != "s1" || got[2].ID != "l1" || got[3].ID != "q1" {
		t.Errorf("order: %v %v %v %v", got[0].ID, got[1].ID, got[2].ID, got[3].ID)
	}
}

func TestMergeTruncatesLowerTiersFirst(t *testing.T) {
	session := []Excerpt{ex("s1", SourceSession, "one two three four")}
	longTerm := []Excerpt{ex("l1", SourceLongTerm, "five six")}
	search := []Excerpt{ex("q1", SourceSearch, "seven eight")}

	// room for session and long-term only
	got := Merge(session, longTerm, search, 6, wordCount)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	if len(got) != 2 || ids[0] != "s1" || ids[1] != "l1" {
		t.Errorf("got %v, want [s1 l1]", ids)
	}

	// room for session only: search and long-term both dropped
	got = Merge(session, longTerm, search, 4, wordCount)
	if len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("got %v, want only s1", got)
	}
}

func TestMergeDedupesSearchAgainstLongTerm(t *testing.T) {
	longTerm := []Excerpt{ex("dup", SourceLongTerm, "shared fact")}
	search := []Excerpt{ex("dup", SourceSearch, "shared fact"), ex("q2", SourceSearch, "unique hit")}

	got := Merge(nil, longTerm, search, 100, wordCount)
	if len(got) != 2 {
		t.Fatalf("got %d excerpts, want 2 (dup removed)", len(got))
	}
	for _, e := range got {
		if e.ID == "dup" && e.Source == SourceSearch {
			t.Error("search duplicate of a long-term item survived")
		}
	}
}

func TestMergeZeroBudget(t *testing.T) {
	if got := Merge([]Excerpt{ex("s1", SourceSession, "x")}, nil, nil, 0, wordCount); got != nil {
		t.Errorf("zero budget should select nothing, got %v", got)
	}
}

func TestTokenizerFallback(t *testing.T) {
	tok := &Tokenizer{} // no encoding loaded
	if got := tok.Count("12345678"); got != 2 {
		t.Errorf("fallback count = %d, want 2 (len/4)", got)
	}
}

func TestSystemPromptContents(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer db.Close()
	mem := memstore.New(db)

	mem.Promote("deploys run through ansible", []string{"ansible", "deploy"}, "")
	mem.AppendSession("t1", 0, memstore.KindToolResult, "listed 3 files")

	b := NewBuilder(mem, config.Default().Memory)
	task := &storage.Task{ID: "t1", Input: "update the ansible deploy playbook"}
	tier := config.Default().Tiers[config.TierDeep]
	tools := []llm.ToolSpec{{Name: "read_file", Description: "read a workspace file"}}

	system, err := b.System(task, tier, tools)
	if err != nil {
		t.Fatalf("System: %v", err)
	}
	for _, want := range []string{
		"update the ansible deploy playbook",
		"read_file",
		"listed 3 files",
		"deploys run through ansible",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestTruncateToTokensKeepsRunesIntact(t *testing.T) {
	byteCount := func(s string) int { return len(s) / 4 }
	got := truncateToTokens(strings.Repeat("日本語のテキスト ", 20), 10, byteCount)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if n := byteCount(got); n > 10 {
		t.Errorf("token count = %d, want <= 10", n)
	}
}
