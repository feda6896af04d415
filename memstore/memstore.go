// Package memstore is the tiered memory surface: task-scoped session
// notes and durable long-term facts with keyword search.
package memstore

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gliderlab/taskpilot/storage"
)

// Session item kinds
const (
	KindNote       = "note"
	KindToolResult = "tool_result"
	KindUserInput  = "user_input"
)

// Store layers memory semantics over the SQLite tables.
type Store struct {
	db *storage.Storage
}

// New creates a memory store over db
func New(db *storage.Storage) *Store {
	return &Store{db: db}
}

// AppendSession records one task-scoped note tied to a step index.
func (s *Store) AppendSession(taskID string, step int, kind, content string) (*storage.SessionItem, error) {
	if kind == "" {
		kind = KindNote
	}
	item := &storage.SessionItem{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Step:    step,
		Kind:    kind,
		Content: content,
	}
	if err := s.db.AppendSession(item); err != nil {
		return nil, err
	}
	return item, nil
}

// SessionItems returns a task's live notes, most recent step first.
func (s *Store) SessionItems(taskID string, limit int) ([]*storage.SessionItem, error) {
	return s.db.SessionItems(taskID, limit)
}

// ArchiveTask retires a task's session notes at task end. They remain in
// the table for audit but no longer surface in context assembly.
func (s *Store) ArchiveTask(taskID string) error {
	return s.db.ArchiveSession(taskID)
}

// Promote writes a durable fact. Tags are lowercased; empty tags are
// derived from the content so the item stays searchable.
func (s *Store) Promote(content string, tags []string, sourceTask string) (*storage.LongTermItem, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty content")
	}
	normalized := normalizeTags(tags)
	if len(normalized) == 0 {
		normalized = ExtractKeywords(content, 5)
	}
	item := &storage.LongTermItem{
		ID:         uuid.NewString(),
		Content:    content,
		Tags:       normalized,
		SourceTask: sourceTask,
	}
	if err := s.db.UpsertLongTerm(item); err != nil {
		return nil, err
	}
	log.Printf("[MEMORY] promoted long-term item %s (tags: %s)", item.ID, strings.Join(item.Tags, ", "))
	return item, nil
}

// PromoteSessionItem lifts one session note into the long-term store.
func (s *Store) PromoteSessionItem(item *storage.SessionItem, tags []string) (*storage.LongTermItem, error) {
	return s.Promote(item.Content, tags, item.TaskID)
}

// Delete removes a durable fact; the only way one disappears.
func (s *Store) Delete(id string) error {
	return s.db.DeleteLongTerm(id)
}

// Get loads one durable fact by id.
func (s *Store) Get(id string) (*storage.LongTermItem, error) {
	return s.db.GetLongTerm(id)
}

// Recent returns the most recently touched long-term items.
func (s *Store) Recent(limit int) ([]*storage.LongTermItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.db.AllLongTerm(limit)
}

// Search returns long-term items ranked by keyword relevance: tag matches
// weigh double content matches, ties break on recency.
func (s *Store) Search(keywords []string, limit int) ([]*storage.LongTermItem, error) {
	keywords = normalizeTags(keywords)
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}
	// over-fetch candidates, rank here
	candidates, err := s.db.SearchLongTerm(keywords, limit*4)
	if err != nil {
		return nil, err
	}

	type scored struct {
		item  *storage.LongTermItem
		score int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, it := range candidates {
		score := 0
		content := strings.ToLower(it.Content)
		for _, kw := range keywords {
			for _, tag := range it.Tags {
				if strings.Contains(strings.ToLower(tag), kw) {
					score += 2
				}
			}
			if strings.Contains(content, kw) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{item: it, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].item.UpdatedAt.After(ranked[j].item.UpdatedAt)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	items := make([]*storage.LongTermItem, len(ranked))
	for i, r := range ranked {
		items[i] = r.item
	}
	return items, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// stopwords excluded from keyword extraction
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "what": true, "how": true, "can": true,
	"you": true, "are": true, "was": true, "has": true, "have": true,
	"not": true, "but": true, "all": true, "its": true, "into": true,
	"about": true, "please": true, "then": true, "them": true,
	"when": true, "where": true, "will": true, "would": true, "should": true,
}

// ExtractKeywords pulls up to max search terms from free text: lowercased
// words longer than two characters, stopwords removed, order preserved.
func ExtractKeywords(text string, max int) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool)
	out := make([]string, 0, max)
	for _, w := range words {
		if len(w) <= 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) >= max {
			break
		}
	}
	return out
}
