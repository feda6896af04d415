// Storage module - SQLite data storage

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gliderlab/taskpilot/pkg/config"
	_ "github.com/mattn/go-sqlite3"
)

// Timestamps are stored as RFC 3339 UTC strings so day/month aggregation
// is a plain string prefix match against "2006-01-02" / "2006-01".
const tsFormat = time.RFC3339

// addColumnSafe adds a column to a table if it doesn't exist
// Returns true if column was added, false if it already exists or error
func addColumnSafe(db *sql.DB, table, column, definition string) bool {
	var count int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table), column).Scan(&count)
	if err == nil && count > 0 {
		return false // column already exists
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		log.Printf("[WARN] Migration: add column %s.%s failed: %v (may be OK if already exists)", table, column, err)
		return false
	}
	return true
}

type Storage struct {
	db *sql.DB

	// Prepared statements for the hot paths: cost appends and session
	// memory run once per loop step.
	stmtAppendCost    *sql.Stmt
	stmtSumTask       *sql.Stmt
	stmtSumPrefix     *sql.Stmt
	stmtAppendSession *sql.Stmt
	stmtSessionItems  *sql.Stmt
	stmtUpdateTask    *sql.Stmt
}

// Task is the persisted record of one submitted job.
type Task struct {
	ID          string     `json:"id"`
	Origin      string     `json:"origin"`
	Input       string     `json:"input"`
	Tier        string     `json:"tier"`
	State       string     `json:"state"`
	Steps       int        `json:"steps"`
	CostUSD     float64    `json:"cost_usd"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CostLogEntry is one append-only cost record. Never mutated after write.
type CostLogEntry struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	Tier         string    `json:"tier"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionItem is a task-scoped ephemeral note tied to the step that
// produced it.
type SessionItem struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Step      int       `json:"step"`
	Kind      string    `json:"kind"` // note, tool_result, user_input
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived"`
}

// LongTermItem is a durable tagged fact, retrievable by keyword across tasks.
type LongTermItem struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags"`
	SourceTask string    `json:"source_task,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func New(dbPath string) (*Storage, error) {
	cfg := config.Default().Storage
	cfg.DBPath = dbPath
	return NewWithConfig(cfg)
}

// NewWithConfig creates storage with injected configuration
func NewWithConfig(cfg config.StorageConfig) (*Storage, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path required")
	}
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %v", err)
	}

	s := &Storage{db: db}

	if cfg.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return nil, fmt.Errorf("failed to set WAL: %v", err)
		}
	}

	syncMode := cfg.SyncMode
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + syncMode + ";"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous: %v", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	if err := s.initPreparedStmts(); err != nil {
		log.Printf("[WARN] Failed to prepare statements: %v (continuing without prepared statements)", err)
	}

	log.Printf("[OK] Storage: database %s", cfg.DBPath)
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		input TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		steps INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

	CREATE TABLE IF NOT EXISTS cost_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL,
		ts TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cost_task ON cost_log(task_id);
	CREATE INDEX IF NOT EXISTS idx_cost_ts ON cost_log(ts);

	CREATE TABLE IF NOT EXISTS memory_session (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT 'note',
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_task ON memory_session(task_id);

	CREATE TABLE IF NOT EXISTS memory_long_term (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		source_task TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migrations for databases created before these columns existed
	addColumnSafe(s.db, "memory_session", "archived", "INTEGER NOT NULL DEFAULT 0")
	addColumnSafe(s.db, "tasks", "resumed_at", "TEXT")

	return nil
}

func (s *Storage) initPreparedStmts() error {
	var err error

	if s.stmtAppendCost, err = s.db.Prepare("INSERT INTO cost_log (task_id, tier, model, input_tokens, output_tokens, cost_usd, ts) VALUES (?, ?, ?, ?, ?, ?, ?)"); err != nil {
		return fmt.Errorf("AppendCost: %v", err)
	}
	if s.stmtSumTask, err = s.db.Prepare("SELECT COALESCE(SUM(cost_usd), 0) FROM cost_log WHERE task_id = ?"); err != nil {
		return fmt.Errorf("SumTask: %v", err)
	}
	if s.stmtSumPrefix, err = s.db.Prepare("SELECT COALESCE(SUM(cost_usd), 0) FROM cost_log WHERE ts LIKE ?"); err != nil {
		return fmt.Errorf("SumPrefix: %v", err)
	}
	if s.stmtAppendSession, err = s.db.Prepare("INSERT INTO memory_session (id, task_id, step, kind, content, created_at, archived) VALUES (?, ?, ?, ?, ?, ?, 0)"); err != nil {
		return fmt.Errorf("AppendSession: %v", err)
	}
	if s.stmtSessionItems, err = s.db.Prepare("SELECT id, task_id, step, kind, content, created_at, archived FROM memory_session WHERE task_id = ? AND archived = 0 ORDER BY step DESC, rowid DESC LIMIT ?"); err != nil {
		return fmt.Errorf("SessionItems: %v", err)
	}
	if s.stmtUpdateTask, err = s.db.Prepare("UPDATE tasks SET state = ?, steps = ?, cost_usd = ?, result = ?, error = ?, completed_at = ? WHERE id = ?"); err != nil {
		return fmt.Errorf("UpdateTask: %v", err)
	}
	return nil
}

// Close closes prepared statements and the database
func (s *Storage) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtAppendCost, s.stmtSumTask, s.stmtSumPrefix,
		s.stmtAppendSession, s.stmtSessionItems, s.stmtUpdateTask,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// ---- tasks ----

// CreateTask inserts a new task row.
func (s *Storage) CreateTask(t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO tasks (id, origin, input, tier, state, steps, cost_usd, result, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Origin, t.Input, t.Tier, t.State, t.Steps, t.CostUSD, t.Result, t.Error, t.CreatedAt.UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("create task: %v", err)
	}
	return nil
}

// UpdateTask persists the mutable portion of a task row.
func (s *Storage) UpdateTask(t *Task) error {
	var completedAt interface{}
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC().Format(tsFormat)
	}
	var err error
	if s.stmtUpdateTask != nil {
		_, err = s.stmtUpdateTask.Exec(t.State, t.Steps, t.CostUSD, t.Result, t.Error, completedAt, t.ID)
	} else {
		_, err = s.db.Exec("UPDATE tasks SET state = ?, steps = ?, cost_usd = ?, result = ?, error = ?, completed_at = ? WHERE id = ?",
			t.State, t.Steps, t.CostUSD, t.Result, t.Error, completedAt, t.ID)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %v", t.ID, err)
	}
	return nil
}

// SetTaskRoute records the routing outcome: the assigned tier and the
// task text with any override token stripped.
func (s *Storage) SetTaskRoute(taskID, tier, input string) error {
	_, err := s.db.Exec("UPDATE tasks SET tier = ?, input = ? WHERE id = ?", tier, input, taskID)
	return err
}

// GetTask loads one task by id.
func (s *Storage) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow("SELECT id, origin, input, tier, state, steps, cost_usd, result, error, created_at, completed_at FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// TasksByState returns tasks in the given state, oldest first.
func (s *Storage) TasksByState(state string) ([]*Task, error) {
	rows, err := s.db.Query("SELECT id, origin, input, tier, state, steps, cost_usd, result, error, created_at, completed_at FROM tasks WHERE state = ? ORDER BY created_at ASC", state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecentTasks returns the most recently created tasks.
func (s *Storage) RecentTasks(limit int) ([]*Task, error) {
	rows, err := s.db.Query("SELECT id, origin, input, tier, state, steps, cost_usd, result, error, created_at, completed_at FROM tasks ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var createdAt string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Origin, &t.Input, &t.Tier, &t.State, &t.Steps, &t.CostUSD, &t.Result, &t.Error, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(tsFormat, createdAt)
	if completedAt.Valid {
		ts, err := time.Parse(tsFormat, completedAt.String)
		if err == nil {
			t.CompletedAt = &ts
		}
	}
	return &t, nil
}

// ---- cost log ----

// AppendCost appends one immutable cost entry. The caller (the ledger's
// writer goroutine) is responsible for serializing appends.
func (s *Storage) AppendCost(e *CostLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	ts := e.Timestamp.UTC().Format(tsFormat)
	var res sql.Result
	var err error
	if s.stmtAppendCost != nil {
		res, err = s.stmtAppendCost.Exec(e.TaskID, e.Tier, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD, ts)
	} else {
		res, err = s.db.Exec("INSERT INTO cost_log (task_id, tier, model, input_tokens, output_tokens, cost_usd, ts) VALUES (?, ?, ?, ?, ?, ?, ?)",
			e.TaskID, e.Tier, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD, ts)
	}
	if err != nil {
		return fmt.Errorf("append cost: %v", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// SumCostForTask returns total recorded spend for one task.
func (s *Storage) SumCostForTask(taskID string) (float64, error) {
	var sum float64
	var err error
	if s.stmtSumTask != nil {
		err = s.stmtSumTask.QueryRow(taskID).Scan(&sum)
	} else {
		err = s.db.QueryRow("SELECT COALESCE(SUM(cost_usd), 0) FROM cost_log WHERE task_id = ?", taskID).Scan(&sum)
	}
	return sum, err
}

// SumCostForPrefix returns total spend for entries whose timestamp starts
// with prefix ("2026-08-25" for a day, "2026-08" for a month).
func (s *Storage) SumCostForPrefix(prefix string) (float64, error) {
	var sum float64
	var err error
	if s.stmtSumPrefix != nil {
		err = s.stmtSumPrefix.QueryRow(prefix + "%").Scan(&sum)
	} else {
		err = s.db.QueryRow("SELECT COALESCE(SUM(cost_usd), 0) FROM cost_log WHERE ts LIKE ?", prefix+"%").Scan(&sum)
	}
	return sum, err
}

// CostEntriesForTask returns all cost entries for a task, oldest first.
func (s *Storage) CostEntriesForTask(taskID string) ([]*CostLogEntry, error) {
	rows, err := s.db.Query("SELECT id, task_id, tier, model, input_tokens, output_tokens, cost_usd, ts FROM cost_log WHERE task_id = ? ORDER BY id ASC", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CostLogEntry
	for rows.Next() {
		var e CostLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Tier, &e.Model, &e.InputTokens, &e.OutputTokens, &e.CostUSD, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(tsFormat, ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ---- session memory ----

// AppendSession stores one task-scoped note.
func (s *Storage) AppendSession(item *SessionItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	ts := item.CreatedAt.UTC().Format(tsFormat)
	var err error
	if s.stmtAppendSession != nil {
		_, err = s.stmtAppendSession.Exec(item.ID, item.TaskID, item.Step, item.Kind, item.Content, ts)
	} else {
		_, err = s.db.Exec("INSERT INTO memory_session (id, task_id, step, kind, content, created_at, archived) VALUES (?, ?, ?, ?, ?, ?, 0)",
			item.ID, item.TaskID, item.Step, item.Kind, item.Content, ts)
	}
	if err != nil {
		return fmt.Errorf("append session item: %v", err)
	}
	return nil
}

// SessionItems returns a task's live session notes, most recent first.
func (s *Storage) SessionItems(taskID string, limit int) ([]*SessionItem, error) {
	var rows *sql.Rows
	var err error
	if s.stmtSessionItems != nil {
		rows, err = s.stmtSessionItems.Query(taskID, limit)
	} else {
		rows, err = s.db.Query("SELECT id, task_id, step, kind, content, created_at, archived FROM memory_session WHERE task_id = ? AND archived = 0 ORDER BY step DESC, rowid DESC LIMIT ?", taskID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*SessionItem
	for rows.Next() {
		var it SessionItem
		var ts string
		var archived int
		if err := rows.Scan(&it.ID, &it.TaskID, &it.Step, &it.Kind, &it.Content, &ts, &archived); err != nil {
			return nil, err
		}
		it.CreatedAt, _ = time.Parse(tsFormat, ts)
		it.Archived = archived != 0
		items = append(items, &it)
	}
	return items, rows.Err()
}

// SessionHistory returns all of a task's session notes, archived ones
// included, oldest first. Post-task audit view.
func (s *Storage) SessionHistory(taskID string, limit int) ([]*SessionItem, error) {
	rows, err := s.db.Query("SELECT id, task_id, step, kind, content, created_at, archived FROM memory_session WHERE task_id = ? ORDER BY step ASC, rowid ASC LIMIT ?", taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*SessionItem
	for rows.Next() {
		var it SessionItem
		var ts string
		var archived int
		if err := rows.Scan(&it.ID, &it.TaskID, &it.Step, &it.Kind, &it.Content, &ts, &archived); err != nil {
			return nil, err
		}
		it.CreatedAt, _ = time.Parse(tsFormat, ts)
		it.Archived = archived != 0
		items = append(items, &it)
	}
	return items, rows.Err()
}

// ArchiveSession marks all of a task's session notes archived. They stay
// queryable for audit but stop appearing in SessionItems.
func (s *Storage) ArchiveSession(taskID string) error {
	_, err := s.db.Exec("UPDATE memory_session SET archived = 1 WHERE task_id = ?", taskID)
	return err
}

// ---- long-term memory ----

// UpsertLongTerm writes a durable fact, replacing any existing row with
// the same id. Last write wins under concurrent promotion.
func (s *Storage) UpsertLongTerm(item *LongTermItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %v", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO memory_long_term (id, content, tags, source_task, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, tags = excluded.tags, updated_at = excluded.updated_at`,
		item.ID, item.Content, string(tags), item.SourceTask,
		item.CreatedAt.Format(tsFormat), item.UpdatedAt.Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("upsert long-term item: %v", err)
	}
	return nil
}

// GetLongTerm loads one durable fact by id.
func (s *Storage) GetLongTerm(id string) (*LongTermItem, error) {
	row := s.db.QueryRow("SELECT id, content, tags, source_task, created_at, updated_at FROM memory_long_term WHERE id = ?", id)
	return scanLongTerm(row)
}

// DeleteLongTerm removes a durable fact. The only way a long-term item
// disappears.
func (s *Storage) DeleteLongTerm(id string) error {
	res, err := s.db.Exec("DELETE FROM memory_long_term WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SearchLongTerm returns candidate facts matching any of the keywords in
// tags or content. Ranking by match count is done by the caller; this
// just narrows the scan.
func (s *Storage) SearchLongTerm(keywords []string, limit int) ([]*LongTermItem, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	conds := make([]string, 0, len(keywords)*2)
	args := make([]interface{}, 0, len(keywords)*2)
	for _, kw := range keywords {
		pattern := "%" + strings.ToLower(kw) + "%"
		conds = append(conds, "LOWER(tags) LIKE ?", "LOWER(content) LIKE ?")
		args = append(args, pattern, pattern)
	}
	query := "SELECT id, content, tags, source_task, created_at, updated_at FROM memory_long_term WHERE " +
		strings.Join(conds, " OR ") + " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*LongTermItem
	for rows.Next() {
		it, err := scanLongTerm(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// AllLongTerm returns every durable fact, newest first.
func (s *Storage) AllLongTerm(limit int) ([]*LongTermItem, error) {
	rows, err := s.db.Query("SELECT id, content, tags, source_task, created_at, updated_at FROM memory_long_term ORDER BY updated_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*LongTermItem
	for rows.Next() {
		it, err := scanLongTerm(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanLongTerm(row rowScanner) (*LongTermItem, error) {
	var it LongTermItem
	var tags, createdAt, updatedAt string
	if err := row.Scan(&it.ID, &it.Content, &tags, &it.SourceTask, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		it.Tags = nil
	}
	it.CreatedAt, _ = time.Parse(tsFormat, createdAt)
	it.UpdatedAt, _ = time.Parse(tsFormat, updatedAt)
	return &it, nil
}
