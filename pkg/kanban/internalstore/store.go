// Package internalstore implements the in-process source-of-truth backend:
// a SQLite task table plus an ordered comment journal and a transition log.
package internalstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openfleet/openfleet/pkg/kanban"
)

// Record is a stored task row. Labels holds the raw label set including
// system labels; normalization to user tags happens in the adapter.
type Record struct {
	ID          string
	Title       string
	Description string
	Status      kanban.Status
	Assignee    string
	Priority    string
	Labels      []string
	Draft       bool
	BaseBranch  string
	BranchName  string
	PRNumber    string
	PRURL       string
	Meta        map[string]interface{}
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Comment is one journal entry. Order is insertion order.
type Comment struct {
	ID        int64
	TaskID    string
	Body      string
	Author    string
	CreatedAt time.Time
}

// Store is the SQLite persistence layer.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates the store, its directory, and its schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task store schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.Ping()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT DEFAULT 'todo',
		assignee TEXT DEFAULT '',
		priority TEXT DEFAULT '',
		labels TEXT DEFAULT '[]',
		draft INTEGER DEFAULT 0,
		base_branch TEXT DEFAULT '',
		branch_name TEXT DEFAULT '',
		pr_number TEXT DEFAULT '',
		pr_url TEXT DEFAULT '',
		meta TEXT DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);

	CREATE TABLE IF NOT EXISTS task_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		body TEXT NOT NULL,
		author TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id, id);

	CREATE TABLE IF NOT EXISTS task_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert stores a new record.
func (s *Store) Insert(rec *Record) error {
	labelsJSON, _ := json.Marshal(rec.Labels)
	metaJSON, _ := json.Marshal(rec.Meta)
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, status, assignee, priority,
			labels, draft, base_branch, branch_name, pr_number, pr_url, meta,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Description, string(rec.Status), rec.Assignee,
		rec.Priority, string(labelsJSON), boolToInt(rec.Draft), rec.BaseBranch,
		rec.BranchName, rec.PRNumber, rec.PRURL, string(metaJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// Get fetches one record. sql.ErrNoRows bubbles up for missing rows.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT id, title, description, status, assignee,
		priority, labels, draft, base_branch, branch_name, pr_number, pr_url,
		meta, created_at, updated_at FROM tasks WHERE id = ?`, id)
	return scanRecord(row)
}

// List returns records, newest update first, optionally filtered by status.
func (s *Store) List(status kanban.Status, limit int) ([]*Record, error) {
	query := `SELECT id, title, description, status, assignee, priority,
		labels, draft, base_branch, branch_name, pr_number, pr_url, meta,
		created_at, updated_at FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC, id"
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Update rewrites a record's mutable columns and logs status transitions.
func (s *Store) Update(rec *Record) error {
	prev, err := s.Get(rec.ID)
	if err != nil {
		return err
	}

	labelsJSON, _ := json.Marshal(rec.Labels)
	metaJSON, _ := json.Marshal(rec.Meta)
	rec.UpdatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE tasks SET title = ?, description = ?, status = ?,
		assignee = ?, priority = ?, labels = ?, draft = ?, base_branch = ?,
		branch_name = ?, pr_number = ?, pr_url = ?, meta = ?, updated_at = ?
		WHERE id = ?`,
		rec.Title, rec.Description, string(rec.Status), rec.Assignee,
		rec.Priority, string(labelsJSON), boolToInt(rec.Draft), rec.BaseBranch,
		rec.BranchName, rec.PRNumber, rec.PRURL, string(metaJSON),
		rec.UpdatedAt.Format(time.RFC3339), rec.ID)
	if err != nil {
		tx.Rollback()
		return err
	}

	if prev.Status != rec.Status {
		_, err = tx.Exec(`INSERT INTO task_transitions (task_id, from_status, to_status, timestamp)
			VALUES (?, ?, ?, ?)`,
			rec.ID, string(prev.Status), string(rec.Status), rec.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Delete removes a record and its journal rows.
func (s *Store) Delete(id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	tx.Exec("DELETE FROM task_comments WHERE task_id = ?", id)
	tx.Exec("DELETE FROM task_transitions WHERE task_id = ?", id)
	res, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddComment appends to the journal. Order is preserved by the rowid.
func (s *Store) AddComment(taskID, body, author string) error {
	_, err := s.db.Exec(
		"INSERT INTO task_comments (task_id, body, author, created_at) VALUES (?, ?, ?, ?)",
		taskID, body, author, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Comments returns the journal for a task in insertion order.
func (s *Store) Comments(taskID string) ([]Comment, error) {
	rows, err := s.db.Query(
		"SELECT id, task_id, body, author, created_at FROM task_comments WHERE task_id = ? ORDER BY id",
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Body, &c.Author, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// UpdateComment replaces the body of one journal entry.
func (s *Store) UpdateComment(commentID int64, body string) error {
	_, err := s.db.Exec("UPDATE task_comments SET body = ? WHERE id = ?", body, commentID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var labelsJSON, metaJSON, createdAt, updatedAt string
	var status string
	var draft int
	err := row.Scan(&rec.ID, &rec.Title, &rec.Description, &status,
		&rec.Assignee, &rec.Priority, &labelsJSON, &draft, &rec.BaseBranch,
		&rec.BranchName, &rec.PRNumber, &rec.PRURL, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = kanban.Status(status)
	rec.Draft = draft != 0
	json.Unmarshal([]byte(labelsJSON), &rec.Labels)
	json.Unmarshal([]byte(metaJSON), &rec.Meta)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
