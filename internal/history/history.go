// Package history records settled commands in sqlite and aggregates
// per-command statistics.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/manaflow-ai/tabrelay/internal/command"
)

// DefaultMaxRows bounds the table when no limit is configured.
const DefaultMaxRows = 10000

// Entry is one settled command.
type Entry struct {
	ID           int64          `json:"id"`
	CommandID    string         `json:"commandId"`
	Name         string         `json:"name"`
	Params       command.Params `json:"params,omitempty"`
	Status       command.Status `json:"status"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Target       string         `json:"target,omitempty"`
	Duration     time.Duration  `json:"duration"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// FromResult builds the entry for a settled command.
func FromResult(cmd command.Command, res command.Result, target string) Entry {
	e := Entry{
		CommandID: res.ID,
		Name:      res.Name,
		Params:    cmd.Params,
		Status:    res.Status,
		Target:    target,
		Duration:  res.Duration,
		CreatedAt: time.Now().UTC(),
	}
	if e.Name == "" {
		e.Name = cmd.Name
	}
	if res.Err != nil {
		e.ErrorCode = string(res.Code())
		e.ErrorMessage = res.Err.Error()
	}
	return e
}

// Filter narrows List.
type Filter struct {
	Name   string
	Status command.Status
	Limit  int
}

// Stat aggregates one command name.
type Stat struct {
	Name        string        `json:"name"`
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avgDuration"`
	LastRun     time.Time     `json:"lastRun"`
}

// Store is the sqlite-backed history.
type Store struct {
	db      *sql.DB
	maxRows int
}

// Open migrates and opens the database at path.
func Open(path string, maxRows int) (*Store, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if err := runMigrations(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	return &Store{db: db, maxRows: maxRows}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts e and trims the table to the configured size.
func (s *Store) Record(ctx context.Context, e Entry) error {
	params := []byte("{}")
	if len(e.Params) > 0 {
		b, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		params = b
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, name, params, status, error_code, error_message, target, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CommandID, e.Name, string(params), string(e.Status), e.ErrorCode, e.ErrorMessage, e.Target,
		e.Duration.Milliseconds(), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if _, err := s.Prune(ctx, s.maxRows); err != nil {
		return err
	}
	return nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT id, command_id, name, params, status, error_code, error_message, target, duration_ms, created_at FROM commands`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			params   string
			status   string
			duration int64
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.CommandID, &e.Name, &params, &status, &e.ErrorCode,
			&e.ErrorMessage, &e.Target, &duration, &created); err != nil {
			return nil, err
		}
		if params != "" && params != "{}" {
			if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
				return nil, fmt.Errorf("decode params of entry %d: %w", e.ID, err)
			}
		}
		e.Status = command.Status(status)
		e.Duration = time.Duration(duration) * time.Millisecond
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates per command name, most used first.
func (s *Store) Stats(ctx context.Context) ([]Stat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name,
		       COUNT(*),
		       SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		       AVG(duration_ms),
		       MAX(created_at)
		FROM commands
		GROUP BY name
		ORDER BY COUNT(*) DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var (
			st   Stat
			avg  float64
			last int64
		)
		if err := rows.Scan(&st.Name, &st.Attempted, &st.Succeeded, &st.Failed, &avg, &last); err != nil {
			return nil, err
		}
		st.AvgDuration = time.Duration(avg * float64(time.Millisecond))
		st.LastRun = time.UnixMilli(last).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep entries and reports how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM commands
		WHERE id NOT IN (SELECT id FROM commands ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commands`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
