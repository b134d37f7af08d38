package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recipe-assistant/internal/domain"
)

// SQLiteStore keeps chat turns in a local SQLite file for runs outside AWS.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the store at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_turns (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	meal_id TEXT NOT NULL,
	content TEXT NOT NULL,
	is_ai INTEGER NOT NULL,
	truncated INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_turns_conversation ON chat_turns(user_id, meal_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("repository: init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTurns inserts the turns in one transaction.
func (s *SQLiteStore) SaveTurns(ctx context.Context, userID string, turns []domain.ChatTurn) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: SaveTurns: user id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: SaveTurns begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range turns {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_turns (id, user_id, meal_id, content, is_ai, truncated, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, userID, t.MealID, t.Content, t.IsAI, t.Truncated, t.CreatedAt.UTC().Format(sortableTime),
		)
		if err != nil {
			return fmt.Errorf("repository: SaveTurns insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: SaveTurns commit: %w", err)
	}
	return nil
}

// ListTurns returns up to limit of the most recent turns, oldest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, userID, mealID string, limit int) ([]domain.ChatTurn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meal_id, content, is_ai, truncated, created_at FROM chat_turns
		 WHERE user_id = ? AND meal_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, mealID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	defer rows.Close()

	var turns []domain.ChatTurn
	for rows.Next() {
		var (
			t       domain.ChatTurn
			created string
		)
		if err := rows.Scan(&t.ID, &t.MealID, &t.Content, &t.IsAI, &t.Truncated, &created); err != nil {
			return nil, fmt.Errorf("repository: ListTurns scan: %w", err)
		}
		if t.CreatedAt, err = time.Parse(sortableTime, created); err != nil {
			return nil, fmt.Errorf("repository: parse created_at: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListTurns rows: %w", err)
	}
	reverse(turns)
	return turns, nil
}
