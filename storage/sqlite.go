package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"untis-notifier/pkg/timetable"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lessons (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// openSQLite opens (or creates) timetable.db under dir. A path ending in .db is used as is.
func openSQLite(ctx context.Context, dir string, logger *slog.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./data"
	}
	path := dir
	if filepath.Ext(dir) != ".db" {
		path = filepath.Join(dir, "timetable.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("open", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistErr("open", path, err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, persistErr("migrate", path, err)
	}

	logger.Info("Using sqlite snapshot storage", "path", path)
	return &sqliteStore{db: db, logger: logger}, nil
}

func (s *sqliteStore) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM lessons WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("has", id, err)
	}
	return true, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*timetable.Lesson, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM lessons WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistErr("get", id, err)
	}

	var lesson timetable.Lesson
	if err := json.Unmarshal([]byte(data), &lesson); err != nil {
		return nil, false, persistErr("get", id, fmt.Errorf("unmarshal lesson: %w", err))
	}
	return &lesson, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, lesson *timetable.Lesson) error {
	id := lesson.Key()
	data, err := json.Marshal(lesson)
	if err != nil {
		return persistErr("set", id, fmt.Errorf("marshal lesson: %w", err))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lessons(id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		id, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistErr("set", id, err)
	}
	s.logger.Debug("Lesson saved to sqlite", "lesson_id", id)
	return nil
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lessons`).Scan(&n); err != nil {
		return 0, persistErr("count", "", err)
	}
	return n, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
