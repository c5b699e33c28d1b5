// Package storage handles persistence of last-seen lesson snapshots.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"untis-notifier/pkg/timetable"
)

// Store persists the last notified or first seen version of every lesson.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*timetable.Lesson, bool, error)
	Set(ctx context.Context, lesson *timetable.Lesson) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures a storage driver.
//
// Driver values:
//   - "local": one JSON file per lesson under Path
//   - "sqlite": SQLite database file under Path
//   - "gcs": Cloud Storage bucket
type Config struct {
	Driver          string
	Path            string
	Bucket          string
	Prefix          string
	CredentialsJSON string
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "local", "file":
		return openLocal(cfg.Path, logger)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg.Path, logger)
	case "gcs":
		return openGCS(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// LessonKey generates a stable object name from a lesson id.
// Ids must be decimal integers, optionally negative, to prevent path traversal.
func LessonKey(id string) string {
	if id == "" || len(id) > 20 {
		return ""
	}
	digits := strings.TrimPrefix(id, "-")
	if digits == "" {
		return ""
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return fmt.Sprintf("lesson-%s.json", id)
}

var errInvalidKey = timetable.ErrInvalidKey

func persistErr(op, key string, err error) error {
	return &timetable.PersistenceError{Op: op, Key: key, Err: err}
}
