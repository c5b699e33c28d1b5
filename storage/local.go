package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"untis-notifier/pkg/timetable"
)

// localStore keeps one JSON document per lesson in a directory.
type localStore struct {
	dir    string
	logger *slog.Logger
}

func openLocal(dir string, logger *slog.Logger) (*localStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, persistErr("open", dir, err)
	}
	logger.Info("Using local snapshot storage", "path", dir)
	return &localStore{dir: dir, logger: logger}, nil
}

func (s *localStore) path(id string) (string, error) {
	key := LessonKey(id)
	if key == "" {
		return "", errInvalidKey
	}
	return filepath.Join(s.dir, key), nil
}

func (s *localStore) Has(ctx context.Context, id string) (bool, error) {
	_, found, err := s.Get(ctx, id)
	return found, err
}

func (s *localStore) Get(_ context.Context, id string) (*timetable.Lesson, bool, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, false, persistErr("get", id, err)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, persistErr("get", id, fmt.Errorf("read from local storage: %w", err))
	}

	var lesson timetable.Lesson
	if err := json.Unmarshal(data, &lesson); err != nil {
		return nil, false, persistErr("get", id, fmt.Errorf("unmarshal lesson: %w", err))
	}
	return &lesson, true, nil
}

func (s *localStore) Set(_ context.Context, lesson *timetable.Lesson) error {
	id := lesson.Key()
	p, err := s.path(id)
	if err != nil {
		return persistErr("set", id, err)
	}

	data, err := json.MarshalIndent(lesson, "", "  ")
	if err != nil {
		return persistErr("set", id, fmt.Errorf("marshal lesson: %w", err))
	}

	// Write to a temp file and rename so a crash never leaves a torn snapshot.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return persistErr("set", id, fmt.Errorf("write to local storage: %w", err))
	}
	if err := os.Rename(tmp, p); err != nil {
		return persistErr("set", id, fmt.Errorf("rename snapshot: %w", err))
	}

	s.logger.Debug("Lesson saved to local storage", "path", p, "lesson_id", id)
	return nil
}

func (s *localStore) Count(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, persistErr("count", "", fmt.Errorf("read local storage directory: %w", err))
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "lesson-") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		n++
	}
	return n, nil
}

func (s *localStore) Close() error { return nil }
