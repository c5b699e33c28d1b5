package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"untis-notifier/pkg/timetable"
)

// gcsStore keeps one JSON object per lesson in a Cloud Storage bucket.
type gcsStore struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func openGCS(ctx context.Context, cfg Config, logger *slog.Logger) (*gcsStore, error) {
	if cfg.Bucket == "" {
		return nil, persistErr("open", "", errors.New("STORAGE_BUCKET required for gcs driver"))
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, persistErr("open", cfg.Bucket, fmt.Errorf("initialize storage client: %w", err))
	}

	logger.Info("Using Cloud Storage snapshot storage", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return &gcsStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

func (s *gcsStore) object(id string) (string, error) {
	key := LessonKey(id)
	if key == "" {
		return "", errInvalidKey
	}
	return s.prefix + key, nil
}

func (s *gcsStore) retryOpts(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (s *gcsStore) Has(ctx context.Context, id string) (bool, error) {
	_, found, err := s.Get(ctx, id)
	return found, err
}

func (s *gcsStore) Get(ctx context.Context, id string) (*timetable.Lesson, bool, error) {
	key, err := s.object(id)
	if err != nil {
		return nil, false, persistErr("get", id, err)
	}

	var data []byte
	notFound := false
	err = retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return nil
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		s.retryOpts(ctx, "get", key)...,
	)
	if err != nil {
		return nil, false, persistErr("get", id, fmt.Errorf("load after retries: %w", err))
	}
	if notFound {
		return nil, false, nil
	}

	var lesson timetable.Lesson
	if err := json.Unmarshal(data, &lesson); err != nil {
		return nil, false, persistErr("get", id, fmt.Errorf("unmarshal lesson: %w", err))
	}
	return &lesson, true, nil
}

func (s *gcsStore) Set(ctx context.Context, lesson *timetable.Lesson) error {
	id := lesson.Key()
	key, err := s.object(id)
	if err != nil {
		return persistErr("set", id, err)
	}

	data, err := json.Marshal(lesson)
	if err != nil {
		return persistErr("set", id, fmt.Errorf("marshal lesson: %w", err))
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOpts(ctx, "set", key)...,
	)
	if err != nil {
		return persistErr("set", id, fmt.Errorf("save after retries: %w", err))
	}

	s.logger.Debug("Lesson saved", "key", key, "lesson_id", id)
	return nil
}

func (s *gcsStore) Count(ctx context.Context) (int, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + "lesson-"})
	n := 0
	for {
		_, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, persistErr("count", "", fmt.Errorf("iterate storage: %w", err))
		}
		n++
	}
	return n, nil
}

func (s *gcsStore) Close() error {
	return s.client.Close()
}
