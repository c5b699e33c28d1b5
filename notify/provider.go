// Package notify delivers timetable notification payloads via pluggable providers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"untis-notifier/pkg/timetable"
)

// Provider defines the interface for notification transports.
type Provider interface {
	// Name identifies the transport in logs and errors.
	Name() string
	// Send delivers one payload of at most timetable.MaxCardsPerPayload cards.
	Send(ctx context.Context, p timetable.Payload) error
}

// PartialError is returned by providers that split a payload into several
// messages when a later message fails after earlier ones were delivered.
type PartialError struct {
	Delivered int // leading cards that reached the sink
	Total     int
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("delivered %d of %d cards: %v", e.Delivered, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// partial wraps err with the delivered card count, or returns err as is when
// nothing was delivered yet.
func partial(delivered, total int, err error) error {
	if delivered == 0 {
		return err
	}
	return &PartialError{Delivered: delivered, Total: total, Err: err}
}

// Sender sends payloads using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Send delivers p. Empty payloads are never sent. Failures are returned as
// *timetable.DeliveryError carrying the number of cards already delivered.
func (s *Sender) Send(ctx context.Context, p timetable.Payload) error {
	if len(p.Cards) == 0 {
		return nil
	}

	s.logger.Info("Sending notification",
		"provider", s.provider.Name(),
		"card_count", len(p.Cards),
		"has_content", p.Content != "")

	start := time.Now()
	if err := s.provider.Send(ctx, p); err != nil {
		de := &timetable.DeliveryError{Provider: s.provider.Name(), Err: err}
		var pe *PartialError
		if errors.As(err, &pe) {
			de.Delivered = min(pe.Delivered, len(p.Cards))
		}
		return de
	}

	s.logger.Info("Notification delivered",
		"provider", s.provider.Name(),
		"card_count", len(p.Cards),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
