package notify

import (
	"context"
	"log/slog"

	"untis-notifier/pkg/timetable"
)

// MockProvider is a mock provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// Send logs the payload instead of sending it.
func (m *MockProvider) Send(_ context.Context, p timetable.Payload) error {
	for _, card := range p.Cards {
		m.logger.Info("MOCK NOTIFICATION",
			"title", card.Title,
			"description", card.Description,
			"footer", card.Footer,
			"field_groups", len(card.Fields))
	}
	if p.Content != "" {
		m.logger.Info("MOCK NOTIFICATION CONTENT", "content", p.Content)
	}
	return nil
}
