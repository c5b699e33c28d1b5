package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/html"

	"untis-notifier/pkg/timetable"
)

// Message is one rendered notification email with an HTML and a plain text part.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tags    []string
}

// Mailer delivers a single email.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// EmailProvider renders each payload as one email.
type EmailProvider struct {
	name   string
	mailer Mailer
	to     string
	logger *slog.Logger
}

// NewEmailProvider creates a provider that delivers through mailer to the given address.
func NewEmailProvider(name string, mailer Mailer, to string, logger *slog.Logger) *EmailProvider {
	return &EmailProvider{
		name:   name,
		mailer: mailer,
		to:     to,
		logger: logger,
	}
}

// Name implements Provider.
func (e *EmailProvider) Name() string { return e.name }

// Send implements Provider.
func (e *EmailProvider) Send(ctx context.Context, p timetable.Payload) error {
	m := Message{
		To:      e.to,
		Subject: emailSubject(p),
		HTML:    formatEmailBody(p),
		Text:    formatEmailText(p),
		Tags:    []string{"timetable"},
	}
	e.logger.Info("Sending notification email",
		"to", m.To,
		"subject", m.Subject,
		"card_count", len(p.Cards))
	return e.mailer.Send(ctx, m)
}

// sendWithRetry is the retry policy shared by the mail APIs.
func sendWithRetry(ctx context.Context, logger *slog.Logger, api string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "api", api, "attempt", n, "error", err)
		}),
	)
}

func emailSubject(p timetable.Payload) string {
	if len(p.Cards) == 1 {
		return p.Cards[0].Title
	}
	return fmt.Sprintf("%d timetable updates", len(p.Cards))
}

// formatEmailText renders the plain text alternative. Multi-line values are
// indented under their label.
func formatEmailText(p timetable.Payload) string {
	var b strings.Builder
	if p.Content != "" {
		b.WriteString(p.Content)
		b.WriteString("\n\n")
	}
	for i, card := range p.Cards {
		if i > 0 {
			b.WriteString("\n----\n\n")
		}
		fmt.Fprintf(&b, "%s\n%s\n", card.Title, card.Description)
		for _, g := range card.Fields {
			fmt.Fprintf(&b, "\n%s\n  old: %s\n  new: %s\n", g.Label,
				strings.ReplaceAll(orPlaceholder(g.Old), "\n", "\n       "),
				strings.ReplaceAll(orPlaceholder(g.New), "\n", "\n       "))
		}
		fmt.Fprintf(&b, "\n%s\n", card.Footer)
	}
	return b.String()
}

func formatEmailBody(p timetable.Payload) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".card { margin-bottom: 30px; padding-left: 15px; border-left: 4px solid #ff6033; }\n")
	b.WriteString(".card:last-of-type { margin-bottom: 0; }\n")
	b.WriteString(".description { color: #7f8c8d; }\n")
	b.WriteString("table { border-collapse: collapse; margin: 10px 0; }\n")
	b.WriteString("th, td { text-align: left; vertical-align: top; padding: 4px 12px 4px 0; white-space: pre-wrap; }\n")
	b.WriteString(".footer { font-size: 0.85em; color: #7f8c8d; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".description, .footer { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	if p.Content != "" {
		fmt.Fprintf(&b, "<p class=\"content\">%s</p>\n", html.EscapeString(p.Content))
	}

	for _, card := range p.Cards {
		fmt.Fprintf(&b, "<div class=\"card\" style=\"border-left-color: #%06x;\">\n", card.Color)
		fmt.Fprintf(&b, "<h3>%s</h3>\n", html.EscapeString(card.Title))
		fmt.Fprintf(&b, "<div class=\"description\">%s</div>\n", html.EscapeString(card.Description))
		if len(card.Fields) > 0 {
			b.WriteString("<table>\n<tr><th></th><th>Old</th><th>New</th></tr>\n")
			for _, g := range card.Fields {
				fmt.Fprintf(&b, "<tr><th>%s</th><td>%s</td><td>%s</td></tr>\n",
					html.EscapeString(g.Label),
					html.EscapeString(orPlaceholder(g.Old)),
					html.EscapeString(orPlaceholder(g.New)))
			}
			b.WriteString("</table>\n")
		}
		fmt.Fprintf(&b, "<div class=\"footer\">%s</div>\n", html.EscapeString(card.Footer))
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}
