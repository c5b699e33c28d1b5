package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoMailer sends transactional email through the Brevo API.
type BrevoMailer struct {
	apiKey   string
	from     brevoContact
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoMailer creates a new Brevo mailer.
func NewBrevoMailer(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoMailer {
	return &BrevoMailer{
		apiKey:   apiKey,
		from:     brevoContact{Email: fromAddr, Name: fromName},
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Text    string         `json:"textContent,omitempty"`
	Tags    []string       `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoError is the API's error body.
type brevoError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *brevoError) Error() string {
	if e.Code == "" {
		if e.Message == "" {
			return fmt.Sprintf("brevo: HTTP %d", e.Status)
		}
		return fmt.Sprintf("brevo: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("brevo: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Send implements Mailer.
func (b *BrevoMailer) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(brevoSendRequest{
		Sender:  b.from,
		To:      []brevoContact{{Email: m.To}},
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
		Tags:    m.Tags,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return sendWithRetry(ctx, b.logger, "brevo", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("api-key", b.apiKey)

		start := time.Now()
		resp, err := b.client.Do(req)
		duration := time.Since(start)
		if err != nil {
			b.logger.Warn("Brevo API request failed, will retry",
				"to", m.To,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				b.logger.Warn("Failed to close response body", "error", closeErr)
			}
		}()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			b.logger.Info("Brevo API request completed",
				"to", m.To,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())
			return nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &brevoError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header.Get("Retry-After"), nil)
			b.logger.Warn("Brevo rate limited, backing off", "retry_after", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return retry.Unrecoverable(err)
			}
			return apiErr
		case resp.StatusCode >= 500:
			b.logger.Warn("Brevo returned server error, will retry", "status_code", resp.StatusCode)
			return apiErr
		default:
			return retry.Unrecoverable(apiErr)
		}
	})
}
