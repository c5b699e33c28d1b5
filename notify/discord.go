package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"untis-notifier/pkg/timetable"
)

// DefaultDiscordAPI is the Discord REST base URL.
const DefaultDiscordAPI = "https://discord.com/api"

// Discord embed limits.
const (
	discordTitleLimit       = 256
	discordFieldLimit       = 1024
	discordDescriptionLimit = 4096
	discordFooterLimit      = 2048
	discordMessageChars     = 6000 // all embeds of one message together
	discordMaxEmbeds        = 10
	discordMaxRetryAfter    = 30 * time.Second
	blankField              = "\u200b"
)

// DiscordConfig identifies the webhook to post to.
type DiscordConfig struct {
	WebhookID    string
	WebhookToken string
	BaseURL      string // Defaults to DefaultDiscordAPI
	Username     string // Optional display name override
}

// DiscordProvider posts embeds to a Discord webhook.
type DiscordProvider struct {
	url      string
	username string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	attempts   uint
	retryDelay time.Duration
}

// NewDiscordProvider creates a new Discord webhook provider.
func NewDiscordProvider(cfg DiscordConfig, logger *slog.Logger) *DiscordProvider {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultDiscordAPI
	}
	return &DiscordProvider{
		url:      fmt.Sprintf("%s/webhooks/%s/%s?wait=true", base, cfg.WebhookID, cfg.WebhookToken),
		username: cfg.Username,
		client:   &http.Client{Timeout: 30 * time.Second},
		// Webhooks allow roughly five requests per two seconds.
		limiter:    rate.NewLimiter(rate.Every(400*time.Millisecond), 5),
		logger:     logger,
		attempts:   3,
		retryDelay: time.Second,
	}
}

// Name implements Provider.
func (d *DiscordProvider) Name() string { return "discord" }

type discordMessage struct {
	Content  string         `json:"content,omitempty"`
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// discordStatusError is a non-2xx webhook response.
type discordStatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *discordStatusError) Error() string {
	return fmt.Sprintf("discord webhook HTTP %d: %s", e.Status, e.Body)
}

func buildDiscordMessage(p timetable.Payload, username string) discordMessage {
	msg := discordMessage{Content: p.Content, Username: username}
	for _, card := range p.Cards {
		msg.Embeds = append(msg.Embeds, buildEmbed(card))
	}
	return msg
}

func buildEmbed(card timetable.Card) discordEmbed {
	embed := discordEmbed{
		Title:       truncate(card.Title, discordTitleLimit),
		Description: truncate(card.Description, discordDescriptionLimit),
		Color:       card.Color,
	}
	if !card.Start.IsZero() {
		embed.Timestamp = card.Start.UTC().Format(time.RFC3339)
	}
	if card.Footer != "" {
		embed.Footer = &discordFooter{Text: truncate(card.Footer, discordFooterLimit)}
	}
	// Each group renders as a row of three inline fields: old, new and a spacer.
	for _, g := range card.Fields {
		embed.Fields = append(embed.Fields,
			discordField{Name: "Old " + g.Label, Value: fieldValue(g.Old), Inline: true},
			discordField{Name: "New " + g.Label, Value: fieldValue(g.New), Inline: true},
			discordField{Name: blankField, Value: blankField, Inline: true},
		)
	}
	fitEmbed(&embed)
	return embed
}

// embedChars counts the characters Discord charges against the message limit.
func embedChars(e discordEmbed) int {
	n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
	if e.Footer != nil {
		n += utf8.RuneCountInString(e.Footer.Text)
	}
	for _, f := range e.Fields {
		n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
	}
	return n
}

// fitEmbed shortens the description and then the field values until a single
// embed fits into one message.
func fitEmbed(e *discordEmbed) {
	over := embedChars(*e) - discordMessageChars
	if over <= 0 {
		return
	}
	if n := utf8.RuneCountInString(e.Description); n > 0 {
		keep := max(n-over, 0)
		over -= n - keep
		e.Description = truncate(e.Description, keep)
	}
	for over > 0 {
		longest := -1
		for i, f := range e.Fields {
			if longest < 0 || utf8.RuneCountInString(f.Value) > utf8.RuneCountInString(e.Fields[longest].Value) {
				longest = i
			}
		}
		if longest < 0 {
			return
		}
		n := utf8.RuneCountInString(e.Fields[longest].Value)
		if n <= 1 {
			return
		}
		keep := max(n-over, n/2, 1)
		over -= n - keep
		e.Fields[longest].Value = truncate(e.Fields[longest].Value, keep)
	}
}

// splitDiscordMessage splits msg into messages that each stay within the
// embed count and character limits. Order is kept and the content stays on
// the first message.
func splitDiscordMessage(msg discordMessage) []discordMessage {
	var (
		out   []discordMessage
		cur   = discordMessage{Content: msg.Content, Username: msg.Username}
		chars int
	)
	for _, e := range msg.Embeds {
		n := embedChars(e)
		if len(cur.Embeds) > 0 && (len(cur.Embeds) == discordMaxEmbeds || chars+n > discordMessageChars) {
			out = append(out, cur)
			cur = discordMessage{Username: msg.Username}
			chars = 0
		}
		cur.Embeds = append(cur.Embeds, e)
		chars += n
	}
	return append(out, cur)
}

// fieldValue substitutes the placeholder for empty values, which Discord rejects.
func fieldValue(s string) string {
	return truncate(orPlaceholder(s), discordFieldLimit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}

// Send implements Provider. Payloads over the per-message limits go out as
// several consecutive messages; a failure after the first one is reported as a
// *PartialError.
func (d *DiscordProvider) Send(ctx context.Context, p timetable.Payload) error {
	msgs := splitDiscordMessage(buildDiscordMessage(p, d.username))
	delivered := 0
	for i, msg := range msgs {
		if err := d.post(ctx, msg); err != nil {
			if len(msgs) > 1 {
				err = fmt.Errorf("message %d of %d: %w", i+1, len(msgs), err)
			}
			return partial(delivered, len(p.Cards), err)
		}
		delivered += len(msg.Embeds)
	}
	return nil
}

func (d *DiscordProvider) post(ctx context.Context, msg discordMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}

	return retry.Do(
		func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := d.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				d.logger.Warn("Discord webhook request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				d.logger.Debug("Discord webhook request completed",
					"status_code", resp.StatusCode,
					"embeds", len(msg.Embeds),
					"duration_ms", duration.Milliseconds())
				return nil
			}

			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			statusErr := &discordStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				statusErr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), respBody)
				d.logger.Warn("Discord rate limited, backing off", "retry_after", statusErr.RetryAfter)
				if err := sleepCtx(ctx, statusErr.RetryAfter); err != nil {
					return retry.Unrecoverable(err)
				}
				return statusErr
			case resp.StatusCode >= 500:
				d.logger.Warn("Discord returned server error, will retry", "status_code", resp.StatusCode)
				return statusErr
			default:
				return retry.Unrecoverable(statusErr)
			}
		},
		retry.Attempts(d.attempts),
		retry.Delay(d.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(d.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying Discord webhook after error", "attempt", n, "error", err)
		}),
	)
}

// retryAfter reads the wait from the Retry-After header or the JSON body.
func retryAfter(header string, body []byte) time.Duration {
	if secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && secs > 0 {
		return min(time.Duration(secs*float64(time.Second)), discordMaxRetryAfter)
	}
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		return min(time.Duration(rl.RetryAfter*float64(time.Second)), discordMaxRetryAfter)
	}
	return time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(errors.New("interrupted while rate limited"), ctx.Err())
	case <-t.C:
		return nil
	}
}
