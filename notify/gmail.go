package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailMailer sends through the Gmail API as the authenticated account.
type GmailMailer struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailMailer creates a new Gmail mailer.
func NewGmailMailer(service *gmail.Service, logger *slog.Logger) *GmailMailer {
	return &GmailMailer{
		service: service,
		logger:  logger,
	}
}

// headerValue drops control characters so a value cannot start a new header line.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMIMEMessage renders m as multipart/alternative with text and HTML parts.
func buildMIMEMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "To: %s\r\n", headerValue(m.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(m.Subject)))
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	for _, part := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	} {
		if part.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("write mime part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("close mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime message: %w", err)
	}
	return buf.Bytes(), nil
}

// permanentGmailError reports API errors that a retry cannot fix.
func permanentGmailError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests
}

// Send implements Mailer.
func (g *GmailMailer) Send(ctx context.Context, m Message) error {
	raw, err := buildMIMEMessage(m)
	if err != nil {
		return err
	}
	encoded := base64.URLEncoding.EncodeToString(raw)

	return sendWithRetry(ctx, g.logger, "gmail", func() error {
		start := time.Now()
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
		duration := time.Since(start)
		if err != nil {
			if permanentGmailError(err) {
				return retry.Unrecoverable(fmt.Errorf("gmail send: %w", err))
			}
			g.logger.Warn("Gmail API send failed, will retry",
				"to", m.To,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			return err
		}

		g.logger.Info("Gmail API request completed",
			"to", m.To,
			"duration_ms", duration.Milliseconds())
		return nil
	})
}
