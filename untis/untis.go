// Package untis is a minimal WebUntis JSON-RPC client.
package untis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"untis-notifier/pkg/timetable"
)

// RPC error codes that mean the credentials or the session are no longer valid.
const (
	codeBadCredentials   = -8504
	codeNotAuthenticated = -8520
)

// Config identifies the school and the account to log in with.
type Config struct {
	BaseURL    string // Host such as "mese.webuntis.com", scheme optional
	School     string
	Username   string
	Password   string
	ClientName string
}

// Client talks to the WebUntis JSON-RPC endpoint.
type Client struct {
	cfg        Config
	endpoint   string
	schoolname string
	client     *http.Client
	logger     *slog.Logger
	seq        atomic.Int64

	attempts   uint
	retryDelay time.Duration
}

// New creates a new client.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = "untis-notifier"
	}
	return &Client{
		cfg:        cfg,
		endpoint:   Endpoint(cfg.BaseURL, cfg.School),
		schoolname: "_" + base64.StdEncoding.EncodeToString([]byte(cfg.School)),
		client:     client,
		logger:     logger,
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// Endpoint builds the JSON-RPC URL for a school.
func Endpoint(baseURL, school string) string {
	base := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + "/WebUntis/jsonrpc.do?" + url.Values{"school": {school}}.Encode()
}

// RPCError is an error object returned by the provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) auth() bool {
	return e.Code == codeBadCredentials || e.Code == codeNotAuthenticated
}

// HTTPError is a non-JSON or non-2xx response, typically a maintenance page.
type HTTPError struct {
	Status int
	Title  string
}

func (e *HTTPError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	JSONRPC string `json:"jsonrpc"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Login authenticates and returns a new session.
func (c *Client) Login(ctx context.Context) (*timetable.Session, error) {
	params := map[string]string{
		"user":     c.cfg.Username,
		"password": c.cfg.Password,
		"client":   c.cfg.ClientName,
	}

	var sess timetable.Session
	if err := c.call(ctx, nil, "authenticate", params, &sess); err != nil {
		return nil, &timetable.AuthError{Op: "login", Err: err}
	}
	if sess.ID == "" {
		return nil, &timetable.AuthError{Op: "login", Err: errors.New("no session id in response")}
	}

	c.logger.Info("Logged in",
		"class_id", sess.ClassID,
		"person_id", sess.PersonID,
		"person_type", sess.PersonType)
	return &sess, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context, sess *timetable.Session) error {
	if sess == nil {
		return nil
	}
	if err := c.call(ctx, sess, "logout", struct{}{}, nil); err != nil {
		return &timetable.AuthError{Op: "logout", Err: err}
	}
	c.logger.Debug("Logged out")
	return nil
}

// Classes lists all classes of the school.
func (c *Client) Classes(ctx context.Context, sess *timetable.Session) ([]timetable.Entity, error) {
	var classes []timetable.Entity
	if err := c.call(ctx, sess, "getKlassen", struct{}{}, &classes); err != nil {
		return nil, classify("classes", err)
	}
	return classes, nil
}

// Timetable fetches all lessons of an element between start and end (inclusive days).
func (c *Client) Timetable(ctx context.Context, sess *timetable.Session, start, end time.Time, id int, kind timetable.EntityKind) ([]timetable.Lesson, error) {
	fields := []string{"id", "name", "longname", "externalkey"}
	params := map[string]any{
		"options": map[string]any{
			"id":               time.Now().UnixMilli(),
			"element":          map[string]any{"id": id, "type": int(kind)},
			"startDate":        timetable.EncodeDate(start),
			"endDate":          timetable.EncodeDate(end),
			"showLsText":       true,
			"showStudentgroup": true,
			"showLsNumber":     true,
			"showSubstText":    true,
			"showInfo":         true,
			"showBooking":      true,
			"klasseFields":     fields,
			"roomFields":       fields,
			"subjectFields":    fields,
			"teacherFields":    fields,
		},
	}

	var lessons []timetable.Lesson
	if err := c.call(ctx, sess, "getTimetable", params, &lessons); err != nil {
		return nil, classify("timetable", err)
	}
	return lessons, nil
}

// Timegrid fetches the school's weekly lesson periods.
func (c *Client) Timegrid(ctx context.Context, sess *timetable.Session) ([]timetable.Timegrid, error) {
	var grid []timetable.Timegrid
	if err := c.call(ctx, sess, "getTimegridUnits", struct{}{}, &grid); err != nil {
		return nil, classify("timegrid", err)
	}
	return grid, nil
}

// classify maps an invalid session to AuthError and everything else to FetchError.
func classify(op string, err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.auth() {
		return &timetable.AuthError{Op: op, Err: err}
	}
	return &timetable.FetchError{Op: op, Err: err}
}

func (c *Client) call(ctx context.Context, sess *timetable.Session, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		ID:      strconv.FormatInt(c.seq.Add(1), 10),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	var result json.RawMessage
	err = retry.Do(
		func() error {
			c.logger.Debug("RPC request starting", "method", method)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", c.cfg.ClientName)
			if sess != nil {
				req.Header.Set("Cookie", fmt.Sprintf("JSESSIONID=%s; schoolname=%q", sess.ID, c.schoolname))
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("RPC request failed", "method", method, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("RPC request completed",
				"method", method,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK || isHTML(resp.Header.Get("Content-Type")) {
				httpErr := &HTTPError{Status: resp.StatusCode, Title: pageTitle(resp.Body)}
				if resp.StatusCode >= http.StatusInternalServerError {
					return httpErr
				}
				return retry.Unrecoverable(httpErr)
			}

			var rpcResp rpcResponse
			if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode %s response: %w", method, err))
			}
			if rpcResp.Error != nil {
				return retry.Unrecoverable(rpcResp.Error)
			}
			result = rpcResp.Result
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying RPC after error", "method", method, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/html"
}

// pageTitle extracts the <title> of an HTML error page, if any.
func pageTitle(body io.Reader) string {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, 1<<20))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
