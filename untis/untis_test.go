package untis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"untis-notifier/pkg/timetable"
)

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, call rpcCall)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/WebUntis/jsonrpc.do" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("school"); got != "demo school" {
			t.Errorf("school = %q", got)
		}
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		handler(w, r, call)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL, School: "demo school", Username: "user", Password: "secret"},
		srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond
	return c
}

func writeResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": "1", "result": result}); err != nil {
		t.Fatal(err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": "1", "error": map[string]any{"code": code, "message": msg}})
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base, school, want string
	}{
		{"mese.webuntis.com", "abc", "https://mese.webuntis.com/WebUntis/jsonrpc.do?school=abc"},
		{"https://mese.webuntis.com/", "abc", "https://mese.webuntis.com/WebUntis/jsonrpc.do?school=abc"},
		{"http://localhost:8080", "a b", "http://localhost:8080/WebUntis/jsonrpc.do?school=a+b"},
	}
	for _, tt := range tests {
		if got := Endpoint(tt.base, tt.school); got != tt.want {
			t.Errorf("Endpoint(%q, %q) = %q, want %q", tt.base, tt.school, got, tt.want)
		}
	}
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request, call rpcCall) {
		if call.Method != "authenticate" {
			t.Errorf("method = %q", call.Method)
		}
		var params map[string]string
		if err := json.Unmarshal(call.Params, &params); err != nil {
			t.Fatal(err)
		}
		if params["user"] != "user" || params["password"] != "secret" || params["client"] != "untis-notifier" {
			t.Errorf("params = %v", params)
		}
		if r.Header.Get("Cookie") != "" {
			t.Error("login must not send a session cookie")
		}
		writeResult(t, w, map[string]any{"sessionId": "ABC", "klasseId": 7, "personId": 3, "personType": 5})
	})

	sess, err := c.Login(context.Background())
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sess.ID != "ABC" || sess.ClassID != 7 || sess.PersonID != 3 || sess.PersonType != 5 {
		t.Errorf("Login() = %+v", sess)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ rpcCall) {
		calls.Add(1)
		writeError(w, codeBadCredentials, "bad credentials")
	})

	_, err := c.Login(context.Background())
	if !timetable.IsAuthError(err) {
		t.Fatalf("Login() error = %v, want AuthError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("rpc errors must not be retried, got %d calls", calls.Load())
	}
}

func TestTimetable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request, call rpcCall) {
		if call.Method != "getTimetable" {
			t.Errorf("method = %q", call.Method)
		}
		if cookie := r.Header.Get("Cookie"); !strings.Contains(cookie, "JSESSIONID=S1") || !strings.Contains(cookie, `schoolname="_ZGVtbyBzY2hvb2w="`) {
			t.Errorf("cookie = %q", cookie)
		}

		var params struct {
			Options struct {
				Element struct {
					ID   int `json:"id"`
					Type int `json:"type"`
				} `json:"element"`
				StartDate     int  `json:"startDate"`
				EndDate       int  `json:"endDate"`
				ShowSubstText bool `json:"showSubstText"`
				ShowInfo      bool `json:"showInfo"`
			} `json:"options"`
		}
		if err := json.Unmarshal(call.Params, &params); err != nil {
			t.Fatal(err)
		}
		o := params.Options
		if o.Element.ID != 42 || o.Element.Type != 1 || o.StartDate != 20240314 || o.EndDate != 20240329 {
			t.Errorf("options = %+v", o)
		}
		if !o.ShowSubstText || !o.ShowInfo {
			t.Error("substitution and info text must be requested")
		}

		writeResult(t, w, []map[string]any{{
			"id": 1001, "date": 20240315, "startTime": 800, "endTime": 845,
			"su":        []map[string]any{{"id": 5, "name": "M", "longname": "Maths"}},
			"ro":        []map[string]any{{"id": 1, "name": "R1", "longname": "Room One"}},
			"substText": "Cancelled",
			"lstext":    "Chapter 4",
		}})
	})

	start := time.Date(2024, time.March, 14, 9, 0, 0, 0, time.UTC)
	lessons, err := c.Timetable(context.Background(), &timetable.Session{ID: "S1"}, start, start.AddDate(0, 0, 15), 42, timetable.KindClass)
	if err != nil {
		t.Fatalf("Timetable() error = %v", err)
	}
	if len(lessons) != 1 {
		t.Fatalf("got %d lessons, want 1", len(lessons))
	}
	l := lessons[0]
	if l.ID != 1001 || l.Subjects[0].LongName != "Maths" || l.Rooms[0].Name != "R1" || l.SubstText != "Cancelled" || l.LessonText != "Chapter 4" {
		t.Errorf("lesson = %+v", l)
	}
}

func TestTimetableSessionExpired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ rpcCall) {
		writeError(w, codeNotAuthenticated, "not authenticated")
	})
	_, err := c.Timetable(context.Background(), &timetable.Session{ID: "old"}, time.Now(), time.Now(), 1, timetable.KindClass)
	if !timetable.IsAuthError(err) {
		t.Errorf("Timetable() error = %v, want AuthError", err)
	}
}

func TestTimegridOtherRPCError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ rpcCall) {
		writeError(w, -32601, "method not found")
	})
	_, err := c.Timegrid(context.Background(), &timetable.Session{ID: "S1"})
	var fetchErr *timetable.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Timegrid() error = %v, want FetchError", err)
	}
	if fetchErr.Op != "timegrid" {
		t.Errorf("Op = %q", fetchErr.Op)
	}
}

func TestMaintenancePageRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ rpcCall) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "<html><head><title>WebUntis Maintenance</title></head><body>back soon</body></html>")
	})

	_, err := c.Classes(context.Background(), &timetable.Session{ID: "S1"})
	if err == nil {
		t.Fatal("Classes() should fail on maintenance page")
	}
	if timetable.IsAuthError(err) {
		t.Errorf("maintenance page must be a FetchError, got %v", err)
	}
	if !strings.Contains(err.Error(), "WebUntis Maintenance") {
		t.Errorf("error should carry page title: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("5xx should be retried: got %d calls, want 3", calls.Load())
	}
}

func TestClasses(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, call rpcCall) {
		if call.Method != "getKlassen" {
			t.Errorf("method = %q", call.Method)
		}
		writeResult(t, w, []map[string]any{
			{"id": 1, "name": "5a", "longName": "Class 5a", "active": true},
			{"id": 2, "name": "5b", "longName": "Class 5b", "active": false},
		})
	})
	classes, err := c.Classes(context.Background(), &timetable.Session{ID: "S1"})
	if err != nil {
		t.Fatalf("Classes() error = %v", err)
	}
	if len(classes) != 2 || classes[0].LongName != "Class 5a" || classes[1].Active {
		t.Errorf("Classes() = %+v", classes)
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", School: "x"}, http.DefaultClient, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Logout(context.Background(), nil); err != nil {
		t.Errorf("Logout(nil) = %v, want nil", err)
	}
}
