// Package poll drives the timetable check cycle and the provider session lifecycle.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"untis-notifier/diff"
	"untis-notifier/pkg/timetable"
	"untis-notifier/render"
)

// Defaults for Config fields left zero.
const (
	DefaultLookBehind  = 24 * time.Hour
	DefaultLookAhead   = 14 * 24 * time.Hour
	DefaultTickTimeout = 45 * time.Second
	DefaultSchedule    = "@every 60s"

	logoutTimeout = 10 * time.Second
)

// ErrTickInProgress is returned by Tick when another tick has not finished yet.
var ErrTickInProgress = errors.New("tick already in progress")

// Provider is the timetable provider capability.
type Provider interface {
	Login(ctx context.Context) (*timetable.Session, error)
	Logout(ctx context.Context, sess *timetable.Session) error
	Classes(ctx context.Context, sess *timetable.Session) ([]timetable.Entity, error)
	Timetable(ctx context.Context, sess *timetable.Session, start, end time.Time, id int, kind timetable.EntityKind) ([]timetable.Lesson, error)
	Timegrid(ctx context.Context, sess *timetable.Session) ([]timetable.Timegrid, error)
}

// Store interface for lesson snapshot persistence.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*timetable.Lesson, bool, error)
	Set(ctx context.Context, lesson *timetable.Lesson) error
}

// Notifier interface for sending notification payloads.
type Notifier interface {
	Send(ctx context.Context, p timetable.Payload) error
}

// Config controls the check cycle.
type Config struct {
	ClassID     int    // 0 selects the logged in principal's class
	Schedule    string // cron spec or @every descriptor
	TickTimeout time.Duration
	LookBehind  time.Duration
	LookAhead   time.Duration
	Content     string // Attached to the first payload of a tick
	Location    *time.Location

	// ResetSessionOnDeliveryError drops the session when a send fails, like any other tick failure.
	ResetSessionOnDeliveryError bool
}

// State of the provider session.
type State string

// Session states.
const (
	StateNoSession State = "NO_SESSION"
	StateActive    State = "ACTIVE"
)

// TickResult summarizes one tick.
type TickResult struct {
	ID         string        `json:"id"`
	Fetched    int           `json:"fetched"`
	Discovered int           `json:"discovered"`
	Changed    int           `json:"changed"`
	Notified   int           `json:"notified"`
	Payloads   int           `json:"payloads"`
	Duration   time.Duration `json:"duration_ns"`
}

// Status is a point in time snapshot of the monitor.
type Status struct {
	State           State      `json:"state"`
	ClassID         int        `json:"class_id,omitempty"`
	ClassName       string     `json:"class_name,omitempty"`
	TickInProgress  bool       `json:"tick_in_progress"`
	Ticks           int        `json:"ticks"`
	FailedTicks     int        `json:"failed_ticks"`
	TotalNotified   int        `json:"total_notified"`
	TotalDiscovered int        `json:"total_discovered"`
	LastTick        time.Time  `json:"last_tick,omitzero"`
	LastResult      TickResult `json:"last_result"`
	LastError       string     `json:"last_error,omitempty"`
}

// Monitor owns the provider session and runs ticks one at a time.
type Monitor struct {
	provider Provider
	store    Store
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	tickMu  sync.Mutex // held for the duration of a tick
	running atomic.Bool
	fatal   chan error

	mu        sync.Mutex
	session   *timetable.Session
	classID   int
	className string
	content   string
	status    Status
	onTick    func(Status)
}

// New creates a new poll monitor.
func New(provider Provider, store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.LookBehind <= 0 {
		cfg.LookBehind = DefaultLookBehind
	}
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = DefaultLookAhead
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Monitor{
		provider: provider,
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		fatal:    make(chan error, 1),
		content:  cfg.Content,
		status:   Status{State: StateNoSession},
	}
}

// SetContent replaces the message content attached to the first payload of each tick.
func (m *Monitor) SetContent(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
}

// SetOnTick registers fn to be called after every tick.
func (m *Monitor) SetOnTick(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTick = fn
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.State = StateNoSession
	if m.session != nil {
		st.State = StateActive
		st.ClassID = m.classID
		st.ClassName = m.className
	}
	st.TickInProgress = m.running.Load()
	return st
}

// Tick runs one check cycle. It returns ErrTickInProgress without doing anything
// when another tick is running. Provider and delivery failures are logged and
// returned; a PersistenceError is additionally reported to Run as fatal.
func (m *Monitor) Tick(ctx context.Context) (TickResult, error) {
	if !m.tickMu.TryLock() {
		return TickResult{}, ErrTickInProgress
	}
	defer m.tickMu.Unlock()
	m.running.Store(true)

	res := TickResult{ID: uuid.NewString()}
	logger := m.logger.With("tick_id", res.ID)

	tickCtx, cancel := context.WithTimeout(ctx, m.cfg.TickTimeout)
	defer cancel()

	start := time.Now()
	err := m.tick(tickCtx, logger, &res)
	res.Duration = time.Since(start)

	if err != nil {
		m.handleFailure(ctx, logger, err)
	} else {
		logger.Info("Tick completed",
			"fetched", res.Fetched,
			"discovered", res.Discovered,
			"notified", res.Notified,
			"duration_ms", res.Duration.Milliseconds())
	}

	m.mu.Lock()
	m.status.Ticks++
	m.status.LastTick = m.now()
	m.status.LastResult = res
	m.status.TotalNotified += res.Notified
	m.status.TotalDiscovered += res.Discovered
	m.status.LastError = ""
	if err != nil {
		m.status.FailedTicks++
		m.status.LastError = err.Error()
	}
	onTick := m.onTick
	m.mu.Unlock()
	m.running.Store(false)

	if onTick != nil {
		onTick(m.Status())
	}
	return res, err
}

// handleFailure applies the session policy for a failed tick.
func (m *Monitor) handleFailure(ctx context.Context, logger *slog.Logger, err error) {
	switch {
	case timetable.IsPersistenceError(err) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled):
		logger.Error("Snapshot store failed", "error", err)
		select {
		case m.fatal <- err:
		default:
		}
		return
	case timetable.IsDeliveryError(err) && !m.cfg.ResetSessionOnDeliveryError:
		logger.Error("Notification delivery failed, keeping session", "error", err)
		return
	}

	logger.Error("Tick failed, resetting session", "error", err)

	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	// The tick context may already be expired.
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if lerr := m.provider.Logout(logoutCtx, sess); lerr != nil {
		logger.Warn("Logout after failure failed", "error", lerr)
	}
}

func (m *Monitor) tick(ctx context.Context, logger *slog.Logger, res *TickResult) error {
	sess, classID, err := m.ensureSession(ctx, logger)
	if err != nil {
		return err
	}

	now := m.now()
	logger.Info("Fetching timetable", "class_id", classID)
	lessons, err := m.provider.Timetable(ctx, sess, now.Add(-m.cfg.LookBehind), now.Add(m.cfg.LookAhead), classID, timetable.KindClass)
	if err != nil {
		return fmt.Errorf("fetch timetable: %w", err)
	}
	res.Fetched = len(lessons)
	logger.Info("Fetched timetable", "items", len(lessons))

	grid, err := m.provider.Timegrid(ctx, sess)
	if err != nil {
		logger.Warn("Timegrid unavailable, falling back to clock times", "error", err)
		grid = nil
	}

	var (
		cards   []timetable.Card
		changed []*timetable.Lesson
	)
	for i := range lessons {
		lesson := &lessons[i]
		key := lesson.Key()

		has, err := m.store.Has(ctx, key)
		if errors.Is(err, timetable.ErrInvalidKey) {
			logger.Warn("Skipping lesson with unusable id", "lesson_id", lesson.ID)
			continue
		}
		if err != nil {
			return err
		}
		if !has {
			if err := m.store.Set(ctx, lesson); err != nil {
				return err
			}
			res.Discovered++
			continue
		}

		stored, found, err := m.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		cs := diff.Lessons(stored, lesson)
		if cs.Empty() {
			continue
		}
		logger.Info("Timetable update detected", "lesson_id", lesson.ID, "changes", len(cs.Changes))
		cards = append(cards, render.Card(cs, lesson, grid, now, m.cfg.Location))
		changed = append(changed, lesson)
	}
	res.Changed = len(cards)

	if res.Discovered > 0 {
		logger.Info("Discovered new timetable entries", "count", res.Discovered)
	}

	m.mu.Lock()
	content := m.content
	m.mu.Unlock()

	// Snapshots are only advanced for lessons whose card was delivered.
	offset := 0
	for _, p := range render.Batches(cards, content, timetable.MaxCardsPerPayload) {
		sendErr := m.notifier.Send(ctx, p)
		delivered := len(p.Cards)
		if sendErr != nil {
			delivered = 0
			var de *timetable.DeliveryError
			if errors.As(sendErr, &de) {
				delivered = min(max(de.Delivered, 0), len(p.Cards))
			}
		}
		if err := m.persist(ctx, changed[offset:offset+delivered]); err != nil {
			return err
		}
		offset += delivered
		res.Notified += delivered
		if sendErr != nil {
			if delivered > 0 {
				logger.Warn("Payload partially delivered", "delivered", delivered, "cards", len(p.Cards))
			}
			return sendErr
		}
		res.Payloads++
	}
	return nil
}

func (m *Monitor) persist(ctx context.Context, lessons []*timetable.Lesson) error {
	for _, lesson := range lessons {
		if err := m.store.Set(ctx, lesson); err != nil {
			return err
		}
	}
	return nil
}

// ensureSession logs in when no session is held and resolves the class once.
func (m *Monitor) ensureSession(ctx context.Context, logger *slog.Logger) (*timetable.Session, int, error) {
	m.mu.Lock()
	sess, classID := m.session, m.classID
	m.mu.Unlock()
	if sess != nil {
		return sess, classID, nil
	}

	sess, err := m.provider.Login(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	resolved := m.classID
	m.mu.Unlock()
	if resolved == 0 {
		resolved = m.cfg.ClassID
		if resolved == 0 {
			resolved = sess.ClassID
		}
	}

	className := m.lookupClassName(ctx, logger, sess, resolved)
	logger.Info("Session established",
		"class_id", resolved,
		"class_name", className,
		"person_id", sess.PersonID,
		"person_type", sess.PersonType)

	m.mu.Lock()
	m.session = sess
	m.classID = resolved
	if className != "" {
		m.className = className
	}
	m.mu.Unlock()
	return sess, resolved, nil
}

// lookupClassName is best-effort and only used for logs and status.
func (m *Monitor) lookupClassName(ctx context.Context, logger *slog.Logger, sess *timetable.Session, classID int) string {
	m.mu.Lock()
	known := m.className
	m.mu.Unlock()
	if known != "" {
		return known
	}

	classes, err := m.provider.Classes(ctx, sess)
	if err != nil {
		logger.Warn("Could not look up class name", "class_id", classID, "error", err)
		return ""
	}
	for _, c := range classes {
		if c.ID == classID {
			return c.Name
		}
	}
	logger.Warn("Selected class not found in class list", "class_id", classID)
	return ""
}

// Discover logs in, lists all classes and logs out again.
func (m *Monitor) Discover(ctx context.Context) ([]timetable.Entity, error) {
	sess, err := m.provider.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer func() {
		if err := m.provider.Logout(context.WithoutCancel(ctx), sess); err != nil {
			m.logger.Warn("Logout after discovery failed", "error", err)
		}
	}()

	classes, err := m.provider.Classes(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	return classes, nil
}
