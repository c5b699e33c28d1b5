package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule accepts a five field cron spec, a descriptor such as "@hourly" or
// "@every 1m", or a bare duration such as "90s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("poll interval %s is too short", d)
		}
		return cron.Every(d), nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Run ticks once in the calling goroutine and then on the configured schedule
// until ctx is cancelled. Overlapping ticks are skipped. It returns nil on
// cancellation and the error of the first failed snapshot store operation
// otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	sched, err := ParseSchedule(m.cfg.Schedule)
	if err != nil {
		return err
	}

	cl := cronLogger{logger: m.logger}
	c := cron.New(
		cron.WithLocation(m.cfg.Location),
		cron.WithLogger(cl),
	)

	job := cron.FuncJob(func() {
		if _, err := m.Tick(ctx); errors.Is(err, ErrTickInProgress) {
			m.logger.Info("Skipping scheduled tick, previous tick still running")
		}
	})
	c.Schedule(sched, cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(job))

	m.logger.Info("Starting timetable monitor", "schedule", m.cfg.Schedule, "tick_timeout", m.cfg.TickTimeout)
	job.Run()

	var runErr error
	select {
	case runErr = <-m.fatal:
	default:
		c.Start()
		select {
		case <-ctx.Done():
		case runErr = <-m.fatal:
		}
	}
	if runErr != nil {
		m.logger.Error("Stopping timetable monitor after fatal error", "error", runErr)
	} else {
		m.logger.Info("Stopping timetable monitor")
	}

	<-c.Stop().Done()
	// Wait for a tick started through Tick, such as an HTTP trigger.
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return runErr
}
