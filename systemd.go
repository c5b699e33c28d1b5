package main

import (
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"

	"untis-notifier/poll"
)

// systemdNotifier reports readiness and tick status to systemd. Outside a
// Type=notify unit every call is a no-op.
type systemdNotifier struct {
	logger   *slog.Logger
	watchdog bool
}

func newSystemdNotifier(logger *slog.Logger) *systemdNotifier {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("Could not read systemd watchdog settings", "error", err)
	}
	if interval > 0 {
		logger.Info("systemd watchdog enabled", "interval", interval)
	}
	return &systemdNotifier{logger: logger, watchdog: interval > 0}
}

func (s *systemdNotifier) send(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		s.logger.Debug("sd_notify failed", "state", state, "error", err)
	}
}

func (s *systemdNotifier) ready() { s.send(daemon.SdNotifyReady) }

func (s *systemdNotifier) stopping() { s.send(daemon.SdNotifyStopping) }

// tick is registered as the monitor's post-tick hook. The watchdog is only fed
// after successful ticks so a monitor stuck failing gets restarted.
func (s *systemdNotifier) tick(st poll.Status) {
	s.send(statusLine(st))
	if s.watchdog && st.LastError == "" {
		s.send(daemon.SdNotifyWatchdog)
	}
}

func statusLine(st poll.Status) string {
	if st.LastError != "" {
		return fmt.Sprintf("STATUS=%s, last tick failed: %s", st.State, st.LastError)
	}
	return fmt.Sprintf("STATUS=%s, %d ticks, %d notified", st.State, st.Ticks, st.TotalNotified)
}
