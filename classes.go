package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"untis-notifier/config"
	"untis-notifier/pkg/timetable"
	"untis-notifier/poll"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	idStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	inactiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
)

// runClasses logs in, prints every class with its id and exits. It needs only
// the provider credentials.
func runClasses(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger, _ := newLogger(cfg, os.Stderr)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	monitor := poll.New(newUntisClient(cfg, logger), nil, nil, poll.Config{}, logger)
	classes, err := monitor.Discover(ctx)
	if err != nil {
		return err
	}

	styled := false
	if f, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	_, err = io.WriteString(out, formatClasses(classes, styled))
	return err
}

// formatClasses renders one "<id> => <long name> (<name>)" line per class.
func formatClasses(classes []timetable.Entity, styled bool) string {
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var b strings.Builder
	b.WriteString(style(headerStyle, "Available classes:"))
	b.WriteString("\n")
	for _, c := range classes {
		fmt.Fprintf(&b, "%s => %s (%s)", style(idStyle, fmt.Sprint(c.ID)), c.LongName, c.Name)
		if !c.Active {
			b.WriteString(" " + style(inactiveStyle, "(Inactive)"))
		}
		b.WriteString("\n")
	}
	return b.String()
}
