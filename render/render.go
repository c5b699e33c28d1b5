// Package render turns lesson change-sets into notification cards and delivery batches.
package render

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"untis-notifier/pkg/timetable"
)

const (
	// Title is the fixed card title.
	Title = "Timetable update"
	// Color is the fixed card accent color.
	Color = 0xff6033
)

// Card builds the notification card for one changed lesson.
// now is only used for the relative time phrase.
func Card(cs timetable.ChangeSet, lesson *timetable.Lesson, grid []timetable.Timegrid, now time.Time, loc *time.Location) timetable.Card {
	start := timetable.ToTimestamp(lesson.Date, lesson.StartTime, loc)
	end := timetable.ToTimestamp(lesson.Date, lesson.EndTime, loc)

	fields := make([]timetable.FieldGroup, 0, len(cs.Changes))
	for _, ch := range cs.Changes {
		fields = append(fields, timetable.FieldGroup{
			Label: ch.Field.Label(),
			Old:   ch.Old,
			New:   ch.New,
		})
	}

	return timetable.Card{
		Title:       Title,
		Color:       Color,
		Description: Description(start, end, grid, now),
		Footer:      fmt.Sprintf("Lesson ID: %d", lesson.ID),
		Start:       start,
		End:         end,
		Fields:      fields,
	}
}

// Description renders "<date>, <time range> (<relative time>)".
func Description(start, end time.Time, grid []timetable.Timegrid, now time.Time) string {
	return fmt.Sprintf("%s, %s (%s)",
		start.Format("Mon, 02 Jan 2006"),
		TimeRange(start, end, grid),
		humanize.RelTime(start, now, "ago", "from now"))
}

// TimeRange collapses to a single phrase when start and end render identically,
// e.g. a lesson spanning exactly one period.
func TimeRange(start, end time.Time, grid []timetable.Timegrid) string {
	from := timetable.FormatForDisplay(start, timetable.EdgeStart, grid)
	to := timetable.FormatForDisplay(end, timetable.EdgeEnd, grid)
	if from == to {
		return from
	}
	return fmt.Sprintf("%s to %s", from, to)
}

// Batches splits cards into consecutive payloads of at most size cards, preserving
// order. content is attached to the first payload only. No cards means no payloads.
func Batches(cards []timetable.Card, content string, size int) []timetable.Payload {
	if len(cards) == 0 {
		return nil
	}
	if size <= 0 || size > timetable.MaxCardsPerPayload {
		size = timetable.MaxCardsPerPayload
	}

	payloads := make([]timetable.Payload, 0, (len(cards)+size-1)/size)
	for i := 0; i < len(cards); i += size {
		end := min(i+size, len(cards))
		p := timetable.Payload{Cards: cards[i:end]}
		if i == 0 {
			p.Content = content
		}
		payloads = append(payloads, p)
	}
	return payloads
}
