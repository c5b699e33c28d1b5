// Package diff compares two versions of a lesson and reports notification-worthy changes.
package diff

import (
	"fmt"
	"strings"

	"untis-notifier/pkg/timetable"
)

// Placeholder is displayed for empty info or substitution texts.
const Placeholder = "(None)"

// RenderShortData renders subjects or rooms one per line, in list order.
func RenderShortData(items []timetable.ShortData) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("%s (%s) (ID: %d)", it.LongName, it.Name, it.ID))
	}
	return strings.Join(lines, "\n")
}

// Lessons compares stored against incoming across subjects, rooms, info text and
// substitution text. It has no side effects.
func Lessons(stored, incoming *timetable.Lesson) timetable.ChangeSet {
	cs := timetable.ChangeSet{LessonID: incoming.ID}

	// Lists compare by rendered text so order matters.
	if oldSu, newSu := RenderShortData(stored.Subjects), RenderShortData(incoming.Subjects); oldSu != newSu {
		cs.Changes = append(cs.Changes, timetable.Change{Field: timetable.FieldSubjects, Old: oldSu, New: newSu})
	}
	if oldRo, newRo := RenderShortData(stored.Rooms), RenderShortData(incoming.Rooms); oldRo != newRo {
		cs.Changes = append(cs.Changes, timetable.Change{Field: timetable.FieldRooms, Old: oldRo, New: newRo})
	}
	if stored.Info != incoming.Info {
		cs.Changes = append(cs.Changes, timetable.Change{Field: timetable.FieldInfo, Old: orPlaceholder(stored.Info), New: orPlaceholder(incoming.Info)})
	}
	if stored.SubstText != incoming.SubstText {
		cs.Changes = append(cs.Changes, timetable.Change{Field: timetable.FieldSubstText, Old: orPlaceholder(stored.SubstText), New: orPlaceholder(incoming.SubstText)})
	}

	return cs
}

func orPlaceholder(s string) string {
	if s == "" {
		return Placeholder
	}
	return s
}
