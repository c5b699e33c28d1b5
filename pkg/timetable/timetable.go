// Package timetable contains the core domain types for the timetable notification service.
package timetable

import (
	"strconv"
	"time"
)

// EntityKind is the provider's element type used to scope a timetable request.
type EntityKind int

// Element types understood by the provider.
const (
	KindClass   EntityKind = 1
	KindTeacher EntityKind = 2
	KindSubject EntityKind = 3
	KindRoom    EntityKind = 4
	KindStudent EntityKind = 5
)

// Session is the handle returned by a successful login.
type Session struct {
	ID         string `json:"sessionId"`
	ClassID    int    `json:"klasseId"`   // Default class of the logged in principal
	PersonID   int    `json:"personId"`   // Principal id
	PersonType int    `json:"personType"` // Principal type
}

// Entity is a class or group a timetable can be scoped to.
type Entity struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	LongName string `json:"longName"`
	Active   bool   `json:"active"`
}

// ShortData references a subject or a room.
type ShortData struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	LongName string `json:"longname"`
}

// Lesson is one scheduled occurrence of a class period.
//
// Date is encoded as yyyymmdd, StartTime and EndTime as hhmm (3 or 4 digits).
type Lesson struct {
	ID        int         `json:"id"`
	Date      int         `json:"date"`
	StartTime int         `json:"startTime"`
	EndTime   int         `json:"endTime"`
	Subjects  []ShortData `json:"su"`
	Rooms     []ShortData `json:"ro"`
	Info      string      `json:"info,omitempty"`
	SubstText string      `json:"substText,omitempty"`

	// Not tracked for change detection.
	Code       string `json:"code,omitempty"`
	LessonText string `json:"lstext,omitempty"`
}

// Key is the string form of the lesson id used by the snapshot store.
func (l *Lesson) Key() string {
	return strconv.Itoa(l.ID)
}

// TimeUnit is a named lesson period within a school day.
type TimeUnit struct {
	Name      string `json:"name"`
	StartTime int    `json:"startTime"`
	EndTime   int    `json:"endTime"`
}

// Timegrid lists the time units of one weekday.
// Day uses the provider's numbering where Sunday is 1 and Monday is 2.
type Timegrid struct {
	Day       int        `json:"day"`
	TimeUnits []TimeUnit `json:"timeUnits"`
}

// Field identifies a tracked lesson field.
type Field int

// Tracked fields, in the order they are compared and rendered.
const (
	FieldSubjects Field = iota
	FieldRooms
	FieldInfo
	FieldSubstText
)

// Label returns the human readable name used in notifications.
func (f Field) Label() string {
	switch f {
	case FieldSubjects:
		return "subjects"
	case FieldRooms:
		return "rooms"
	case FieldInfo:
		return "info text"
	case FieldSubstText:
		return "substitution text"
	default:
		return "unknown"
	}
}

// Change holds the display strings of one changed field.
type Change struct {
	Field Field
	Old   string
	New   string
}

// ChangeSet is the set of tracked fields that differ between two versions of a lesson.
type ChangeSet struct {
	LessonID int
	Changes  []Change
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Changes) == 0
}

// Get returns the change for field f, if any.
func (c ChangeSet) Get(f Field) (Change, bool) {
	for _, ch := range c.Changes {
		if ch.Field == f {
			return ch, true
		}
	}
	return Change{}, false
}

// FieldGroup is an old/new pair rendered side by side.
type FieldGroup struct {
	Label string
	Old   string
	New   string
}

// Card is a rendered notification for one changed lesson.
type Card struct {
	Title       string
	Color       int
	Description string
	Footer      string
	Start       time.Time
	End         time.Time
	Fields      []FieldGroup
}

// Payload is one outbound send: up to MaxCardsPerPayload cards and optional content.
type Payload struct {
	Content string
	Cards   []Card
}

// MaxCardsPerPayload is the transport limit of cards per send.
const MaxCardsPerPayload = 10
