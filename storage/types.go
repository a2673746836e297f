package storage

import (
	"time"

	"github.com/samber/mo"
)

// Calendar represents a calendar collection.
type Calendar struct {
	// ID is the collection identity, unique per server.
	ID string
	// DisplayName is a human-readable calendar name.
	DisplayName string
	// SupportedComponents lists the component types this calendar accepts,
	// e.g. "VEVENT", "VTODO", "VJOURNAL".
	SupportedComponents []string
	// SyncToken is the monotonically increasing logical clock for
	// incremental synchronization. Starts at 1 and is incremented exactly
	// once per successful mutation of any contained object.
	SyncToken int64
}

// ObjectInfo is the lightweight projection of a calendar object: identity
// plus denormalized metadata, no raw calendar text. Suitable for
// whole-calendar enumeration and coarse query results.
type ObjectInfo struct {
	CalendarID string
	// URI is the object name within its calendar. This has nothing to do
	// with the iCal UID.
	URI string
	// ETag is a quoted content digest of the raw data.
	ETag string
	// Size is the byte length of the raw data.
	Size int64
	// ComponentType is the main component's type tag (VEVENT, VTODO, ...).
	ComponentType string
	// UID is the iCal UID of the main component.
	UID string
	// Classification is the upper-cased CLASS value, when present.
	Classification mo.Option[string]
	// FirstOccurrence and LastOccurrence bound the object's occurrences in
	// time. Both absent for non-event components. LastOccurrence is capped
	// at the sentinel max-date for unbounded recurrences.
	FirstOccurrence mo.Option[time.Time]
	LastOccurrence  mo.Option[time.Time]
	// LastModified is maintained by the store.
	LastModified time.Time
}

// CalendarObject is the full projection: metadata plus the raw iCalendar
// text as received from the client.
type CalendarObject struct {
	ObjectInfo
	// Data is the raw iCalendar text. Empty in query results requested
	// without data.
	Data string
}

// ChangeRecord is one entry of a calendar's append-only change log. Records
// are never mutated after insertion and are purged with their calendar.
type ChangeRecord struct {
	CalendarID string
	URI        string
	// SyncToken is the calendar synctoken at the time of the operation.
	SyncToken int64
	Op        Operation
}

// ObjectQuery is the coarse store predicate built from a calendar-query
// filter. It over-approximates: results may not actually match once
// recurrence exceptions are considered, but no true match is omitted.
type ObjectQuery struct {
	CalendarID string
	// ComponentType restricts to one component type when non-empty.
	ComponentType string
	// LastOccurrenceOnOrAfter keeps objects whose last occurrence is at or
	// after the given instant (range-start bound).
	LastOccurrenceOnOrAfter *time.Time
	// FirstOccurrenceBefore keeps objects whose first occurrence is
	// strictly before the given instant (range-end bound).
	FirstOccurrenceBefore *time.Time
	// WithData attaches the raw calendar text to results.
	WithData bool
}
