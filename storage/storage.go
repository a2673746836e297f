// Package storage defines the data model and the object-store contract the
// calendar engines are built on. Backends live in the memory and sqlite
// subpackages; please return the error values defined here so the engines
// can tell "not found" from real failures.
package storage

import (
	"context"
	"errors"
	"iter"
)

var (
	// ErrNotFound is returned when a requested resource doesn't exist.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when creating a resource that is already there.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrBadInput is returned for calendar data that cannot be stored.
	ErrBadInput = errors.New("invalid calendar data")
)

// Operation identifies a change-log entry kind. The numeric values are part
// of the stored representation and must not be reordered.
type Operation int

const (
	OpAdded    Operation = 1
	OpModified Operation = 2
	OpDeleted  Operation = 3
)

// String provides a human-readable representation of the Operation.
func (op Operation) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Store is the interface calendar backends implement. All methods are
// synchronous; the engines never retry, so transient-failure handling
// belongs inside the implementation or above the transport.
type Store interface {
	// GetCalendar retrieves a calendar collection by id.
	GetCalendar(ctx context.Context, calendarID string) (*Calendar, error)
	// CreateCalendar creates a calendar collection with its synctoken at 1.
	CreateCalendar(ctx context.Context, cal *Calendar) error
	// DeleteCalendar removes a calendar together with all contained
	// objects and its change log.
	DeleteCalendar(ctx context.Context, calendarID string) error

	// ListObjects returns lightweight projections (no raw data) of every
	// object in the calendar.
	ListObjects(ctx context.Context, calendarID string) ([]ObjectInfo, error)
	// GetObject retrieves a single full object.
	GetObject(ctx context.Context, calendarID, uri string) (*CalendarObject, error)
	// GetObjects retrieves full objects for the given uris. Unknown uris
	// are skipped, not an error.
	GetObjects(ctx context.Context, calendarID string, uris []string) ([]CalendarObject, error)
	// QueryObjects streams objects matching the coarse predicate. The
	// sequence is single-pass; a store failure is yielded as the second
	// value and terminates the sequence.
	QueryObjects(ctx context.Context, q ObjectQuery) iter.Seq2[CalendarObject, error]

	// InsertObject persists a new object.
	InsertObject(ctx context.Context, obj *CalendarObject) error
	// UpdateObject replaces an existing object including all derived fields.
	UpdateObject(ctx context.Context, obj *CalendarObject) error
	// DeleteObject removes an object.
	DeleteObject(ctx context.Context, calendarID, uri string) error

	// AppendChange writes one change record at the calendar's current
	// synctoken and increments the token, atomically with respect to
	// other mutations on the same calendar. Returns the token the record
	// was written at.
	AppendChange(ctx context.Context, calendarID, uri string, op Operation) (int64, error)
	// SyncToken reads the calendar's current synctoken.
	SyncToken(ctx context.Context, calendarID string) (int64, error)
	// ListChanges returns change records with synctoken >= sinceToken,
	// ordered by synctoken ascending, capped at limit when limit > 0.
	// Records are written at the pre-increment token, so a client
	// presenting the token returned by a previous sync sees exactly the
	// mutations that happened after it.
	ListChanges(ctx context.Context, calendarID string, sinceToken int64, limit int) ([]ChangeRecord, error)
}
