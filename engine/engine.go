// Package engine implements the calendar-object business logic: CRUD with
// metadata denormalization and change logging, calendar-query execution,
// and incremental synchronization. It is stateless across calls; all
// durable state lives behind the storage.Store interface.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keulen/groupdav/analyzer"
	"github.com/keulen/groupdav/storage"
)

// Engine executes calendar-object operations against a Store.
type Engine struct {
	store    storage.Store
	analyzer *analyzer.Analyzer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAnalyzer replaces the default metadata analyzer.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(e *Engine) {
		if a != nil {
			e.analyzer = a
		}
	}
}

// New creates an Engine on top of the given store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		analyzer: analyzer.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateObject analyzes and persists a new calendar object, records the
// Added change and advances the calendar's synctoken. Returns the new etag.
func (e *Engine) CreateObject(ctx context.Context, calendarID, uri, raw string) (string, error) {
	obj, err := e.buildObject(ctx, calendarID, uri, raw)
	if err != nil {
		return "", err
	}
	if err := e.store.InsertObject(ctx, obj); err != nil {
		return "", fmt.Errorf("create object %s/%s: %w", calendarID, uri, err)
	}
	if _, err := e.store.AppendChange(ctx, calendarID, uri, storage.OpAdded); err != nil {
		return "", fmt.Errorf("record create of %s/%s: %w", calendarID, uri, err)
	}
	e.logger.Info("object created", "calendar_id", calendarID, "uri", uri, "etag", obj.ETag)
	return obj.ETag, nil
}

// UpdateObject fully replaces an existing object; all derived fields are
// recomputed. Returns the new etag.
func (e *Engine) UpdateObject(ctx context.Context, calendarID, uri, raw string) (string, error) {
	obj, err := e.buildObject(ctx, calendarID, uri, raw)
	if err != nil {
		return "", err
	}
	if err := e.store.UpdateObject(ctx, obj); err != nil {
		return "", fmt.Errorf("update object %s/%s: %w", calendarID, uri, err)
	}
	if _, err := e.store.AppendChange(ctx, calendarID, uri, storage.OpModified); err != nil {
		return "", fmt.Errorf("record update of %s/%s: %w", calendarID, uri, err)
	}
	e.logger.Info("object updated", "calendar_id", calendarID, "uri", uri, "etag", obj.ETag)
	return obj.ETag, nil
}

// DeleteObject removes an object and records the Deleted change.
func (e *Engine) DeleteObject(ctx context.Context, calendarID, uri string) error {
	if err := e.store.DeleteObject(ctx, calendarID, uri); err != nil {
		return fmt.Errorf("delete object %s/%s: %w", calendarID, uri, err)
	}
	if _, err := e.store.AppendChange(ctx, calendarID, uri, storage.OpDeleted); err != nil {
		return fmt.Errorf("record delete of %s/%s: %w", calendarID, uri, err)
	}
	e.logger.Info("object deleted", "calendar_id", calendarID, "uri", uri)
	return nil
}

// GetObject retrieves one full object.
func (e *Engine) GetObject(ctx context.Context, calendarID, uri string) (*storage.CalendarObject, error) {
	return e.store.GetObject(ctx, calendarID, uri)
}

// ListObjects returns lightweight projections of every object in the
// calendar, for whole-calendar enumeration.
func (e *Engine) ListObjects(ctx context.Context, calendarID string) ([]storage.ObjectInfo, error) {
	return e.store.ListObjects(ctx, calendarID)
}

// GetObjects returns full projections for a multi-uri fetch. Unknown uris
// are skipped.
func (e *Engine) GetObjects(ctx context.Context, calendarID string, uris []string) ([]storage.CalendarObject, error) {
	return e.store.GetObjects(ctx, calendarID, uris)
}

func (e *Engine) buildObject(ctx context.Context, calendarID, uri, raw string) (*storage.CalendarObject, error) {
	meta, err := e.analyzer.Analyze(raw)
	if err != nil {
		return nil, fmt.Errorf("analyze %s/%s: %w", calendarID, uri, err)
	}

	cal, err := e.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("load calendar %q: %w", calendarID, err)
	}
	if !componentSupported(cal, meta.ComponentType) {
		return nil, fmt.Errorf("%w: calendar %q does not accept %s components",
			storage.ErrBadInput, calendarID, meta.ComponentType)
	}

	return &storage.CalendarObject{
		ObjectInfo: storage.ObjectInfo{
			CalendarID:      calendarID,
			URI:             uri,
			ETag:            meta.ETag,
			Size:            meta.Size,
			ComponentType:   meta.ComponentType,
			UID:             meta.UID,
			Classification:  meta.Classification,
			FirstOccurrence: meta.FirstOccurrence,
			LastOccurrence:  meta.LastOccurrence,
		},
		Data: raw,
	}, nil
}

func componentSupported(cal *storage.Calendar, componentType string) bool {
	if len(cal.SupportedComponents) == 0 {
		return true
	}
	for _, supported := range cal.SupportedComponents {
		if supported == componentType {
			return true
		}
	}
	return false
}
