// Package memory provides an in-memory Store for tests and examples.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/keulen/groupdav/storage"
)

// Store implements storage.Store using in-memory maps guarded by a single
// mutex, which also makes the change-record append and synctoken increment
// atomic per calendar.
type Store struct {
	mu        sync.RWMutex
	calendars map[string]*storage.Calendar
	objects   map[string]map[string]*storage.CalendarObject // calendarID -> uri -> object
	changes   map[string][]storage.ChangeRecord             // calendarID -> append-only log
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		calendars: make(map[string]*storage.Calendar),
		objects:   make(map[string]map[string]*storage.CalendarObject),
		changes:   make(map[string][]storage.ChangeRecord),
	}
}

func (s *Store) GetCalendar(_ context.Context, calendarID string) (*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, ok := s.calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	copied := *cal
	return &copied, nil
}

func (s *Store) CreateCalendar(_ context.Context, cal *storage.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calendars[cal.ID]; exists {
		return fmt.Errorf("calendar %q: %w", cal.ID, storage.ErrAlreadyExists)
	}
	copied := *cal
	if copied.SyncToken < 1 {
		copied.SyncToken = 1
	}
	s.calendars[cal.ID] = &copied
	s.objects[cal.ID] = make(map[string]*storage.CalendarObject)
	return nil
}

func (s *Store) DeleteCalendar(_ context.Context, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calendars[calendarID]; !exists {
		return fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	delete(s.calendars, calendarID)
	delete(s.objects, calendarID)
	delete(s.changes, calendarID)
	return nil
}

func (s *Store) ListObjects(_ context.Context, calendarID string) ([]storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objs, ok := s.objects[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	infos := make([]storage.ObjectInfo, 0, len(objs))
	for _, obj := range objs {
		infos = append(infos, obj.ObjectInfo)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].URI < infos[j].URI })
	return infos, nil
}

func (s *Store) GetObject(_ context.Context, calendarID, uri string) (*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[calendarID][uri]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", calendarID, uri, storage.ErrNotFound)
	}
	copied := *obj
	return &copied, nil
}

func (s *Store) GetObjects(_ context.Context, calendarID string, uris []string) ([]storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.CalendarObject
	for _, uri := range uris {
		if obj, ok := s.objects[calendarID][uri]; ok {
			out = append(out, *obj)
		}
	}
	return out, nil
}

func (s *Store) QueryObjects(_ context.Context, q storage.ObjectQuery) iter.Seq2[storage.CalendarObject, error] {
	return func(yield func(storage.CalendarObject, error) bool) {
		s.mu.RLock()
		objs, ok := s.objects[q.CalendarID]
		var snapshot []storage.CalendarObject
		if ok {
			snapshot = make([]storage.CalendarObject, 0, len(objs))
			for _, obj := range objs {
				snapshot = append(snapshot, *obj)
			}
		}
		s.mu.RUnlock()

		if !ok {
			yield(storage.CalendarObject{}, fmt.Errorf("calendar %q: %w", q.CalendarID, storage.ErrNotFound))
			return
		}

		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].URI < snapshot[j].URI })
		for _, obj := range snapshot {
			if !matchesQuery(obj.ObjectInfo, q) {
				continue
			}
			if !q.WithData {
				obj.Data = ""
			}
			if !yield(obj, nil) {
				return
			}
		}
	}
}

func matchesQuery(info storage.ObjectInfo, q storage.ObjectQuery) bool {
	if q.ComponentType != "" && info.ComponentType != q.ComponentType {
		return false
	}
	if q.LastOccurrenceOnOrAfter != nil {
		last, ok := info.LastOccurrence.Get()
		if !ok || last.Before(*q.LastOccurrenceOnOrAfter) {
			return false
		}
	}
	if q.FirstOccurrenceBefore != nil {
		first, ok := info.FirstOccurrence.Get()
		if !ok || !first.Before(*q.FirstOccurrenceBefore) {
			return false
		}
	}
	return true
}

func (s *Store) InsertObject(_ context.Context, obj *storage.CalendarObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs, ok := s.objects[obj.CalendarID]
	if !ok {
		return fmt.Errorf("calendar %q: %w", obj.CalendarID, storage.ErrNotFound)
	}
	if _, exists := objs[obj.URI]; exists {
		return fmt.Errorf("object %s/%s: %w", obj.CalendarID, obj.URI, storage.ErrAlreadyExists)
	}
	copied := *obj
	copied.LastModified = time.Now()
	objs[obj.URI] = &copied
	return nil
}

func (s *Store) UpdateObject(_ context.Context, obj *storage.CalendarObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs := s.objects[obj.CalendarID]
	if _, exists := objs[obj.URI]; !exists {
		return fmt.Errorf("object %s/%s: %w", obj.CalendarID, obj.URI, storage.ErrNotFound)
	}
	copied := *obj
	copied.LastModified = time.Now()
	objs[obj.URI] = &copied
	return nil
}

func (s *Store) DeleteObject(_ context.Context, calendarID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs := s.objects[calendarID]
	if _, exists := objs[uri]; !exists {
		return fmt.Errorf("object %s/%s: %w", calendarID, uri, storage.ErrNotFound)
	}
	delete(objs, uri)
	return nil
}

// AppendChange records the operation at the calendar's current synctoken
// and increments the token, both under the store lock.
func (s *Store) AppendChange(_ context.Context, calendarID, uri string, op storage.Operation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, ok := s.calendars[calendarID]
	if !ok {
		return 0, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	token := cal.SyncToken
	s.changes[calendarID] = append(s.changes[calendarID], storage.ChangeRecord{
		CalendarID: calendarID,
		URI:        uri,
		SyncToken:  token,
		Op:         op,
	})
	cal.SyncToken++
	return token, nil
}

func (s *Store) SyncToken(_ context.Context, calendarID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, ok := s.calendars[calendarID]
	if !ok {
		return 0, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	return cal.SyncToken, nil
}

func (s *Store) ListChanges(_ context.Context, calendarID string, sinceToken int64, limit int) ([]storage.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.calendars[calendarID]; !ok {
		return nil, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	var out []storage.ChangeRecord
	for _, rec := range s.changes[calendarID] {
		if rec.SyncToken < sinceToken {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
