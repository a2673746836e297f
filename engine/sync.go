package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/keulen/groupdav/storage"
)

// ChangeSummary is the result of an incremental synchronization request.
type ChangeSummary struct {
	// SyncToken is the calendar's current token, to be presented on the
	// next request.
	SyncToken int64
	Added     []string
	Modified  []string
	Deleted   []string
}

// ChangesSince computes the change summary for a sync window. A nil token
// means initial sync: every current object uri is reported as added. An
// unknown calendar yields (nil, nil), signaling the caller that a full
// resynchronization is required.
//
// Repeated operations on one uri within the window collapse to the final
// operation: a create, update and delete of the same uri resolve to a
// single deleted entry.
func (e *Engine) ChangesSince(ctx context.Context, calendarID string, token *int64, limit int) (*ChangeSummary, error) {
	current, err := e.store.SyncToken(ctx, calendarID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read synctoken of %q: %w", calendarID, err)
	}

	if token == nil {
		infos, err := e.store.ListObjects(ctx, calendarID)
		if err != nil {
			return nil, fmt.Errorf("initial sync of %q: %w", calendarID, err)
		}
		summary := &ChangeSummary{SyncToken: current}
		for _, info := range infos {
			summary.Added = append(summary.Added, info.URI)
		}
		return summary, nil
	}

	records, err := e.store.ListChanges(ctx, calendarID, *token, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes of %q: %w", calendarID, err)
	}

	// Last write wins per uri; records arrive ordered by synctoken.
	final := make(map[string]storage.Operation)
	for _, rec := range records {
		if rec.SyncToken > current {
			continue
		}
		final[rec.URI] = rec.Op
	}

	summary := &ChangeSummary{SyncToken: current}
	for uri, op := range final {
		switch op {
		case storage.OpAdded:
			summary.Added = append(summary.Added, uri)
		case storage.OpModified:
			summary.Modified = append(summary.Modified, uri)
		case storage.OpDeleted:
			summary.Deleted = append(summary.Deleted, uri)
		}
	}
	sort.Strings(summary.Added)
	sort.Strings(summary.Modified)
	sort.Strings(summary.Deleted)
	return summary, nil
}
