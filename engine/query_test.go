package engine

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keulen/groupdav/storage"
	"github.com/keulen/groupdav/storage/memory"
)

func timePtr(t time.Time) *time.Time { return &t }

func collectURIs(t *testing.T, seq iter.Seq2[Match, error]) []string {
	t.Helper()
	var uris []string
	for match, err := range seq {
		require.NoError(t, err)
		uris = append(uris, match.URI)
	}
	return uris
}

func TestPlanQuery(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		filter         *storage.Filter
		wantComponent  string
		wantPostFilter bool
	}{
		{name: "nil filter", filter: nil},
		{
			name:          "type only",
			filter:        &storage.Filter{Component: "VEVENT"},
			wantComponent: "VEVENT",
		},
		{
			name: "single open bound",
			filter: &storage.Filter{
				Component: "VEVENT",
				TimeRange: &storage.TimeRange{Start: timePtr(start)},
			},
			wantComponent: "VEVENT",
		},
		{
			name: "both bounds",
			filter: &storage.Filter{
				Component: "VEVENT",
				TimeRange: &storage.TimeRange{Start: timePtr(start), End: timePtr(end)},
			},
			wantComponent:  "VEVENT",
			wantPostFilter: true,
		},
		{
			name: "prop filter",
			filter: &storage.Filter{
				Component:   "VEVENT",
				PropFilters: []storage.PropFilter{{Name: "SUMMARY"}},
			},
			wantComponent:  "VEVENT",
			wantPostFilter: true,
		},
		{
			name: "nested comp filter",
			filter: &storage.Filter{
				Component: "VEVENT",
				Children:  []storage.Filter{{Component: "VALARM"}},
			},
			wantComponent:  "VEVENT",
			wantPostFilter: true,
		},
		{
			name:           "is-not-defined",
			filter:         &storage.Filter{Component: "VTODO", IsNotDefined: true},
			wantPostFilter: true,
		},
		{
			name: "root prop filter",
			filter: &storage.Filter{
				Component:   "VCALENDAR",
				PropFilters: []storage.PropFilter{{Name: "VERSION"}},
			},
			wantPostFilter: true,
		},
		{
			name: "root prop filter with child",
			filter: &storage.Filter{
				Component:   "VCALENDAR",
				PropFilters: []storage.PropFilter{{Name: "VERSION"}},
				Children:    []storage.Filter{{Component: "VEVENT"}},
			},
			wantComponent:  "VEVENT",
			wantPostFilter: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planQuery("cal", tt.filter, false)
			assert.Equal(t, tt.wantComponent, plan.coarse.ComponentType)
			assert.Equal(t, tt.wantPostFilter, plan.postFilter)
			assert.Equal(t, tt.wantPostFilter, plan.coarse.WithData,
				"post-filtering requires raw data from the store")
		})
	}
}

func TestQuery_TypeOnly(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateObject(ctx, "cal", "e1.ics",
		eventICS("e1", "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\n"))
	require.NoError(t, err)
	_, err = eng.CreateObject(ctx, "cal", "t1.ics", todoICS("t1"))
	require.NoError(t, err)

	filter := &storage.Filter{Component: "VEVENT"}
	assert.Equal(t, []string{"e1.ics"}, collectURIs(t, eng.Query(ctx, "cal", filter, false)))

	filter = &storage.Filter{Component: "VTODO"}
	assert.Equal(t, []string{"t1.ics"}, collectURIs(t, eng.Query(ctx, "cal", filter, false)))
}

func TestQuery_TypeOnlySkipsParsing(t *testing.T) {
	// Unparsable stored data must not matter when the plan needs no exact
	// pass: the coarse result is returned as-is.
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateCalendar(ctx, &storage.Calendar{ID: "cal"}))
	require.NoError(t, store.InsertObject(ctx, &storage.CalendarObject{
		ObjectInfo: storage.ObjectInfo{CalendarID: "cal", URI: "a.ics", ComponentType: "VEVENT"},
		Data:       "garbage",
	}))
	eng := New(store)

	filter := &storage.Filter{Component: "VEVENT"}
	assert.Equal(t, []string{"a.ics"}, collectURIs(t, eng.Query(ctx, "cal", filter, false)))

	// With an exact pass the unparsable row is skipped instead.
	filter.PropFilters = []storage.PropFilter{{Name: "SUMMARY"}}
	assert.Empty(t, collectURIs(t, eng.Query(ctx, "cal", filter, false)))
}

func TestQuery_TimeRangeRecheck(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	// Weekly event on Mondays: metadata spans Mar 2 .. Apr 6 but only five
	// discrete occurrences exist inside that span.
	_, err := eng.CreateObject(ctx, "cal", "weekly.ics",
		eventICS("e1", "DTSTART:20260302T090000Z\r\nDTEND:20260302T100000Z\r\nRRULE:FREQ=WEEKLY;COUNT=6\r\n"))
	require.NoError(t, err)

	hit := &storage.Filter{Component: "VEVENT", TimeRange: &storage.TimeRange{
		Start: timePtr(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)),
		End:   timePtr(time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)),
	}}
	assert.Equal(t, []string{"weekly.ics"}, collectURIs(t, eng.Query(ctx, "cal", hit, false)))

	// The coarse range predicate alone would include this window; the exact
	// pass rejects it because no occurrence falls inside.
	miss := &storage.Filter{Component: "VEVENT", TimeRange: &storage.TimeRange{
		Start: timePtr(time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)),
		End:   timePtr(time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)),
	}}
	assert.Empty(t, collectURIs(t, eng.Query(ctx, "cal", miss, false)))
}

func TestQuery_WithData(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	raw := eventICS("e1", "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\n")
	_, err := eng.CreateObject(ctx, "cal", "e1.ics", raw)
	require.NoError(t, err)

	filter := &storage.Filter{Component: "VEVENT"}

	for match, err := range eng.Query(ctx, "cal", filter, false) {
		require.NoError(t, err)
		assert.Empty(t, match.Data)
		assert.Nil(t, match.Parsed)
	}
	for match, err := range eng.Query(ctx, "cal", filter, true) {
		require.NoError(t, err)
		assert.Equal(t, raw, match.Data)
		require.NotNil(t, match.Parsed)
	}
}

func TestQuery_StoreErrorTerminates(t *testing.T) {
	ctx := context.Background()
	eng := New(memory.New())

	var results, errs int
	for _, err := range eng.Query(ctx, "absent", nil, false) {
		if err != nil {
			errs++
			assert.ErrorIs(t, err, storage.ErrNotFound)
		} else {
			results++
		}
	}
	assert.Equal(t, 0, results)
	assert.Equal(t, 1, errs)
}

func TestQuery_VcalendarRootFilter(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateObject(ctx, "cal", "e1.ics",
		eventICS("e1", "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nSUMMARY:Standup\r\n"))
	require.NoError(t, err)

	filter := &storage.Filter{
		Component: "VCALENDAR",
		Children: []storage.Filter{{
			Component: "VEVENT",
			PropFilters: []storage.PropFilter{{
				Name:      "SUMMARY",
				TextMatch: &storage.TextMatch{Value: "standup"},
			}},
		}},
	}
	assert.Equal(t, []string{"e1.ics"}, collectURIs(t, eng.Query(ctx, "cal", filter, false)))
}

func TestQuery_RootPropFilterForcesExactPass(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateObject(ctx, "cal", "e1.ics",
		eventICS("e1", "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\n"))
	require.NoError(t, err)

	// A prop-filter sitting on the VCALENDAR node itself has no coarse
	// representation; the exact pass must reject the non-matching object.
	miss := &storage.Filter{
		Component: "VCALENDAR",
		PropFilters: []storage.PropFilter{{
			Name:      "VERSION",
			TextMatch: &storage.TextMatch{Value: "95.0", MatchType: "equals"},
		}},
	}
	assert.Empty(t, collectURIs(t, eng.Query(ctx, "cal", miss, false)))

	hit := &storage.Filter{
		Component: "VCALENDAR",
		PropFilters: []storage.PropFilter{{
			Name:      "VERSION",
			TextMatch: &storage.TextMatch{Value: "2.0", MatchType: "equals"},
		}},
	}
	assert.Equal(t, []string{"e1.ics"}, collectURIs(t, eng.Query(ctx, "cal", hit, false)))
}
