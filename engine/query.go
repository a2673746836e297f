package engine

import (
	"context"
	"iter"

	"github.com/emersion/go-ical"

	"github.com/keulen/groupdav/storage"
)

// Match is one calendar-query result. Data and Parsed are populated only
// when the query runs with data attached.
type Match struct {
	storage.ObjectInfo
	Data   string
	Parsed *ical.Calendar
}

// queryPlan is the translation of a filter tree into a coarse store
// predicate plus the decision whether an exact in-memory pass is needed.
type queryPlan struct {
	coarse     storage.ObjectQuery
	postFilter bool
}

// planQuery builds the coarse predicate: component-type equality when the
// filter names one, lastOccurrence >= range start, firstOccurrence < range
// end. The predicate over-approximates; it never omits a true match.
func planQuery(calendarID string, filter *storage.Filter, withData bool) queryPlan {
	plan := queryPlan{coarse: storage.ObjectQuery{CalendarID: calendarID}}

	// Constraints on the VCALENDAR root itself have no coarse
	// representation; they force the exact pass before descending.
	if filter != nil && filter.Component == "VCALENDAR" &&
		(filter.IsNotDefined || len(filter.PropFilters) > 0) {
		plan.postFilter = true
	}

	comp := filter.ComponentFilter()
	if comp == nil {
		plan.coarse.WithData = withData || plan.postFilter
		return plan
	}

	if comp.IsNotDefined {
		// Coarse equality cannot express absence; defer entirely to the
		// exact evaluator.
		plan.postFilter = true
	} else if comp.Component != "" {
		plan.coarse.ComponentType = comp.Component
	}

	var bounds int
	if tr := comp.TimeRange; tr != nil {
		if tr.Start != nil {
			start := *tr.Start
			plan.coarse.LastOccurrenceOnOrAfter = &start
			bounds++
		}
		if tr.End != nil {
			end := *tr.End
			plan.coarse.FirstOccurrenceBefore = &end
			bounds++
		}
	}

	// A single open bound is already exact against the coarse predicate;
	// anything beyond that needs the recurrence-aware re-check.
	if len(comp.PropFilters) > 0 || len(comp.Children) > 0 || bounds == 2 {
		plan.postFilter = true
	}

	plan.coarse.WithData = withData || plan.postFilter
	return plan
}

// Query translates the filter into a coarse store query and, when needed,
// re-checks each candidate against the exact filter evaluator. The result
// is a lazy, single-pass sequence; withData only changes what is attached
// to matches, never which objects match. A store failure terminates the
// sequence with an error; a candidate that fails to parse during the exact
// pass is treated as a non-match.
func (e *Engine) Query(ctx context.Context, calendarID string, filter *storage.Filter, withData bool) iter.Seq2[Match, error] {
	plan := planQuery(calendarID, filter, withData)

	return func(yield func(Match, error) bool) {
		for obj, err := range e.store.QueryObjects(ctx, plan.coarse) {
			if err != nil {
				yield(Match{}, err)
				return
			}

			var parsed *ical.Calendar
			if plan.postFilter || withData {
				parsed, err = storage.ParseCalendar(obj.Data)
				if err != nil {
					// A malformed stored object must not poison the whole
					// query; skip the row.
					e.logger.Warn("skipping unparsable object in query",
						"calendar_id", calendarID, "uri", obj.URI, "error", err)
					continue
				}
			}
			if plan.postFilter && !filter.Validate(parsed) {
				continue
			}

			match := Match{ObjectInfo: obj.ObjectInfo}
			if withData {
				match.Data = obj.Data
				match.Parsed = parsed
			}
			if !yield(match, nil) {
				return
			}
		}
	}
}
