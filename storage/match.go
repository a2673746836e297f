package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// Validate reports whether the parsed calendar matches the filter tree.
// This is the exact evaluator behind the post-filter pass of a calendar
// query: unlike the coarse store predicate it honors recurrence rules,
// exception dates, prop-filters and param-filters.
func (f *Filter) Validate(cal *ical.Calendar) bool {
	if f == nil {
		return true
	}
	if cal == nil {
		return f.IsNotDefined
	}
	if strings.EqualFold(f.Component, ical.CompCalendar) {
		if f.IsNotDefined {
			return false
		}
		return f.matchConstraints(cal.Component)
	}
	// A component-level filter applies to the calendar's children.
	return matchCompFilter(*f, cal.Children)
}

// matchCompFilter matches one comp-filter node against a set of sibling
// components. Per RFC 4791 a comp-filter matches when at least one instance
// of the named component satisfies all its constraints.
func matchCompFilter(f Filter, comps []*ical.Component) bool {
	var named []*ical.Component
	for _, comp := range comps {
		if strings.EqualFold(comp.Name, f.Component) {
			named = append(named, comp)
		}
	}
	if f.IsNotDefined {
		return len(named) == 0
	}
	if len(named) == 0 {
		return false
	}
	for _, comp := range named {
		if f.matchConstraints(comp) {
			return true
		}
	}
	return false
}

// matchConstraints evaluates a node's time-range, prop-filters and nested
// comp-filters against one concrete component. The time-range is always
// required; prop-filters and children combine according to Test.
func (f *Filter) matchConstraints(comp *ical.Component) bool {
	if f.TimeRange != nil && !matchTimeRange(comp, f.TimeRange) {
		return false
	}

	var results []bool
	for _, pf := range f.PropFilters {
		results = append(results, matchPropFilter(pf, comp))
	}
	for _, child := range f.Children {
		results = append(results, matchCompFilter(child, comp.Children))
	}
	if len(results) == 0 {
		return true
	}
	return combine(results, f.Test)
}

func matchPropFilter(pf PropFilter, comp *ical.Component) bool {
	props := comp.Props[strings.ToUpper(pf.Name)]
	if pf.IsNotDefined {
		return len(props) == 0
	}
	if len(props) == 0 {
		return false
	}
	for i := range props {
		if matchProp(pf, &props[i]) {
			return true
		}
	}
	return false
}

func matchProp(pf PropFilter, prop *ical.Prop) bool {
	var results []bool
	if pf.TextMatch != nil {
		results = append(results, matchText(*pf.TextMatch, prop.Value))
	}
	for _, paramf := range pf.ParamFilters {
		results = append(results, matchParamFilter(paramf, prop))
	}
	if len(results) == 0 {
		return true
	}
	return combine(results, pf.Test)
}

func matchParamFilter(paramf ParamFilter, prop *ical.Prop) bool {
	value := prop.Params.Get(strings.ToUpper(paramf.Name))
	defined := len(prop.Params[strings.ToUpper(paramf.Name)]) > 0
	if paramf.IsNotDefined {
		return !defined
	}
	if !defined {
		return false
	}
	if paramf.TextMatch == nil {
		return true
	}
	return matchText(*paramf.TextMatch, value)
}

func matchText(tm TextMatch, value string) bool {
	haystack, needle := value, tm.Value
	// Octet collation compares bytes; everything else is case-insensitive.
	if tm.Collation != "i;octet" {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}

	var matched bool
	switch tm.MatchType {
	case "equals":
		matched = haystack == needle
	case "starts-with":
		matched = strings.HasPrefix(haystack, needle)
	case "ends-with":
		matched = strings.HasSuffix(haystack, needle)
	default: // "contains"
		matched = strings.Contains(haystack, needle)
	}
	if tm.Negate {
		return !matched
	}
	return matched
}

func combine(results []bool, test string) bool {
	if test == "allof" {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
	// anyof is the default
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}

// matchTimeRange reports whether the component has at least one occurrence
// overlapping the range. Overlap uses the usual half-open convention:
// occurrence start < range end and occurrence end > range start, with
// instantaneous occurrences matched at their instant.
func matchTimeRange(comp *ical.Component, tr *TimeRange) bool {
	start, end, ok := componentTimeSpan(comp)
	if !ok {
		return false
	}

	rangeStart := timeOrElse(tr.Start, time.Time{})
	rangeEnd := timeOrElse(tr.End, maxQueryDate)

	rec := extractRecurrence(comp)
	if overlaps(start, end, rangeStart, rangeEnd) && !excluded(start, rec.exdates) {
		return true
	}

	if rec.rrule != "" {
		if hit, err := rruleOverlaps(start, end.Sub(start), rec, rangeStart, rangeEnd); err == nil && hit {
			return true
		}
	}

	duration := end.Sub(start)
	for _, rdate := range rec.rdates {
		if overlaps(rdate, rdate.Add(duration), rangeStart, rangeEnd) && !excluded(rdate, rec.exdates) {
			return true
		}
	}
	return false
}

// maxQueryDate bounds open-ended range matching; far enough not to matter.
var maxQueryDate = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

func overlaps(start, end, rangeStart, rangeEnd time.Time) bool {
	if start.Equal(end) {
		// Instantaneous occurrence.
		return !start.Before(rangeStart) && start.Before(rangeEnd)
	}
	return start.Before(rangeEnd) && end.After(rangeStart)
}

func timeOrElse(t *time.Time, def time.Time) time.Time {
	if t == nil {
		return def
	}
	return *t
}

type recurrenceProps struct {
	rrule   string
	rdates  []time.Time
	exdates []time.Time
}

func extractRecurrence(comp *ical.Component) recurrenceProps {
	var rec recurrenceProps
	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		rec.rrule = prop.Value
	}
	if prop := comp.Props.Get(ical.PropRecurrenceDates); prop != nil {
		rec.rdates = parseDateList(prop)
	}
	if prop := comp.Props.Get(ical.PropExceptionDates); prop != nil {
		rec.exdates = parseDateList(prop)
	}
	return rec
}

// parseDateList parses a comma-separated RDATE/EXDATE value. Date-only
// entries are normalized to midnight UTC.
func parseDateList(prop *ical.Prop) []time.Time {
	dateOnly := strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
	var out []time.Time
	for _, raw := range strings.Split(prop.Value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, ok := parseICalTime(raw, dateOnly); ok {
			out = append(out, t)
		}
	}
	return out
}

func parseICalTime(raw string, dateOnly bool) (time.Time, bool) {
	if !dateOnly {
		if t, err := time.Parse("20060102T150405Z", raw); err == nil {
			return t, true
		}
		if t, err := time.Parse("20060102T150405", raw); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse("20060102", raw); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func excluded(t time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if t.Equal(ex) {
			return true
		}
		// Date-only exceptions knock out the whole day.
		if ex.Hour() == 0 && ex.Minute() == 0 && ex.Second() == 0 && ex.Location() == time.UTC {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if day.Equal(ex) {
				return true
			}
		}
	}
	return false
}

func rruleOverlaps(masterStart time.Time, duration time.Duration, rec recurrenceProps, rangeStart, rangeEnd time.Time) (bool, error) {
	dtstart := masterStart.UTC().Format("20060102T150405Z")
	set, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s", dtstart, rec.rrule))
	if err != nil {
		return false, fmt.Errorf("parse RRULE %q: %w", rec.rrule, err)
	}

	// Widen the expansion window backwards so occurrences that start before
	// the range but run into it are still found.
	expandStart := rangeStart.Add(-duration)
	for _, occ := range set.Between(expandStart, rangeEnd, true) {
		if excluded(occ, rec.exdates) {
			continue
		}
		if overlaps(occ, occ.Add(duration), rangeStart, rangeEnd) {
			return true, nil
		}
	}
	return false, nil
}

// componentTimeSpan derives the concrete [start, end) span of a component's
// master instance: DTEND, then DURATION, then the all-day or instantaneous
// default. VTODO spans stretch to DUE when later.
func componentTimeSpan(comp *ical.Component) (start, end time.Time, ok bool) {
	dtstart, err := comp.Props.DateTime(ical.PropDateTimeStart, nil)
	if err == nil && !dtstart.IsZero() {
		start = dtstart
		ok = true

		if dtend, err := comp.Props.DateTime(ical.PropDateTimeEnd, nil); err == nil && !dtend.IsZero() {
			end = dtend
			if isMidnight(start) && sameDay(start, end) {
				end = start.AddDate(0, 0, 1)
			}
		} else if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
			dur, err := durProp.Duration()
			if err != nil {
				return time.Time{}, time.Time{}, false
			}
			end = start.Add(dur)
		} else if isDateOnly(comp.Props.Get(ical.PropDateTimeStart)) || isMidnight(start) {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start
		}
	}

	if comp.Name == ical.CompToDo {
		if due, err := comp.Props.DateTime(ical.PropDue, nil); err == nil && !due.IsZero() {
			if !ok {
				start, end, ok = due, due, true
			} else if due.After(end) {
				end = due
			}
		}
	}
	return start, end, ok
}

func isDateOnly(prop *ical.Prop) bool {
	return prop != nil && strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
