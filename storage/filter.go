package storage

import "time"

// TextMatch describes a text-match constraint.
type TextMatch struct {
	Collation string // "i;unicode-casemap" (default), "i;ascii-casemap", "i;octet"
	MatchType string // "contains" (default), "equals", "starts-with", "ends-with"
	Negate    bool   // true if negate-condition="yes"
	Value     string // text to match
}

// ParamFilter describes a param-filter inside a prop-filter.
type ParamFilter struct {
	Name         string     // e.g. "PARTSTAT", "LANGUAGE"
	IsNotDefined bool       // is-not-defined
	TextMatch    *TextMatch // optional
}

// PropFilter describes a prop-filter inside a comp-filter.
type PropFilter struct {
	Name         string        // e.g. "SUMMARY", "UID"
	IsNotDefined bool          // is-not-defined
	TextMatch    *TextMatch    // optional
	ParamFilters []ParamFilter // zero or more param-filter
	Test         string        // "anyof" (default) or "allof"
}

// TimeRange describes a time-range in a comp-filter. Either bound may be
// absent.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Filter is the single node type of a calendar-query filter tree. A node
// can carry a component name match, a time range, prop-filters and nested
// comp-filters.
type Filter struct {
	Component    string       // component name, e.g. "VCALENDAR", "VEVENT"
	IsNotDefined bool         // is-not-defined
	TimeRange    *TimeRange   // optional time-range
	PropFilters  []PropFilter // zero or more prop-filter
	Children     []Filter     // nested comp-filter
	Test         string       // "anyof" (default) or "allof"
}

// ComponentFilter returns the innermost component-level filter of a tree
// rooted at VCALENDAR, or the filter itself when it already targets a
// component. Nil when the tree carries no component constraint.
func (f *Filter) ComponentFilter() *Filter {
	if f == nil {
		return nil
	}
	if f.Component == "VCALENDAR" {
		if len(f.Children) == 0 {
			return nil
		}
		return &f.Children[0]
	}
	return f
}
