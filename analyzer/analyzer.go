// Package analyzer derives denormalized, indexable metadata from raw
// iCalendar text: component type, UID, classification and the occurrence
// range bounding every instance of a possibly recurring event. The
// derivation is side-effect-free and terminates in bounded time no matter
// how far into the future a recurrence reaches.
package analyzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	"github.com/keulen/groupdav/storage"
)

// MaxDate is the sentinel substituted for "infinitely far future". Any
// recurrence judged infinite, or whose real last occurrence would exceed
// this bound, is reported with LastOccurrence == MaxDate. The value sits
// just before the 32-bit time overflow so it survives every downstream
// timestamp encoding.
var MaxDate = time.Date(2038, 1, 1, 0, 0, 0, 0, time.UTC)

// defaultMaxIterations caps recurrence iteration to protect against
// finite but extremely long series; the sentinel date alone only bounds
// by calendar position.
const defaultMaxIterations = 10000

// Metadata is the indexable projection of one calendar object.
type Metadata struct {
	// ETag is the quoted content digest of the raw text.
	ETag string
	// Size is the raw text's byte length.
	Size int64
	// ComponentType is the main component's type tag.
	ComponentType string
	// UID is the main component's unique identifier, as text.
	UID string
	// Classification is the upper-cased CLASS value, when present.
	Classification mo.Option[string]
	// FirstOccurrence and LastOccurrence bound the object in time. Both
	// absent for non-event components.
	FirstOccurrence mo.Option[time.Time]
	LastOccurrence  mo.Option[time.Time]
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxIterations overrides the recurrence iteration ceiling.
func WithMaxIterations(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithSentinel overrides the far-future bound. Intended for tests.
func WithSentinel(t time.Time) Option {
	return func(a *Analyzer) { a.sentinel = t }
}

// Analyzer computes Metadata from raw calendar text.
type Analyzer struct {
	maxIterations int
	sentinel      time.Time
}

// New creates an Analyzer with production defaults.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		maxIterations: defaultMaxIterations,
		sentinel:      MaxDate,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze parses raw iCalendar text and derives its Metadata. Unparsable
// text, or text whose container holds nothing but timezone definitions,
// fails with storage.ErrBadInput.
func (a *Analyzer) Analyze(raw string) (*Metadata, error) {
	cal, err := storage.ParseCalendar(raw)
	if err != nil {
		return nil, err
	}

	main, err := storage.MainComponent(cal)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		ETag:          storage.ETag(raw),
		Size:          int64(len(raw)),
		ComponentType: main.Name,
	}
	if prop := main.Props.Get(ical.PropUID); prop != nil {
		meta.UID = prop.Value
	}
	if prop := main.Props.Get(ical.PropClass); prop != nil && prop.Value != "" {
		meta.Classification = mo.Some(strings.ToUpper(prop.Value))
	}

	// Only events carry scheduling-relevant occurrence ranges.
	if main.Name != ical.CompEvent {
		return meta, nil
	}

	start, err := main.Props.DateTime(ical.PropDateTimeStart, nil)
	if err != nil || start.IsZero() {
		return nil, fmt.Errorf("%w: event has no usable DTSTART", storage.ErrBadInput)
	}
	meta.FirstOccurrence = mo.Some(start)

	last, err := a.lastOccurrence(cal, main, start)
	if err != nil {
		return nil, err
	}
	meta.LastOccurrence = mo.Some(last)

	return meta, nil
}

// lastOccurrence computes the end timestamp of the event's final instance,
// honoring overrides elsewhere in the container and capping at the
// sentinel.
func (a *Analyzer) lastOccurrence(cal *ical.Calendar, main *ical.Component, start time.Time) (time.Time, error) {
	rruleProp := main.Props.Get(ical.PropRecurrenceRule)
	if rruleProp == nil || rruleProp.Value == "" {
		return masterEnd(main, start), nil
	}

	ro, err := rrule.StrToROption(rruleProp.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse RRULE %q: %v", storage.ErrBadInput, rruleProp.Value, err)
	}

	// An unbounded rule has no COUNT and no UNTIL; don't iterate an
	// infinite series, report the sentinel immediately.
	if ro.Count == 0 && ro.Until.IsZero() {
		return a.sentinel, nil
	}

	set, err := a.buildSet(main, start, ro)
	if err != nil {
		return time.Time{}, err
	}

	duration := masterEnd(main, start).Sub(start)
	overrides := overrideEnds(cal, main)

	last := start
	next := set.Iterator()
	for i := 0; ; i++ {
		if i >= a.maxIterations {
			// Series too long to walk; report the conservative bound.
			return a.sentinel, nil
		}
		occ, ok := next()
		if !ok {
			break
		}
		end := occ.Add(duration)
		if override, found := overrides[occ.Unix()]; found {
			end = override
		}
		if !end.Before(a.sentinel) {
			return a.sentinel, nil
		}
		if end.After(last) {
			last = end
		}
	}

	// Overrides may move an instance past every generated occurrence.
	for _, end := range overrides {
		if !end.Before(a.sentinel) {
			return a.sentinel, nil
		}
		if end.After(last) {
			last = end
		}
	}
	return last, nil
}

func (a *Analyzer) buildSet(main *ical.Component, start time.Time, ro *rrule.ROption) (*rrule.Set, error) {
	ro.Dtstart = start.UTC()
	rule, err := rrule.NewRRule(*ro)
	if err != nil {
		return nil, fmt.Errorf("%w: build RRULE: %v", storage.ErrBadInput, err)
	}

	set := &rrule.Set{}
	set.DTStart(start.UTC())
	set.RRule(rule)
	for _, rdate := range propDateList(main.Props.Get(ical.PropRecurrenceDates)) {
		set.RDate(rdate)
	}
	for _, exdate := range propDateList(main.Props.Get(ical.PropExceptionDates)) {
		set.ExDate(exdate)
	}
	return set, nil
}

// masterEnd resolves the end of a non-recurring instance: explicit DTEND,
// then DURATION, then one day for date-only starts, then the start itself.
func masterEnd(comp *ical.Component, start time.Time) time.Time {
	if dtend, err := comp.Props.DateTime(ical.PropDateTimeEnd, nil); err == nil && !dtend.IsZero() {
		return dtend
	}
	if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		if dur, err := durProp.Duration(); err == nil {
			return start.Add(dur)
		}
	}
	if isDateOnlyProp(comp.Props.Get(ical.PropDateTimeStart)) {
		return start.AddDate(0, 0, 1)
	}
	return start
}

// overrideEnds maps the RECURRENCE-ID instant (unix seconds) of every
// override component in the container to that override's end timestamp.
func overrideEnds(cal *ical.Calendar, main *ical.Component) map[int64]time.Time {
	ends := make(map[int64]time.Time)
	for _, comp := range cal.Children {
		if comp == main || comp.Name != ical.CompEvent {
			continue
		}
		rid, err := comp.Props.DateTime(ical.PropRecurrenceID, nil)
		if err != nil || rid.IsZero() {
			continue
		}
		overrideStart, err := comp.Props.DateTime(ical.PropDateTimeStart, nil)
		if err != nil || overrideStart.IsZero() {
			overrideStart = rid
		}
		ends[rid.Unix()] = masterEnd(comp, overrideStart)
	}
	return ends
}

func propDateList(prop *ical.Prop) []time.Time {
	if prop == nil || prop.Value == "" {
		return nil
	}
	dateOnly := strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
	var out []time.Time
	for _, raw := range strings.Split(prop.Value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, ok := parseICalInstant(raw, dateOnly); ok {
			out = append(out, t.UTC())
		}
	}
	return out
}

func parseICalInstant(raw string, dateOnly bool) (time.Time, bool) {
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

func isDateOnlyProp(prop *ical.Prop) bool {
	return prop != nil && strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
}
