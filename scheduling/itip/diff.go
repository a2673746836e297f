package itip

import (
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-ical"
)

// RecurrenceIDMaster is the reserved identifier for the base instance of a
// recurring series.
const RecurrenceIDMaster = "master"

// RecurrenceID returns the component's RECURRENCE-ID value, or
// RecurrenceIDMaster for the base instance.
func RecurrenceID(comp *ical.Component) string {
	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil && prop.Value != "" {
		return prop.Value
	}
	return RecurrenceIDMaster
}

// FindOccurrence locates the component carrying the given recurrence id in
// a parsed calendar object, nil when absent.
func FindOccurrence(cal *ical.Calendar, recurrenceID string) *ical.Component {
	if cal == nil {
		return nil
	}
	for _, comp := range eventComponents(cal) {
		if RecurrenceID(comp) == recurrenceID {
			return comp
		}
	}
	return nil
}

// Attends reports whether the address appears in the component's attendee
// list.
func Attends(comp *ical.Component, address string) bool {
	address = NormalizeAddress(address)
	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		if NormalizeAddress(prop.Value) == address {
			return true
		}
	}
	return false
}

// Organizer returns the normalized organizer address of a calendar object,
// empty when the object is not a scheduling object.
func Organizer(cal *ical.Calendar) string {
	if cal == nil {
		return ""
	}
	for _, comp := range eventComponents(cal) {
		if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
			return NormalizeAddress(prop.Value)
		}
	}
	return ""
}

// SequenceOf returns the component's SEQUENCE value, normalized to 0 when
// the property is absent, empty or malformed.
func SequenceOf(comp *ical.Component) int {
	prop := comp.Props.Get(ical.PropSequence)
	if prop == nil || prop.Value == "" {
		return 0
	}
	n, err := strconv.Atoi(prop.Value)
	if err != nil {
		return 0
	}
	return n
}

// NormalizeSequence rewrites an absent or empty SEQUENCE property to "0"
// on every event component, so diffs compare revisions reliably.
func NormalizeSequence(cal *ical.Calendar) {
	if cal == nil {
		return
	}
	for _, comp := range eventComponents(cal) {
		if prop := comp.Props.Get(ical.PropSequence); prop == nil || prop.Value == "" {
			comp.Props.SetText(ical.PropSequence, "0")
		}
	}
}

// keyProperties are the per-occurrence properties whose change warrants
// notifying every participant.
var keyProperties = []string{
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	ical.PropDuration,
	ical.PropSummary,
	ical.PropDescription,
	ical.PropLocation,
	ical.PropRecurrenceRule,
	ical.PropRecurrenceDates,
	ical.PropExceptionDates,
}

// SameKeyProperties compares the schedule-relevant content of two
// occurrence components: start, end/duration, summary, description,
// location and the recurrence set. Sequence and attendance are compared
// separately by the callers.
func SameKeyProperties(a, b *ical.Component) bool {
	for _, name := range keyProperties {
		if propFingerprint(a, name) != propFingerprint(b, name) {
			return false
		}
	}
	return true
}

// propFingerprint joins all values of a property in sorted order; EXDATE
// and friends may legally repeat.
func propFingerprint(comp *ical.Component, name string) string {
	props := comp.Props.Values(name)
	if len(props) == 0 {
		return ""
	}
	values := make([]string, 0, len(props))
	for _, prop := range props {
		values = append(values, prop.Value)
	}
	sort.Strings(values)
	return strings.Join(values, ",")
}

// AttendeeAddresses returns the normalized attendee set of one component.
func AttendeeAddresses(comp *ical.Component) map[string]bool {
	out := make(map[string]bool)
	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		out[NormalizeAddress(prop.Value)] = true
	}
	return out
}

func attendeeUnion(cal *ical.Calendar) map[string]bool {
	out := make(map[string]bool)
	if cal == nil {
		return out
	}
	for _, comp := range eventComponents(cal) {
		for addr := range AttendeeAddresses(comp) {
			out[addr] = true
		}
	}
	return out
}

// SignificantChange reports whether the mutation from old to new touches
// content every participant must learn about: the key per-occurrence
// properties, sequence, or attendee-list membership. A participation
// status change alone is not significant.
func SignificantChange(oldCal, newCal *ical.Calendar) bool {
	if oldCal == nil || newCal == nil {
		return true
	}

	ids := make(map[string]bool)
	for _, comp := range eventComponents(oldCal) {
		ids[RecurrenceID(comp)] = true
	}
	for _, comp := range eventComponents(newCal) {
		ids[RecurrenceID(comp)] = true
	}

	for id := range ids {
		oldComp := FindOccurrence(oldCal, id)
		newComp := FindOccurrence(newCal, id)
		if oldComp == nil || newComp == nil {
			// Occurrence added or removed.
			return true
		}
		if !SameKeyProperties(oldComp, newComp) {
			return true
		}
		if SequenceOf(oldComp) != SequenceOf(newComp) {
			return true
		}
		if !sameAddressSet(AttendeeAddresses(oldComp), AttendeeAddresses(newComp)) {
			return true
		}
	}
	return false
}

func sameAddressSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for addr := range a {
		if !b[addr] {
			return false
		}
	}
	return true
}
