package itip

import (
	"sort"

	"github.com/emersion/go-ical"
)

// Broker turns an object mutation into scheduling messages, one per
// affected recipient. oldCal is nil for a brand-new object; newCal is nil
// when the object was removed.
type Broker interface {
	Diff(oldCal, newCal *ical.Calendar, ownerAddresses []string) ([]*Message, error)
}

// DefaultBroker is the standard RFC 5546 diff implementation. When the
// calendar owner is the organizer it emits REQUEST messages to current
// attendees and CANCEL messages to removed ones; when the owner is an
// attendee it emits a REPLY to the organizer.
type DefaultBroker struct{}

// NewBroker creates a DefaultBroker.
func NewBroker() *DefaultBroker {
	return &DefaultBroker{}
}

func (b *DefaultBroker) Diff(oldCal, newCal *ical.Calendar, ownerAddresses []string) ([]*Message, error) {
	base := newCal
	if base == nil {
		base = oldCal
	}
	if base == nil {
		return nil, nil
	}

	comps := eventComponents(base)
	if len(comps) == 0 {
		return nil, nil
	}

	organizer := Organizer(base)
	if organizer == "" {
		// Not a scheduling object: nobody to notify.
		return nil, nil
	}

	owners := make(map[string]bool, len(ownerAddresses))
	for _, addr := range ownerAddresses {
		owners[NormalizeAddress(addr)] = true
	}

	uid := ""
	if prop := comps[0].Props.Get(ical.PropUID); prop != nil {
		uid = prop.Value
	}
	sequence := SequenceOf(comps[0])

	if owners[organizer] {
		return b.organizerDiff(oldCal, newCal, organizer, uid, sequence), nil
	}
	return b.attendeeDiff(oldCal, newCal, owners, organizer, uid, sequence), nil
}

// organizerDiff handles mutations on the organizer's own copy.
func (b *DefaultBroker) organizerDiff(oldCal, newCal *ical.Calendar, organizer, uid string, sequence int) []*Message {
	significant := SignificantChange(oldCal, newCal)
	oldAttendees := attendeeUnion(oldCal)
	newAttendees := attendeeUnion(newCal)

	var messages []*Message
	for _, addr := range sortedAddresses(newAttendees) {
		if addr == organizer {
			continue
		}
		msg := NewMessage(organizer, addr, MethodRequest)
		msg.UID = uid
		msg.Sequence = sequence
		msg.SignificantChange = significant
		msg.Calendar = fragmentFor(newCal, addr, MethodRequest)
		messages = append(messages, msg)
	}
	for _, addr := range sortedAddresses(oldAttendees) {
		if addr == organizer || newAttendees[addr] {
			continue
		}
		msg := NewMessage(organizer, addr, MethodCancel)
		msg.UID = uid
		msg.Sequence = sequence
		msg.SignificantChange = true
		msg.Calendar = fragmentFor(oldCal, addr, MethodCancel)
		messages = append(messages, msg)
	}
	return messages
}

// attendeeDiff handles mutations on an attendee's copy: the organizer gets
// a REPLY carrying the attendee's participation status. Removal of the
// attendee's copy declines the whole invitation.
func (b *DefaultBroker) attendeeDiff(oldCal, newCal *ical.Calendar, owners map[string]bool, organizer, uid string, sequence int) []*Message {
	base := newCal
	if base == nil {
		base = oldCal
	}

	var attendee string
	for addr := range attendeeUnion(base) {
		if owners[addr] {
			attendee = addr
			break
		}
	}
	if attendee == "" {
		return nil
	}

	msg := NewMessage(attendee, organizer, MethodReply)
	msg.UID = uid
	msg.Sequence = sequence
	msg.SignificantChange = partstatChanged(oldCal, newCal, attendee)
	if newCal != nil {
		msg.Calendar = fragmentFor(newCal, attendee, MethodReply)
	} else {
		msg.Calendar = fragmentFor(oldCal, attendee, MethodReply)
	}
	return []*Message{msg}
}

// fragmentFor assembles the per-recipient calendar fragment: the
// occurrences the recipient participates in, under the given iTip method.
// Components are shared with the source tree, not copied.
func fragmentFor(cal *ical.Calendar, recipient string, method Method) *ical.Calendar {
	out := ical.NewCalendar()
	out.Props.SetText(ical.PropVersion, "2.0")
	out.Props.SetText(ical.PropProductID, "-//groupdav//scheduling//EN")
	out.Props.SetText(ical.PropMethod, string(method))
	if cal == nil {
		return out
	}

	comps := eventComponents(cal)
	master := FindOccurrence(cal, RecurrenceIDMaster)
	inMaster := master != nil && Attends(master, recipient)
	for _, comp := range comps {
		if comp == master {
			if inMaster {
				out.Children = append(out.Children, comp)
			}
			continue
		}
		if Attends(comp, recipient) {
			out.Children = append(out.Children, comp)
		}
	}
	return out
}

func partstatChanged(oldCal, newCal *ical.Calendar, attendee string) bool {
	return partstatOf(oldCal, attendee) != partstatOf(newCal, attendee)
}

func partstatOf(cal *ical.Calendar, attendee string) string {
	if cal == nil {
		return ""
	}
	for _, comp := range eventComponents(cal) {
		for _, prop := range comp.Props.Values(ical.PropAttendee) {
			if NormalizeAddress(prop.Value) == attendee {
				return prop.Params.Get(ical.ParamParticipationStatus)
			}
		}
	}
	return ""
}

func sortedAddresses(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	// Deterministic message order keeps logs and tests stable.
	sort.Strings(out)
	return out
}
