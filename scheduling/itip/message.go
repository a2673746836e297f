// Package itip implements the invitation-diff facility: given an old and a
// new calendar object, it yields one scheduling message per affected
// recipient, in the shape of RFC 5546 iTip transactions.
package itip

import (
	"strings"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// Method is the iTip transaction kind.
type Method string

const (
	MethodRequest Method = "REQUEST"
	MethodReply   Method = "REPLY"
	MethodCancel  Method = "CANCEL"
	MethodCounter Method = "COUNTER"
)

// DeliveryStatus is the schedule-status code written back onto the
// organizer or attendee property after a delivery attempt.
type DeliveryStatus string

const (
	// StatusPending: the message was accepted for later delivery.
	StatusPending DeliveryStatus = "1.1"
	// StatusDelivered: the message reached the recipient's scheduling inbox.
	StatusDelivered DeliveryStatus = "1.2"
	// StatusInvalidRecipient: the recipient address cannot be resolved.
	StatusInvalidRecipient DeliveryStatus = "3.7"
	// StatusNoTransport: no transport can reach the recipient; permanent.
	StatusNoTransport DeliveryStatus = "5.1"
	// StatusTemporaryFailure: the transport failed but may recover.
	StatusTemporaryFailure DeliveryStatus = "5.2"
)

// Message is one scheduling message addressed to a single recipient.
// Messages are transient: they are constructed per mutation and never
// persisted; only the resulting delivery status survives, written onto the
// owning object's organizer/attendee property.
type Message struct {
	// ID identifies the message in logs and on the wire.
	ID string
	// Sender and Recipient are normalized calendar-user addresses.
	Sender    string
	Recipient string
	Method    Method
	// UID of the calendar object the message is about.
	UID string
	// Sequence is the object's revision counter, normalized to 0 when the
	// property is absent or empty.
	Sequence int
	// SignificantChange is set when the mutation touches content every
	// participant cares about, as opposed to one attendee's status.
	SignificantChange bool
	// Status is filled in after the delivery attempt.
	Status DeliveryStatus
	// Calendar is the fragment embedded for this recipient, carrying only
	// the occurrences the recipient participates in.
	Calendar *ical.Calendar
}

// NewMessage creates a message with a fresh id.
func NewMessage(sender, recipient string, method Method) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Recipient: recipient,
		Method:    method,
	}
}

// EventComponents returns the message fragment's non-timezone components.
func (m *Message) EventComponents() []*ical.Component {
	if m.Calendar == nil {
		return nil
	}
	return eventComponents(m.Calendar)
}

func eventComponents(cal *ical.Calendar) []*ical.Component {
	var out []*ical.Component
	for _, comp := range cal.Children {
		if comp.Name != ical.CompTimezone {
			out = append(out, comp)
		}
	}
	return out
}

// NormalizeAddress strips the mailto: scheme and lower-cases a calendar
// user address so addresses compare reliably.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(strings.ToLower(addr), "mailto:")
	return addr
}
