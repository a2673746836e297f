// Package scheduling decides, for every calendar mutation, which
// participants must receive a scheduling notification, suppresses the
// redundant ones, delivers the rest and writes the delivery status back
// onto the mutated object. The decision path is a small explicit pipeline
// (diff, filter, deliver) composed from swappable collaborators rather
// than override hooks.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emersion/go-ical"

	"github.com/keulen/groupdav/scheduling/itip"
)

// RecipientResolver answers questions about a recipient address the
// decision rules need. Resource principals (rooms, equipment) must see
// every change, so the resolver is consulted before any suppression.
type RecipientResolver interface {
	IsResource(address string) bool
}

// ResolverFunc adapts a function to the RecipientResolver interface.
type ResolverFunc func(address string) bool

func (f ResolverFunc) IsResource(address string) bool { return f(address) }

type noResources struct{}

func (noResources) IsResource(string) bool { return false }

// DecisionEngine runs the per-mutation notification pipeline.
type DecisionEngine struct {
	broker    itip.Broker
	deliverer Deliverer
	resolver  RecipientResolver
	logger    *slog.Logger
}

// Option configures a DecisionEngine.
type Option func(*DecisionEngine)

// WithResolver sets the recipient resolver.
func WithResolver(r RecipientResolver) Option {
	return func(d *DecisionEngine) {
		if r != nil {
			d.resolver = r
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DecisionEngine) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a DecisionEngine. Without a resolver no recipient is treated
// as a resource.
func New(broker itip.Broker, deliverer Deliverer, opts ...Option) *DecisionEngine {
	d := &DecisionEngine{
		broker:    broker,
		deliverer: deliverer,
		resolver:  noResources{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnMutation diffs the old and new object state, filters the resulting
// messages and delivers the survivors. Delivery failures are recorded as
// per-recipient schedule status on newCal and never abort the remaining
// recipients or the triggering mutation.
func (d *DecisionEngine) OnMutation(ctx context.Context, calendarID, uri string, oldCal, newCal *ical.Calendar, ownerAddresses []string, ignore []string) error {
	itip.NormalizeSequence(newCal)

	messages, err := d.broker.Diff(oldCal, newCal, ownerAddresses)
	if err != nil {
		return fmt.Errorf("diff %s/%s: %w", calendarID, uri, err)
	}

	ignored := make(map[string]bool, len(ignore))
	for _, addr := range ignore {
		ignored[itip.NormalizeAddress(addr)] = true
	}

	for _, msg := range messages {
		if ignored[msg.Recipient] {
			continue
		}
		verdict, rule := d.decide(msg, oldCal, newCal)
		if !verdict {
			d.logger.Debug("notification suppressed",
				"calendar_id", calendarID, "uri", uri,
				"recipient", msg.Recipient, "rule", rule)
			continue
		}
		d.deliver(ctx, msg, newCal)
	}
	return nil
}

// OnRemoval builds cancellation messages for the removed object and
// delivers all of them; none of the suppression rules apply to deletions.
func (d *DecisionEngine) OnRemoval(ctx context.Context, calendarID, uri string, removed *ical.Calendar, ownerAddresses []string) error {
	messages, err := d.broker.Diff(removed, nil, ownerAddresses)
	if err != nil {
		return fmt.Errorf("diff removal %s/%s: %w", calendarID, uri, err)
	}
	for _, msg := range messages {
		d.deliver(ctx, msg, nil)
	}
	return nil
}

// decide applies the suppression rules in order; the first matching rule
// wins. It returns the delivery verdict and the name of the deciding rule.
func (d *DecisionEngine) decide(msg *itip.Message, oldCal, newCal *ical.Calendar) (bool, string) {
	if d.resolver.IsResource(msg.Recipient) {
		return true, "resource-recipient"
	}
	if oldCal == nil {
		return true, "new-object"
	}

	organizer := itip.Organizer(newCal)
	if !itip.SignificantChange(oldCal, newCal) && msg.Recipient != organizer {
		// The common case: one attendee's accept/decline fanning out to
		// every other attendee, which only the organizer needs.
		return false, "insignificant-for-attendee"
	}

	if d.occurrenceUntouched(msg, oldCal, newCal) {
		return false, "occurrence-untouched"
	}
	return true, "default-deliver"
}

// occurrenceUntouched implements the per-occurrence suppression: a REQUEST
// about exactly one occurrence of a recurring series is dropped when the
// recipient's attendance, the sequence and the key properties of that
// specific occurrence are identical in old and new state. Editing
// exception #3 must not re-announce an untouched exception #2.
func (d *DecisionEngine) occurrenceUntouched(msg *itip.Message, oldCal, newCal *ical.Calendar) bool {
	if msg.Method != itip.MethodRequest {
		return false
	}
	comps := msg.EventComponents()
	if len(comps) != 1 {
		// Bundles of multiple occurrences skip this rule.
		return false
	}

	recurrenceID := itip.RecurrenceID(comps[0])
	oldComp := itip.FindOccurrence(oldCal, recurrenceID)
	newComp := itip.FindOccurrence(newCal, recurrenceID)
	if oldComp == nil || newComp == nil {
		return false
	}
	if itip.Attends(oldComp, msg.Recipient) != itip.Attends(newComp, msg.Recipient) {
		return false
	}
	if itip.SequenceOf(oldComp) != itip.SequenceOf(newComp) {
		return false
	}
	return itip.SameKeyProperties(oldComp, newComp)
}

// deliver sends one message and writes the outcome back onto the persisted
// object's organizer/attendee property, clearing any stale force-send
// marker. target is nil on removal, where the object is gone.
func (d *DecisionEngine) deliver(ctx context.Context, msg *itip.Message, target *ical.Calendar) {
	err := d.deliverer.Deliver(ctx, msg)
	msg.Status = statusForDeliveryError(err)
	if err != nil {
		d.logger.Warn("scheduling delivery failed",
			"recipient", msg.Recipient, "method", string(msg.Method),
			"status", string(msg.Status), "error", err)
	} else {
		d.logger.Info("scheduling message delivered",
			"recipient", msg.Recipient, "method", string(msg.Method))
	}
	if target != nil {
		writeScheduleStatus(target, msg.Recipient, msg.Status)
	}
}

// writeScheduleStatus stamps the SCHEDULE-STATUS parameter on every
// organizer or attendee property matching the recipient.
func writeScheduleStatus(cal *ical.Calendar, recipient string, status itip.DeliveryStatus) {
	for _, comp := range cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		for _, name := range []string{ical.PropAttendee, ical.PropOrganizer} {
			props := comp.Props[name]
			for i := range props {
				if itip.NormalizeAddress(props[i].Value) != recipient {
					continue
				}
				if props[i].Params == nil {
					props[i].Params = make(ical.Params)
				}
				props[i].Params.Set(paramScheduleStatus, string(status))
				delete(props[i].Params, paramForceSend)
			}
		}
	}
}

const (
	paramScheduleStatus = "SCHEDULE-STATUS"
	paramForceSend      = "SCHEDULE-FORCE-SEND"
)
