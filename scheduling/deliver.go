package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/keulen/groupdav/scheduling/itip"
)

// ErrUnknownRecipient is returned by a Deliverer when the recipient
// address cannot be resolved at all.
var ErrUnknownRecipient = errors.New("unknown recipient")

// DeliveryError wraps a transport failure, distinguishing temporary from
// permanent ones so the right schedule-status lands on the object.
type DeliveryError struct {
	Temporary bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Deliverer sends one scheduling message to its recipient. Implementations
// must not retry; a failed delivery is reported through the returned error
// and recorded as the recipient's schedule status.
type Deliverer interface {
	Deliver(ctx context.Context, msg *itip.Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg *itip.Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg *itip.Message) error {
	return f(ctx, msg)
}

// statusForDeliveryError maps a delivery outcome to the schedule-status
// code written back onto the object.
func statusForDeliveryError(err error) itip.DeliveryStatus {
	if err == nil {
		return itip.StatusDelivered
	}
	if errors.Is(err, ErrUnknownRecipient) {
		return itip.StatusInvalidRecipient
	}
	var de *DeliveryError
	if errors.As(err, &de) && de.Temporary {
		return itip.StatusTemporaryFailure
	}
	return itip.StatusNoTransport
}
