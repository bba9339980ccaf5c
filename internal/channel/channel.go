// Package channel defines the contract with the external send mechanism
// (the device telephony subsystem or a stand-in for it).
//
// Send hands one message to the channel. The channel reports the real
// outcome asynchronously through the Callbacks interface, keyed by the
// engine-supplied correlation id; a synchronous error from Send means the
// hand-off itself failed (no radio, malformed destination).
package channel

import (
	"context"
	"errors"
	"fmt"
)

// Message is one outbound hand-off.
type Message struct {
	CorrelationID string
	Destination   string
	Body          string
}

type Channel interface {
	Send(ctx context.Context, m Message) error
}

// Callbacks receives the channel's asynchronous completion signals.
// Implementations must tolerate duplicated and out-of-order signals.
type Callbacks interface {
	OnSendResult(ctx context.Context, correlationID string, ok bool, errorCode string)
	OnDeliveryResult(ctx context.Context, correlationID string, delivered bool, errorCode string)
}

// ErrUnavailable is the synchronous "channel cannot accept anything right
// now" failure (no connectivity). Always retryable.
var ErrUnavailable = errors.New("channel unavailable")

// Permanent marks a send error as non-retryable (e.g. malformed destination).
// Unmarked errors are treated as transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
