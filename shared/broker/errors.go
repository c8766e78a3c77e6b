package broker

import (
	"github.com/pkg/errors"
)

var (
	// ErrDeclarationConflict is returned when a resource already exists with different settings.
	ErrDeclarationConflict = errors.New("resource already declared with different settings")
	// ErrQueueNotFound is returned when publishing or consuming on an undeclared queue.
	ErrQueueNotFound = errors.New("queue not declared")
	// ErrExchangeNotFound is returned when binding to an undeclared exchange.
	ErrExchangeNotFound = errors.New("exchange not declared")
	// ErrClosed is returned by operations on a closed broker or session.
	ErrClosed = errors.New("broker closed")
	// ErrNacked is returned when the broker refuses to confirm a publish.
	ErrNacked = errors.New("publish not confirmed by broker")
)

// Disposition is the outcome applied to a delivery once its handler returns.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Requeue returns the message to the queue for redelivery.
	Requeue
	// Reject removes the message without requeueing it; the broker
	// dead-letters it if the queue has a dead-letter exchange.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// PermanentError marks a handler failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

// Permanent wraps err so the delivery is rejected instead of requeued.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err, or an error it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// DispositionFor maps a handler result to a disposition: nil acknowledges,
// permanent errors reject, anything else requeues.
func DispositionFor(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case IsPermanent(err):
		return Reject
	default:
		return Requeue
	}
}
