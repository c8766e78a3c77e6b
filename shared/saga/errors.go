package saga

import (
	"fmt"

	"github.com/pkg/errors"
)

// PublishError reports a forward the broker did not accept. The inbound
// message is requeued rather than acknowledged.
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// BootstrapError reports a topology declaration failure. It is fatal: the
// process must not consume with a topology it could not establish.
type BootstrapError struct {
	Resource string
	Err      error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Resource, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// TransformError reports a stage transform that refused an envelope.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// IsBootstrapError reports whether err is, or wraps, a *BootstrapError.
func IsBootstrapError(err error) bool {
	var bootstrapErr *BootstrapError
	return errors.As(err, &bootstrapErr)
}

// IsPublishError reports whether err is, or wraps, a *PublishError.
func IsPublishError(err error) bool {
	var publishErr *PublishError
	return errors.As(err, &publishErr)
}
