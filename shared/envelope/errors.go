package envelope

import "github.com/pkg/errors"

// DecodeError reports a payload that cannot be decoded into an envelope.
// A malformed envelope cannot be forwarded safely.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode envelope: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}
