package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/draftea/saga-pipeline/shared/logging"
)

// ConnectionError reports a broker that stayed unreachable on every host
// for every attempt.
type ConnectionError struct {
	Hosts    []string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker unreachable on [%s] after %d attempts: %v", strings.Join(e.Hosts, ", "), e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// RetryConfig bounds how long a connection is retried. One attempt tries
// every host once, in order.
type RetryConfig struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

func (c RetryConfig) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    c.Min,
		Max:    c.Max,
	}
}

// dialFirst returns the first connection dial establishes, trying hosts in
// order and waiting a jittered backoff between rounds.
func dialFirst[T any](ctx context.Context, hosts []string, retry RetryConfig, logger zerolog.Logger, dial func(host string) (T, error)) (T, string, error) {
	var zero T
	if len(hosts) == 0 {
		return zero, "", &ConnectionError{Err: errors.New("no broker hosts configured")}
	}

	attempts := max(retry.Attempts, 1)
	b := retry.backoff()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		for _, host := range hosts {
			conn, err := dial(host)
			if err == nil {
				logger.Info().Str(logging.HostField, host).Int(logging.AttemptField, attempt).Msg("connected to broker")
				return conn, host, nil
			}
			lastErr = err
			logger.Warn().Err(err).Str(logging.HostField, host).Int(logging.AttemptField, attempt).Msg("broker host unreachable")
		}

		if attempt == attempts {
			break
		}

		delay := b.Duration()
		logger.Debug().Dur("backoff", delay).Msg("retrying broker connection")
		select {
		case <-ctx.Done():
			return zero, "", &ConnectionError{Hosts: hosts, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return zero, "", &ConnectionError{Hosts: hosts, Attempts: attempts, Err: lastErr}
}
