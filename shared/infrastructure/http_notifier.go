package infrastructure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/draftea/saga-pipeline/shared/envelope"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/saga"
)

var _ saga.Notifier = (*HTTPNotifier)(nil)

// DefaultCompletedEndpoint receives completions when no endpoint is configured.
const DefaultCompletedEndpoint = "http://localhost:8000/api/process-completed"

const maxErrorBody = 512

// HTTPNotifierConfig configures an HTTPNotifier.
type HTTPNotifierConfig struct {
	Endpoint   string
	Method     string
	Timeout    time.Duration
	Retries    int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// HTTPNotifier posts every completed payload to an HTTP endpoint. Transport
// errors and 5xx responses are retried with backoff; 4xx responses are not.
type HTTPNotifier struct {
	client *http.Client
	config HTTPNotifierConfig
	logger zerolog.Logger
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("completion endpoint answered %d (body: %q)", e.code, e.body)
}

// NewHTTPNotifier creates a notifier for cfg, falling back to
// DefaultCompletedEndpoint and POST.
func NewHTTPNotifier(cfg HTTPNotifierConfig, logger zerolog.Logger) *HTTPNotifier {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultCompletedEndpoint
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &HTTPNotifier{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logging.WithComponent(logger, "notifier.http"),
	}
}

// Endpoint returns the URL completions are sent to.
func (n *HTTPNotifier) Endpoint() string {
	return n.config.Endpoint
}

func (n *HTTPNotifier) NotifyCompleted(ctx context.Context, env *envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    n.config.BackoffMin,
		Max:    n.config.BackoffMax,
	}

	for {
		err := n.send(ctx, body)
		if err == nil {
			return nil
		}

		var statusErr *statusError
		retryable := !errors.As(err, &statusErr) || statusErr.code >= http.StatusInternalServerError
		attempt := int(b.Attempt())
		if !retryable || attempt >= n.config.Retries {
			return err
		}

		delay := b.Duration()
		n.logger.Debug().
			Err(err).
			Int(logging.AttemptField, attempt+1).
			Dur("backoff", delay).
			Msg("retrying completion notification")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (n *HTTPNotifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, n.config.Method, n.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "cannot create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error executing HTTP request")
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			n.logger.Debug().Err(errClose).Msg("failed closing response body")
		}
	}()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{code: resp.StatusCode, body: string(msg)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
