// SPDX-License-Identifier: MIT

// Package notify delivers completion callbacks. When a submission carries a
// notify_url, the daemon POSTs the terminal job state there once, retrying
// briefly on transient failures. Delivery is best-effort: a dead callback
// target never changes the outcome of a job.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/metrics"
	"github.com/wishreel/wishreel/internal/platform/httpx"
	platformnet "github.com/wishreel/wishreel/internal/platform/net"
)

const (
	deliveryTimeout = 5 * time.Second
	maxRetries      = 2
	retryInitial    = 500 * time.Millisecond
)

// Event is the callback payload for one finished job.
type Event struct {
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	ResultURL string `json:"result_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_message,omitempty"`
}

// Notifier validates callback URLs at submission time and posts completion
// events on terminal transitions.
type Notifier struct {
	policy platformnet.Policy
	client *http.Client
	logger zerolog.Logger
}

// New builds a notifier under the given outbound policy.
func New(policy platformnet.Policy, logger zerolog.Logger) *Notifier {
	return &Notifier{
		policy: policy,
		client: httpx.NewClient(deliveryTimeout),
		logger: logger,
	}
}

// Enabled reports whether outbound callbacks are allowed at all.
func (n *Notifier) Enabled() bool {
	return n.policy.Enabled
}

// ValidateURL checks a submitted notify_url against the outbound policy and
// returns its normalized form. Violations come back as invalid input so the
// submission is rejected before any pipeline work starts.
func (n *Notifier) ValidateURL(ctx context.Context, raw string) (string, error) {
	normalized, err := platformnet.ValidateOutboundURL(ctx, raw, n.policy)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidInput, "notify_url rejected", err)
	}
	return normalized, nil
}

// Deliver posts the event to the callback URL. The URL is re-validated
// against the current policy before dialing. Transient failures are retried
// a few times; every outcome is logged and counted, and the error return
// exists for tests only. Callers must not let it affect job state.
func (n *Notifier) Deliver(ctx context.Context, callbackURL string, ev Event) error {
	target, err := platformnet.ValidateOutboundURL(ctx, callbackURL, n.policy)
	if err != nil {
		metrics.RecordNotifyDelivery("rejected")
		n.logger.Warn().Err(err).
			Str("event", "notify.rejected").
			Str("task_id", ev.TaskID).
			Str("url", platformnet.SanitizeURL(callbackURL)).
			Msg("callback url no longer passes outbound policy")
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		metrics.RecordNotifyDelivery("error")
		return fmt.Errorf("marshal event: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var attempt int
	operation := func() error {
		attempt++
		return n.post(ctx, target, body)
	}
	onRetry := func(err error, wait time.Duration) {
		n.logger.Warn().Err(err).
			Str("event", "notify.retry").
			Str("task_id", ev.TaskID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("callback delivery failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, onRetry); err != nil {
		metrics.RecordNotifyDelivery("failed")
		n.logger.Error().Err(err).
			Str("event", "notify.failed").
			Str("task_id", ev.TaskID).
			Str("state", ev.State).
			Str("url", platformnet.SanitizeURL(target)).
			Msg("callback delivery gave up")
		return err
	}

	metrics.RecordNotifyDelivery("delivered")
	n.logger.Info().
		Str("event", "notify.delivered").
		Str("task_id", ev.TaskID).
		Str("state", ev.State).
		Msg("completion callback delivered")
	return nil
}

// post sends one attempt. Any 2xx acknowledges the event; 4xx responses are
// permanent because retrying a rejection changes nothing.
func (n *Notifier) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("callback returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
}
