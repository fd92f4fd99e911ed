// SPDX-License-Identifier: MIT

// Package talkinghead drives the external lip-sync rendering provider. The
// provider API is asynchronous (submit, then webhook or poll); this client
// presents it as one logically synchronous Await call. The earliest of
// webhook callback and poll result wins.
package talkinghead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/metrics"
	"github.com/wishreel/wishreel/internal/resilience"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultInitialDelay     = 2 * time.Second
	defaultPollInterval     = 2 * time.Second
	defaultAwaitDeadline    = 120 * time.Second
	defaultMaxAttempts      = 3
	defaultBackoffBase      = time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxVideoBytes    = 256 << 20

	maxErrorBodyBytes = 2 << 10
)

// Status is the provider-side task state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final on the provider side.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Callback is the payload delivered to the webhook sink.
type Callback struct {
	ProviderTaskID string `json:"task_id"`
	Status         Status `json:"status"`
	ResultURL      string `json:"result_url,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Result is a finished render.
type Result struct {
	Video       []byte
	ContentType string
}

// Options configures the provider client.
type Options struct {
	Timeout       time.Duration
	InitialDelay  time.Duration
	PollInterval  time.Duration
	AwaitDeadline time.Duration
	// MaxAttempts bounds submit/poll attempts, including the first.
	MaxAttempts      int
	BackoffBase      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxVideoBytes    int64
}

// Client talks to the talking-head provider.
type Client struct {
	base       string
	apiKey     string
	webhookURL string
	http       *http.Client
	breaker    *resilience.Breaker
	logger     zerolog.Logger

	initialDelay  time.Duration
	pollInterval  time.Duration
	awaitDeadline time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	maxVideoBytes int64

	mu      sync.Mutex
	waiters map[string]chan Callback
}

// New creates a provider client. webhookURL is the publicly reachable
// callback endpoint passed along with each submission.
func New(baseURL, apiKey, webhookURL string, logger zerolog.Logger, opts Options) *Client {
	opts = normalizeOptions(opts)

	return &Client{
		base:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		webhookURL: webhookURL,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker:       resilience.NewBreaker("talking_head", opts.BreakerThreshold, opts.BreakerCooldown),
		logger:        logger,
		initialDelay:  opts.InitialDelay,
		pollInterval:  opts.PollInterval,
		awaitDeadline: opts.AwaitDeadline,
		maxAttempts:   opts.MaxAttempts,
		backoffBase:   opts.BackoffBase,
		maxVideoBytes: opts.MaxVideoBytes,
		waiters:       make(map[string]chan Callback),
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.AwaitDeadline <= 0 {
		opts.AwaitDeadline = defaultAwaitDeadline
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	if opts.MaxVideoBytes <= 0 {
		opts.MaxVideoBytes = defaultMaxVideoBytes
	}
	return opts
}

// Submit uploads the source image and speech audio and returns the provider
// task id. profile selects the provider render profile ("" for the provider
// default). The circuit breaker guards submissions; an open breaker fails
// fast without burning retry attempts.
func (c *Client) Submit(ctx context.Context, image, audio []byte, profile string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, part := range []struct {
		field, name string
		data        []byte
	}{
		{"source_image", "source.img", image},
		{"speech_audio", "speech.wav", audio},
	} {
		fw, err := mw.CreateFormFile(part.field, part.name)
		if err != nil {
			return "", fmt.Errorf("talkinghead: build submit request: %w", err)
		}
		if _, err := fw.Write(part.data); err != nil {
			return "", fmt.Errorf("talkinghead: build submit request: %w", err)
		}
	}
	if err := mw.WriteField("webhook_url", c.webhookURL); err != nil {
		return "", fmt.Errorf("talkinghead: build submit request: %w", err)
	}
	if profile != "" {
		if err := mw.WriteField("render_profile", profile); err != nil {
			return "", fmt.Errorf("talkinghead: build submit request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("talkinghead: build submit request: %w", err)
	}
	payload := buf.Bytes()

	var taskID string
	err := c.withRetry(ctx, "submit", func() error {
		var (
			body    []byte
			softErr error
		)
		if err := c.breaker.Execute(func() error {
			b, err := c.do(ctx, "submit", http.MethodPost, c.base+"/v1/talks", payload, mw.FormDataContentType())
			if err != nil {
				// Rejections of our own request and context endings say
				// nothing about provider health.
				if softError(err) {
					softErr = err
					return nil
				}
				return err
			}
			body = b
			return nil
		}); err != nil {
			return err
		}
		if softErr != nil {
			return softErr
		}

		var resp struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
			return &ProviderError{Sentinel: ErrBadResponse, Operation: "submit", Err: err}
		}
		taskID = resp.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrOpen) {
			c.logger.Warn().Msg("talking-head circuit open, rejecting submission")
			err = &ProviderError{Sentinel: ErrUnavailable, Operation: "submit", Err: err}
		}
		return "", err
	}

	c.logger.Debug().Str("provider_task_id", taskID).Msg("talking-head job submitted")
	return taskID, nil
}

func softError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && errors.Is(pe.Sentinel, ErrProviderRejected)
}

// taskState is the poll response.
type taskState struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	ResultURL string `json:"result_url"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Await blocks until the render finishes, the deadline passes, or ctx ends.
// A webhook callback for the task short-circuits polling.
func (c *Client) Await(ctx context.Context, providerTaskID string) (*Result, error) {
	awaitCtx, cancel := context.WithTimeout(ctx, c.awaitDeadline)
	defer cancel()

	ch := c.register(providerTaskID)
	defer c.unregister(providerTaskID)

	timer := time.NewTimer(c.initialDelay)
	defer timer.Stop()

	for {
		select {
		case cb := <-ch:
			if !cb.Status.Terminal() {
				c.logger.Debug().Str("provider_task_id", providerTaskID).Str("status", string(cb.Status)).Msg("ignoring non-terminal webhook")
				continue
			}
			return c.settle(awaitCtx, providerTaskID, cb.Status, cb.ResultURL, cb.Error)
		case <-awaitCtx.Done():
			return nil, c.classifyDone(ctx, providerTaskID)
		case <-timer.C:
		}

		state, err := c.pollTask(awaitCtx, providerTaskID)
		if err != nil {
			if awaitCtx.Err() != nil {
				return nil, c.classifyDone(ctx, providerTaskID)
			}
			return nil, err
		}
		if state.Status.Terminal() {
			return c.settle(awaitCtx, providerTaskID, state.Status, state.ResultURL, state.Error.Message)
		}

		timer.Reset(c.pollInterval)
	}
}

func (c *Client) classifyDone(parent context.Context, providerTaskID string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	c.logger.Warn().Str("provider_task_id", providerTaskID).Dur("deadline", c.awaitDeadline).Msg("talking-head render deadline exceeded")
	return &ProviderError{Sentinel: ErrDeadline, Operation: "await"}
}

func (c *Client) settle(ctx context.Context, providerTaskID string, status Status, resultURL, errMsg string) (*Result, error) {
	switch status {
	case StatusCompleted:
		if resultURL == "" {
			return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: "await", Message: "completed without result_url"}
		}
		return c.download(ctx, resultURL)
	case StatusFailed:
		return nil, &ProviderError{Sentinel: ErrTaskFailed, Operation: "await", Message: errMsg}
	default:
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: "await", Message: fmt.Sprintf("unexpected terminal status %q for task %s", status, providerTaskID)}
	}
}

func (c *Client) pollTask(ctx context.Context, providerTaskID string) (*taskState, error) {
	var state taskState
	err := c.withRetry(ctx, "poll", func() error {
		body, err := c.do(ctx, "poll", http.MethodGet, c.base+"/v1/talks/"+providerTaskID, nil, "")
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &state); err != nil {
			return &ProviderError{Sentinel: ErrBadResponse, Operation: "poll", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) download(ctx context.Context, resultURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: "download", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ProviderError{Sentinel: ErrUnavailable, Operation: "download", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Sentinel: ErrUnavailable, Operation: "download", Status: resp.StatusCode}
	}

	video, err := io.ReadAll(io.LimitReader(resp.Body, c.maxVideoBytes+1))
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: "download", Err: err}
	}
	if int64(len(video)) > c.maxVideoBytes {
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: "download", Message: "result exceeds size limit"}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return &Result{Video: video, ContentType: contentType}, nil
}

// Resolve delivers a webhook callback to its waiter. Unknown task ids are
// accepted and logged; duplicate deliveries keep the first payload.
// The returned outcome is one of resolved, duplicate, unknown.
func (c *Client) Resolve(cb Callback) string {
	c.mu.Lock()
	ch, ok := c.waiters[cb.ProviderTaskID]
	c.mu.Unlock()

	if !ok {
		metrics.RecordWebhookEvent("unknown")
		c.logger.Info().Str("provider_task_id", cb.ProviderTaskID).Str("status", string(cb.Status)).Msg("webhook for unknown task accepted")
		return "unknown"
	}

	select {
	case ch <- cb:
		metrics.RecordWebhookEvent("resolved")
		return "resolved"
	default:
		metrics.RecordWebhookEvent("duplicate")
		return "duplicate"
	}
}

// BreakerState exposes the submit breaker position for health reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

func (c *Client) register(providerTaskID string) chan Callback {
	ch := make(chan Callback, 1)
	c.mu.Lock()
	c.waiters[providerTaskID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(providerTaskID string) {
	c.mu.Lock()
	delete(c.waiters, providerTaskID)
	c.mu.Unlock()
}

// withRetry runs fn up to maxAttempts times. Transport errors and 5xx back
// off exponentially from the base; 429 waits out Retry-After instead; other
// 4xx and context endings stop immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	wait := c.backoffBase

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, resilience.ErrOpen) || !retriable(err) || attempt == c.maxAttempts {
			return lastErr
		}

		delay := wait
		var pe *ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			delay = pe.RetryAfter
		}

		metrics.RecordProviderRetry(op)
		c.logger.Warn().Err(err).Str("operation", op).Int("attempt", attempt).Dur("backoff", delay).Msg("provider request failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return lastErr
}

func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if errors.Is(pe.Sentinel, ErrProviderRejected) {
			return false
		}
		if errors.Is(pe.Sentinel, ErrBadResponse) {
			return false
		}
	}
	return true
}

// do performs one HTTP attempt and classifies the outcome.
func (c *Client) do(ctx context.Context, op, method, url string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		metrics.RecordProviderRequest(op, "error")
		return nil, &ProviderError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	metrics.RecordProviderRequest(op, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: op, Err: err}
		}
		return payload, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	pe := &ProviderError{
		Operation: op,
		Status:    resp.StatusCode,
		Message:   strings.TrimSpace(string(raw)),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Sentinel = ErrUnavailable
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= http.StatusInternalServerError:
		pe.Sentinel = ErrUnavailable
	default:
		pe.Sentinel = ErrProviderRejected
	}
	return nil, pe
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
