// SPDX-License-Identifier: MIT

// Package inference is the HTTP client for the local model gateway, which
// hosts the detector, matting, TTS and prosody models behind a small REST
// surface. The client is single-shot: retry policy lives with the caller.
package inference

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
	"time"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/metrics"
	"github.com/wishreel/wishreel/internal/resilience"
)

const (
	defaultTimeout               = 60 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultBreakerThreshold      = 5
	defaultBreakerCooldown       = 15 * time.Second
	defaultMaxResponseBytes      = 64 << 20

	maxErrorBodyBytes = 2 << 10
)

// Client talks to the model gateway.
type Client struct {
	base             string
	http             *http.Client
	breaker          *resilience.Breaker
	logger           zerolog.Logger
	userAgent        string
	maxResponseBytes int64
}

// Options configures the gateway client.
type Options struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	BreakerThreshold      int
	BreakerCooldown       time.Duration
	MaxResponseBytes      int64
	UserAgent             string
}

// New creates a gateway client with default options.
func New(baseURL string, logger zerolog.Logger) *Client {
	return NewWithOptions(baseURL, logger, Options{})
}

// NewWithOptions creates a gateway client with explicit options.
func NewWithOptions(baseURL string, logger zerolog.Logger, opts Options) *Client {
	opts = normalizeOptions(opts)

	transport := &http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}

	return &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		breaker:          resilience.NewBreaker("inference_gateway", opts.BreakerThreshold, opts.BreakerCooldown),
		logger:           logger,
		userAgent:        opts.UserAgent,
		maxResponseBytes: opts.MaxResponseBytes,
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaultResponseHeaderTimeout
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "wishreel"
	}
	return opts
}

// Detection is one raw person candidate from the detector model, before any
// local post-processing.
type Detection struct {
	BBox       [4]float64   `json:"bbox"` // x1,y1,x2,y2 in pixels
	Confidence float64      `json:"confidence"`
	Keypoints  [][3]float64 `json:"keypoints,omitempty"` // x,y,visibility
}

// Detect sends an encoded image to /v1/detect and returns the raw candidate
// list. NMS, thresholding and ranking happen on the caller's side.
func (c *Client) Detect(ctx context.Context, image []byte, returnKeypoints bool) ([]Detection, error) {
	body, err := c.postMultipart(ctx, "detect", "/v1/detect", func(mw *multipart.Writer) error {
		fw, err := mw.CreateFormFile("image", "input.img")
		if err != nil {
			return err
		}
		if _, err := fw.Write(image); err != nil {
			return err
		}
		return mw.WriteField("return_keypoints", strconv.FormatBool(returnKeypoints))
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Sentinel: ErrBadResponse, Operation: "detect", Err: err}
	}
	return resp.Detections, nil
}

// MatteRequest carries one background-removal call.
type MatteRequest struct {
	Image     []byte
	Smoothing bool
	BBoxHint  []float64 // optional x1,y1,x2,y2; a hint, the matte is full-frame
}

// Matte sends an encoded image to /v1/matte and returns the RGBA PNG with
// the alpha matte applied.
func (c *Client) Matte(ctx context.Context, req MatteRequest) ([]byte, error) {
	body, err := c.postMultipart(ctx, "matte", "/v1/matte", func(mw *multipart.Writer) error {
		fw, err := mw.CreateFormFile("image", "input.img")
		if err != nil {
			return err
		}
		if _, err := fw.Write(req.Image); err != nil {
			return err
		}
		if err := mw.WriteField("smoothing", strconv.FormatBool(req.Smoothing)); err != nil {
			return err
		}
		if len(req.BBoxHint) == 4 {
			parts := make([]string, 4)
			for i, v := range req.BBoxHint {
				parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
			}
			return mw.WriteField("bbox", strings.Join(parts, ","))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(body) < 8 || !bytes.HasPrefix(body, []byte{0x89, 'P', 'N', 'G'}) {
		return nil, &GatewayError{Sentinel: ErrBadResponse, Operation: "matte", Message: "response is not a PNG"}
	}
	return body, nil
}

// Voice providers.
const (
	VoicePreset = "preset"
	VoiceClone  = "clone"
)

// VoiceSelector picks a synthesis voice, either a preset or a cloned profile.
type VoiceSelector struct {
	Provider  string `json:"provider"` // "preset" or "clone"
	ID        string `json:"id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
}

// TTSRequest carries one synthesis call.
type TTSRequest struct {
	Text       string        `json:"text"`
	Voice      VoiceSelector `json:"voice"`
	Speed      float64       `json:"speed,omitempty"`
	Pitch      float64       `json:"pitch,omitempty"`
	Intonation float64       `json:"intonation,omitempty"`
	Volume     float64       `json:"volume,omitempty"`
}

// Synthesize posts to /v1/tts and returns the WAV payload (16-bit PCM).
func (c *Client) Synthesize(ctx context.Context, req TTSRequest) ([]byte, error) {
	body, err := c.postJSON(ctx, "tts", "/v1/tts", req)
	if err != nil {
		return nil, err
	}

	if len(body) < 12 || !bytes.HasPrefix(body, []byte("RIFF")) {
		return nil, &GatewayError{Sentinel: ErrBadResponse, Operation: "tts", Message: "response is not a WAV"}
	}
	return body, nil
}

// ProsodyResult is the adjusted audio plus the ratios the DSP actually
// achieved, as measured by the gateway.
type ProsodyResult struct {
	Audio      []byte
	PitchRatio float64
	TempoRatio float64
}

// AdjustProsody posts a WAV to /v1/prosody with the target pitch and tempo
// ratios. Energy scaling is not a gateway concern; the prosody engine applies
// it locally. The measured ratios come back in response headers.
func (c *Client) AdjustProsody(ctx context.Context, wavData []byte, pitch, tempo float64) (*ProsodyResult, error) {
	body, header, err := c.postMultipartWithHeader(ctx, "prosody", "/v1/prosody", func(mw *multipart.Writer) error {
		fw, err := mw.CreateFormFile("audio", "input.wav")
		if err != nil {
			return err
		}
		if _, err := fw.Write(wavData); err != nil {
			return err
		}
		if err := mw.WriteField("pitch", strconv.FormatFloat(pitch, 'f', -1, 64)); err != nil {
			return err
		}
		return mw.WriteField("tempo", strconv.FormatFloat(tempo, 'f', -1, 64))
	})
	if err != nil {
		return nil, err
	}

	if len(body) < 12 || !bytes.HasPrefix(body, []byte("RIFF")) {
		return nil, &GatewayError{Sentinel: ErrBadResponse, Operation: "prosody", Message: "response is not a WAV"}
	}

	pitchRatio, err := strconv.ParseFloat(header.Get("X-Pitch-Ratio"), 64)
	if err != nil {
		return nil, &GatewayError{Sentinel: ErrBadResponse, Operation: "prosody", Message: "missing X-Pitch-Ratio header", Err: err}
	}
	tempoRatio, err := strconv.ParseFloat(header.Get("X-Tempo-Ratio"), 64)
	if err != nil {
		return nil, &GatewayError{Sentinel: ErrBadResponse, Operation: "prosody", Message: "missing X-Tempo-Ratio header", Err: err}
	}

	return &ProsodyResult{Audio: body, PitchRatio: pitchRatio, TempoRatio: tempoRatio}, nil
}

// Health probes /v1/health. It bypasses the breaker so startup checks see
// the real gateway state.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &GatewayError{Sentinel: ErrUnavailable, Operation: "health", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &GatewayError{Sentinel: ErrUnavailable, Operation: "health", Status: resp.StatusCode}
	}
	return nil
}

// BreakerState exposes the gateway breaker position for health reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

func (c *Client) postJSON(ctx context.Context, op, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayError{Sentinel: ErrRejected, Operation: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, &GatewayError{Sentinel: ErrRejected, Operation: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	body, _, err := c.send(op, req)
	return body, err
}

func (c *Client) postMultipart(ctx context.Context, op, path string, form func(*multipart.Writer) error) ([]byte, error) {
	body, _, err := c.postMultipartWithHeader(ctx, op, path, form)
	return body, err
}

func (c *Client) postMultipartWithHeader(ctx context.Context, op, path string, form func(*multipart.Writer) error) ([]byte, http.Header, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := form(mw); err != nil {
		return nil, nil, &GatewayError{Sentinel: ErrRejected, Operation: op, Err: err}
	}
	if err := mw.Close(); err != nil {
		return nil, nil, &GatewayError{Sentinel: ErrRejected, Operation: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return nil, nil, &GatewayError{Sentinel: ErrRejected, Operation: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.send(op, req)
}

// send runs the request through the circuit breaker. Caller-side rejections
// (4xx) and context endings pass through without counting as upstream
// failures; transport errors, 429 and 5xx trip the breaker.
func (c *Client) send(op string, req *http.Request) ([]byte, http.Header, error) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, audio/wav, image/png")

	var (
		result  []byte
		header  http.Header
		softErr error
	)

	execErr := c.breaker.Execute(func() error {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			if errors.Is(doErr, context.Canceled) || errors.Is(doErr, context.DeadlineExceeded) {
				softErr = doErr
				return nil
			}
			return &GatewayError{Sentinel: ErrUnavailable, Operation: op, Err: doErr}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			gerr := c.classify(op, resp)
			if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
				softErr = gerr
				return nil
			}
			return gerr
		}

		body, readErr := c.readAll(resp)
		if readErr != nil {
			return &GatewayError{Sentinel: ErrBadResponse, Operation: op, Err: readErr}
		}
		result = body
		header = resp.Header
		return nil
	})

	switch {
	case execErr != nil:
		if errors.Is(execErr, resilience.ErrOpen) {
			execErr = &GatewayError{Sentinel: ErrUnavailable, Operation: op, Err: execErr}
		}
		c.logger.Warn().Err(execErr).Str("operation", op).Msg("gateway request failed")
		metrics.RecordInferenceRequest(op, outcomeOf(execErr))
		return nil, nil, execErr
	case softErr != nil:
		metrics.RecordInferenceRequest(op, outcomeOf(softErr))
		return nil, nil, softErr
	}

	metrics.RecordInferenceRequest(op, "ok")
	return result, header, nil
}

func (c *Client) classify(op string, resp *http.Response) *GatewayError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)

	ge := &GatewayError{
		Operation: op,
		Status:    resp.StatusCode,
		Code:      env.Error.Code,
		Message:   env.Error.Message,
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ge.Sentinel = ErrOverloaded
	case resp.StatusCode >= http.StatusInternalServerError:
		switch env.Error.Code {
		case "MODEL_OOM":
			ge.Sentinel = ErrModelOOM
		case "PROVIDER_UNAVAILABLE":
			ge.Sentinel = ErrProviderUnavailable
		default:
			ge.Sentinel = ErrInternal
		}
	default:
		ge.Sentinel = ErrRejected
	}
	return ge
}

func (c *Client) readAll(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", c.maxResponseBytes)
	}
	return body, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrModelOOM):
		return "oom"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
