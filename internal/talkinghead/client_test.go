// SPDX-License-Identifier: MIT

package talkinghead

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/resilience"
)

func newTestClient(t *testing.T, baseURL string, opts Options) *Client {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = 5 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.AwaitDeadline == 0 {
		opts.AwaitDeadline = 5 * time.Second
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	return New(baseURL, "test-key", "https://callback.example/webhooks/talking-head", zerolog.Nop(), opts)
}

func waitForWaiter(t *testing.T, c *Client, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, ok := c.waiters[id]
		c.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("waiter never registered")
}

func TestSubmit(t *testing.T) {
	image := []byte("fake-image-bytes")
	audio := []byte("fake-audio-bytes")

	var gotAuth, gotWebhook, gotProfile string
	var gotImage, gotAudio []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/talks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotWebhook = r.FormValue("webhook_url")
		gotProfile = r.FormValue("render_profile")
		for _, part := range []struct {
			field string
			dst   *[]byte
		}{
			{"source_image", &gotImage},
			{"speech_audio", &gotAudio},
		} {
			f, _, err := r.FormFile(part.field)
			if err != nil {
				t.Errorf("missing %s part: %v", part.field, err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			*part.dst, _ = io.ReadAll(f)
			_ = f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-42"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	id, err := c.Submit(context.Background(), image, audio, "720")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "talk-42" {
		t.Errorf("task id = %q, want talk-42", id)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotWebhook != "https://callback.example/webhooks/talking-head" {
		t.Errorf("webhook_url = %q", gotWebhook)
	}
	if gotProfile != "720" {
		t.Errorf("render_profile = %q, want 720", gotProfile)
	}
	if !bytes.Equal(gotImage, image) {
		t.Error("source_image bytes do not match upload")
	}
	if !bytes.Equal(gotAudio, audio) {
		t.Error("speech_audio bytes do not match upload")
	}
}

func TestSubmitRetriesTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-7"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	id, err := c.Submit(context.Background(), []byte("img"), []byte("wav"), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "talk-7" {
		t.Errorf("task id = %q, want talk-7", id)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("server hits = %d, want 2", n)
	}
}

func TestSubmitRejectionIsFatal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "unsupported image format")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	_, err := c.Submit(context.Background(), []byte("img"), []byte("wav"), "")
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("error = %v, want ErrProviderRejected", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *ProviderError", err)
	}
	if pe.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", pe.Status)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("server hits = %d, want 1 (no retry on rejection)", n)
	}
	if got := c.BreakerState(); got != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed after rejection", got)
	}
}

func TestSubmitHonorsRetryAfter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-1"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{BackoffBase: time.Millisecond})
	start := time.Now()
	id, err := c.Submit(context.Background(), []byte("img"), []byte("wav"), "")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "talk-1" {
		t.Errorf("task id = %q, want talk-1", id)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("retry waited %v, want at least the Retry-After second", elapsed)
	}
}

func TestSubmitBreakerOpensAndFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{BreakerThreshold: 2, BreakerCooldown: time.Minute})
	_, err := c.Submit(context.Background(), []byte("img"), []byte("wav"), "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("server hits = %d, want 2 (third attempt stopped by open breaker)", n)
	}

	_, err = c.Submit(context.Background(), []byte("img"), []byte("wav"), "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second submit error = %v, want ErrUnavailable", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("server hits = %d after fast-fail, want still 2", n)
	}
}

func TestAwaitPollsUntilCompleted(t *testing.T) {
	video := []byte("mp4-bytes")
	var polls int32
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/talks/talk-9", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("poll method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&polls, 1) < 3 {
			fmt.Fprint(w, `{"id":"talk-9","status":"processing"}`)
			return
		}
		fmt.Fprintf(w, `{"id":"talk-9","status":"completed","result_url":%q}`, srv.URL+"/results/talk-9.mp4")
	})
	mux.HandleFunc("/results/talk-9.mp4", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("result download must not carry provider credentials")
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(video)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	res, err := c.Await(context.Background(), "talk-9")
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !bytes.Equal(res.Video, video) {
		t.Error("downloaded video does not match")
	}
	if res.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want video/mp4", res.ContentType)
	}
	if n := atomic.LoadInt32(&polls); n != 3 {
		t.Errorf("polls = %d, want 3", n)
	}
}

func TestAwaitWebhookShortCircuitsPolling(t *testing.T) {
	video := []byte("webhook-video")
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/talks/talk-3", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-3","status":"pending"}`)
	})
	mux.HandleFunc("/results/talk-3.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(video)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{InitialDelay: 500 * time.Millisecond, PollInterval: 500 * time.Millisecond})

	type awaitResult struct {
		res *Result
		err error
	}
	done := make(chan awaitResult, 1)
	go func() {
		res, err := c.Await(context.Background(), "talk-3")
		done <- awaitResult{res, err}
	}()

	waitForWaiter(t, c, "talk-3")
	outcome := c.Resolve(Callback{
		ProviderTaskID: "talk-3",
		Status:         StatusCompleted,
		ResultURL:      srv.URL + "/results/talk-3.mp4",
	})
	if outcome != "resolved" {
		t.Fatalf("Resolve() = %q, want resolved", outcome)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("Await() error = %v", got.err)
	}
	if !bytes.Equal(got.res.Video, video) {
		t.Error("video does not match webhook result")
	}
	if got.res.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want the video/mp4 default", got.res.ContentType)
	}
	if n := atomic.LoadInt32(&polls); n != 0 {
		t.Errorf("polls = %d, want 0 when the webhook arrives first", n)
	}
}

func TestAwaitIgnoresNonTerminalWebhook(t *testing.T) {
	video := []byte("final-video")
	mux := http.NewServeMux()
	mux.HandleFunc("/results/talk-5.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(video)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{InitialDelay: 2 * time.Second, PollInterval: 2 * time.Second})

	done := make(chan error, 1)
	go func() {
		res, err := c.Await(context.Background(), "talk-5")
		if err == nil && !bytes.Equal(res.Video, video) {
			err = errors.New("video does not match")
		}
		done <- err
	}()

	waitForWaiter(t, c, "talk-5")
	if got := c.Resolve(Callback{ProviderTaskID: "talk-5", Status: StatusProcessing}); got != "resolved" {
		t.Fatalf("Resolve(processing) = %q, want resolved", got)
	}

	final := Callback{ProviderTaskID: "talk-5", Status: StatusCompleted, ResultURL: srv.URL + "/results/talk-5.mp4"}
	deadline := time.Now().Add(2 * time.Second)
	for c.Resolve(final) != "resolved" {
		if time.Now().After(deadline) {
			t.Fatal("completed callback never accepted")
		}
		time.Sleep(time.Millisecond)
	}

	if err := <-done; err != nil {
		t.Fatalf("Await() error = %v", err)
	}
}

func TestAwaitTaskFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-2","status":"failed","error":{"code":"RENDER_ERROR","message":"face not found"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	_, err := c.Await(context.Background(), "talk-2")
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("error = %v, want ErrTaskFailed", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *ProviderError", err)
	}
	if pe.Message != "face not found" {
		t.Errorf("Message = %q, want the provider message", pe.Message)
	}
}

func TestAwaitCompletedWithoutResultURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-4","status":"completed"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	_, err := c.Await(context.Background(), "talk-4")
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("error = %v, want ErrBadResponse", err)
	}
}

func TestAwaitResultTooLarge(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/talks/talk-6", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"talk-6","status":"completed","result_url":%q}`, srv.URL+"/results/huge.mp4")
	})
	mux.HandleFunc("/results/huge.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{MaxVideoBytes: 8})
	_, err := c.Await(context.Background(), "talk-6")
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("error = %v, want ErrBadResponse for oversized result", err)
	}
}

func TestAwaitDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-8","status":"pending"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{AwaitDeadline: 60 * time.Millisecond})
	_, err := c.Await(context.Background(), "talk-8")
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("error = %v, want ErrDeadline", err)
	}
}

func TestAwaitParentCancellationPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"talk-10","status":"pending"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	c := newTestClient(t, srv.URL, Options{PollInterval: 10 * time.Millisecond})
	_, err := c.Await(ctx, "talk-10")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrDeadline) {
		t.Error("parent cancellation must not be reported as a render deadline")
	}
}

func TestResolveUnknownTask(t *testing.T) {
	c := newTestClient(t, "http://provider.invalid", Options{})
	if got := c.Resolve(Callback{ProviderTaskID: "ghost", Status: StatusCompleted}); got != "unknown" {
		t.Errorf("Resolve() = %q, want unknown", got)
	}
}

func TestResolveDuplicateKeepsFirst(t *testing.T) {
	c := newTestClient(t, "http://provider.invalid", Options{})
	ch := c.register("talk-dup")
	defer c.unregister("talk-dup")

	if got := c.Resolve(Callback{ProviderTaskID: "talk-dup", Status: StatusCompleted, ResultURL: "http://x/first"}); got != "resolved" {
		t.Fatalf("first Resolve() = %q, want resolved", got)
	}
	if got := c.Resolve(Callback{ProviderTaskID: "talk-dup", Status: StatusFailed, Error: "late duplicate"}); got != "duplicate" {
		t.Fatalf("second Resolve() = %q, want duplicate", got)
	}

	cb := <-ch
	if cb.Status != StatusCompleted || cb.ResultURL != "http://x/first" {
		t.Errorf("delivered callback = %+v, want the first payload", cb)
	}
}

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("Terminal(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "3", 3 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "soon", 0},
		{"past date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseRetryAfter(tc.in); got != tc.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	future := time.Now().Add(3 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got <= 0 || got > 3*time.Second {
		t.Errorf("parseRetryAfter(future date) = %v, want a positive duration within 3s", got)
	}
}
