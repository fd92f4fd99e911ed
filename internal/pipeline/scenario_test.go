// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/cache"
	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/registry"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

func TestRepeatSubmissionHitsCache(t *testing.T) {
	rig := newTestRig(t)
	req := testRequest(t)

	first, err := rig.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	done1 := awaitTerminal(t, rig.reg, first.ID)
	require.Equal(t, registry.StatusSucceeded, done1.Status)

	second, err := rig.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	done2 := awaitTerminal(t, rig.reg, second.ID)
	require.Equal(t, registry.StatusSucceeded, done2.Status)

	for _, stage := range []string{
		operator.StageDetection,
		operator.StageMatting,
		operator.StageTTS,
		operator.StageProsody,
	} {
		assert.Equal(t, registry.StageCached, done2.Stages[stage].State, stage)
		assert.Equal(t, done1.Artifacts[stage], done2.Artifacts[stage], stage)
	}
	// The render is never cached; it ran for both jobs.
	assert.Equal(t, registry.StageSucceeded, done2.Stages[operator.StageTalkingHead].State)

	detect, matte, tts := rig.gw.counts()
	assert.Equal(t, 1, detect)
	assert.Equal(t, 1, matte)
	assert.Equal(t, 1, tts)
	rig.renderer.mu.Lock()
	submits := rig.renderer.submits
	rig.renderer.mu.Unlock()
	assert.Equal(t, 2, submits)
}

func TestConcurrentDuplicateSharesInFlightWork(t *testing.T) {
	rig := newTestRig(t)
	rig.gw.mu.Lock()
	rig.gw.detectDelay = 300 * time.Millisecond
	rig.gw.mu.Unlock()
	req := testRequest(t)

	first, err := rig.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	// Give the first job time to start its detection flight, then join it.
	time.Sleep(50 * time.Millisecond)
	second, err := rig.coord.Submit(context.Background(), req)
	require.NoError(t, err)

	done1 := awaitTerminal(t, rig.reg, first.ID)
	done2 := awaitTerminal(t, rig.reg, second.ID)
	require.Equal(t, registry.StatusSucceeded, done1.Status)
	require.Equal(t, registry.StatusSucceeded, done2.Status)

	detect, _, _ := rig.gw.counts()
	assert.Equal(t, 1, detect, "the second job must share the in-flight detection")
	assert.Equal(t, done1.Artifacts[operator.StageDetection], done2.Artifacts[operator.StageDetection])

	rig.renderer.mu.Lock()
	submits := rig.renderer.submits
	rig.renderer.mu.Unlock()
	assert.Equal(t, 2, submits)
}

func TestOversizeArtifactsSkipCacheButSucceed(t *testing.T) {
	rig := newTestRig(t, func(_ *Config, deps *Deps) {
		// A budget below any artifact size: every put is refused, nothing
		// may fail because of it.
		small := cache.NewMemoryCache(16, time.Minute)
		t.Cleanup(func() { _ = small.Close() })
		deps.Resolver = cache.NewResolver(small, zerolog.Nop())
	})
	req := testRequest(t)

	first, err := rig.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	done1 := awaitTerminal(t, rig.reg, first.ID)
	require.Equal(t, registry.StatusSucceeded, done1.Status)
	assert.Equal(t, registry.StageSucceeded, done1.Stages[operator.StageDetection].State)

	second, err := rig.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	done2 := awaitTerminal(t, rig.reg, second.ID)
	require.Equal(t, registry.StatusSucceeded, done2.Status)
	assert.Equal(t, registry.StageSucceeded, done2.Stages[operator.StageDetection].State,
		"an uncached result cannot be served as a hit")

	detect, _, _ := rig.gw.counts()
	assert.Equal(t, 2, detect)
}

func TestProviderRetriesThenSucceeds(t *testing.T) {
	var submitHits atomic.Int32
	video := []byte("rendered-after-retries")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/talks", func(w http.ResponseWriter, r *http.Request) {
		if submitHits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"p1"}`)
	})
	mux.HandleFunc("GET /v1/talks/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":         "p1",
			"status":     string(talkinghead.StatusCompleted),
			"result_url": "http://" + r.Host + "/video/p1",
		})
	})
	mux.HandleFunc("GET /video/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(video)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := talkinghead.New(srv.URL, "test-key", "http://callback.invalid/webhooks/talking-head", zerolog.Nop(), talkinghead.Options{
		InitialDelay:     5 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		AwaitDeadline:    5 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      10 * time.Millisecond,
		BreakerThreshold: 10,
	})

	rig := newTestRig(t, func(_ *Config, deps *Deps) { deps.Renderer = client })

	job, err := rig.coord.Submit(context.Background(), testRequest(t))
	require.NoError(t, err)

	done := awaitTerminal(t, rig.reg, job.ID)
	require.Equal(t, registry.StatusSucceeded, done.Status)
	assert.EqualValues(t, 3, submitHits.Load(), "two rejected submissions plus the accepted one")

	got, err := rig.store.Get(done.Artifacts[operator.StageTalkingHead])
	require.NoError(t, err)
	assert.Equal(t, video, got)
}

func TestProviderVerdictIsNotRetried(t *testing.T) {
	rig := newTestRig(t)
	rig.renderer.mu.Lock()
	rig.renderer.submitErrs = []error{
		&talkinghead.ProviderError{Sentinel: talkinghead.ErrProviderRejected, Operation: "submit", Status: http.StatusUnprocessableEntity},
	}
	rig.renderer.mu.Unlock()

	job, err := rig.coord.Submit(context.Background(), testRequest(t))
	require.NoError(t, err)

	done := awaitTerminal(t, rig.reg, job.ID)
	require.Equal(t, registry.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, fault.KindUpstreamFailed, done.Error.Kind)

	st := done.Stages[operator.StageTalkingHead]
	assert.Equal(t, registry.StageFailed, st.State)
	assert.Equal(t, 1, st.Attempts, "an explicit provider rejection is final")
}

func TestCloseCancelsActiveJobs(t *testing.T) {
	rig := newTestRig(t)
	rig.renderer.mu.Lock()
	rig.renderer.blockAwait = make(chan struct{})
	rig.renderer.mu.Unlock()

	job, err := rig.coord.Submit(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := rig.reg.Get(job.ID)
		return err == nil && j.Stages[operator.StageTalkingHead].State == registry.StageRunning
	}, 5*time.Second, 10*time.Millisecond)

	var closed sync.WaitGroup
	closed.Add(1)
	go func() {
		defer closed.Done()
		rig.coord.Close()
	}()
	closed.Wait()

	done, err := rig.reg.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusCancelled, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, fault.KindCancelled, done.Error.Kind)

	_, err = rig.coord.Submit(context.Background(), testRequest(t))
	require.Error(t, err, "a closed coordinator must not accept jobs")
}
