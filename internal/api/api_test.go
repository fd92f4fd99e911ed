// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/assets"
	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/pipeline"
	"github.com/wishreel/wishreel/internal/ratelimit"
	"github.com/wishreel/wishreel/internal/registry"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

type fakePipeline struct {
	mu        sync.Mutex
	submitted []pipeline.Request
	submitErr error
	job       registry.Job

	cancelled []string
	cancelErr error
	cancelJob registry.Job
}

func (f *fakePipeline) Submit(_ context.Context, req pipeline.Request) (registry.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return registry.Job{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	j := f.job
	if j.ID == "" {
		j.ID = "task-1"
	}
	if j.Status == "" {
		j.Status = registry.StatusSubmitted
	}
	return j, nil
}

func (f *fakePipeline) Cancel(id string) (registry.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return registry.Job{}, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	j := f.cancelJob
	if j.ID == "" {
		j.ID = id
	}
	if j.Status == "" {
		j.Status = registry.StatusRunning
		j.CancelRequested = true
	}
	return j, nil
}

func (f *fakePipeline) lastSubmitted(t *testing.T) pipeline.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.submitted, "no request reached the pipeline")
	return f.submitted[len(f.submitted)-1]
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]registry.Job
}

func (f *fakeJobs) put(j registry.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = map[string]registry.Job{}
	}
	f.jobs[j.ID] = j
}

func (f *fakeJobs) Get(id string) (registry.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return registry.Job{}, fault.Newf(fault.KindNotFound, "unknown task %q", id)
	}
	return j, nil
}

type fakeBlobs struct {
	blobs map[string][]byte
}

func (f *fakeBlobs) Get(sha string) ([]byte, error) {
	b, ok := f.blobs[sha]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "no blob %s", sha)
	}
	return b, nil
}

type fakeCatalog struct {
	tracks []assets.Track
	voices []assets.Voice
}

func (f *fakeCatalog) Tracks(context.Context) ([]assets.Track, error) { return f.tracks, nil }
func (f *fakeCatalog) Voices(context.Context) ([]assets.Voice, error) { return f.voices, nil }

func (f *fakeCatalog) ValidateTrack(_ context.Context, id string) error {
	for _, tr := range f.tracks {
		if tr.ID == id {
			return nil
		}
	}
	return fault.Newf(fault.KindInvalidInput, "unknown bgm_id %q", id)
}

func (f *fakeCatalog) ValidateVoice(_ context.Context, id string) error {
	if len(f.voices) == 0 {
		return nil
	}
	for _, v := range f.voices {
		if v.ID == id {
			return nil
		}
	}
	return fault.Newf(fault.KindInvalidInput, "unknown voice id %q", id)
}

type fakeSink struct {
	ch chan talkinghead.Callback
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan talkinghead.Callback, 4)}
}

func (f *fakeSink) Resolve(cb talkinghead.Callback) string {
	f.ch <- cb
	return "resolved"
}

type fakePolicy struct {
	enabled bool
	err     error
}

func (f *fakePolicy) Enabled() bool { return f.enabled }

func (f *fakePolicy) ValidateURL(_ context.Context, raw string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return raw, nil
}

type testRig struct {
	srv     *Server
	handler http.Handler
	pipe    *fakePipeline
	jobs    *fakeJobs
	blobs   *fakeBlobs
	catalog *fakeCatalog
	sink    *fakeSink
	policy  *fakePolicy
}

func newTestRig(t *testing.T, opts ...func(*Config, *Deps)) *testRig {
	t.Helper()
	rig := &testRig{
		pipe:    &fakePipeline{},
		jobs:    &fakeJobs{},
		blobs:   &fakeBlobs{blobs: map[string][]byte{}},
		catalog: &fakeCatalog{},
		sink:    newFakeSink(),
		policy:  &fakePolicy{enabled: true},
	}
	cfg := Config{MaxUploadBytes: 1 << 20, Version: "test"}
	deps := Deps{
		Pipeline: rig.pipe,
		Jobs:     rig.jobs,
		Blobs:    rig.blobs,
		Catalog:  rig.catalog,
		Webhooks: rig.sink,
		Notify:   rig.policy,
		Limiter:  ratelimit.New(ratelimit.Config{PerMin: 600, Burst: 100}),
		Logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	srv, err := New(cfg, deps)
	require.NoError(t, err)
	rig.srv = srv
	rig.handler = srv.Router()
	return rig
}

func (rig *testRig) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == nil {
		reader = &bytes.Buffer{}
	} else {
		reader = body
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	require.NotNil(t, env.Error, "expected an error envelope, got: %s", rec.Body.String())
	return env
}

// multipartBody builds a submission form. Files go in first so per-file
// size failures trigger before field validation.
func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := w.CreateFormFile(name, name+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func pngBytes(n int) []byte {
	sig := []byte("\x89PNG\r\n\x1a\n")
	if n < len(sig) {
		n = len(sig)
	}
	b := make([]byte, n)
	copy(b, sig)
	return b
}

func TestHealthzAlwaysOK(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestReadyzGatesOnStartup(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rig.srv.SetReady(true)
	rec = rig.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rig.srv.SetReady(false)
	rec = rig.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAssetListEmptyWithoutCatalog(t *testing.T) {
	rig := newTestRig(t, func(_ *Config, d *Deps) { d.Catalog = nil })

	rec := rig.do(t, http.MethodGet, "/pipeline/bgm", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing assetListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Tracks)
	assert.Empty(t, listing.Voices)
	assert.Contains(t, rec.Body.String(), `"tracks":[]`, "empty lists, not null")
}

func TestAssetListReturnsCatalog(t *testing.T) {
	rig := newTestRig(t)
	rig.catalog.tracks = []assets.Track{{ID: "gentle-piano", Title: "Gentle Piano", SizeBytes: 1024, DurationMS: 30000, SampleRate: 44100, Channels: 2}}
	rig.catalog.voices = []assets.Voice{{ID: "warm_f", Name: "Warm (female)", Language: "en"}}

	rec := rig.do(t, http.MethodGet, "/pipeline/bgm", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing assetListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Tracks, 1)
	assert.Equal(t, "gentle-piano", listing.Tracks[0].ID)
	require.Len(t, listing.Voices, 1)
	assert.Equal(t, "warm_f", listing.Voices[0].ID)
}

func TestStatusViewShapesURLs(t *testing.T) {
	now := time.Now().UTC()
	job := registry.Job{
		ID:     "j-1",
		Status: registry.StatusSucceeded,
		Stages: map[string]registry.StageStatus{
			operator.StageDetection:   {State: registry.StageCached},
			operator.StageTalkingHead: {State: registry.StageSucceeded},
			operator.StageBGMMix:      {State: registry.StageSucceeded},
		},
		Artifacts: map[string]string{
			operator.StageTalkingHead: "aaa",
			operator.StageBGMMix:      "bbb",
		},
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
	}

	view := statusView(job)
	assert.Equal(t, "/pipeline/result/j-1", view.ResultURL)
	assert.Equal(t, "/pipeline/result/j-1/soundtrack", view.SoundtrackURL)
	assert.Equal(t, 100, view.ProgressPct)

	job.Status = registry.StatusRunning
	view = statusView(job)
	assert.Empty(t, view.ResultURL, "no result link before the job finishes")
	assert.Empty(t, view.SoundtrackURL)
}
