// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/registry"
)

func runningJob(id string) registry.Job {
	now := time.Now().UTC()
	return registry.Job{
		ID:     id,
		Status: registry.StatusRunning,
		Stages: map[string]registry.StageStatus{
			operator.StageDetection:   {State: registry.StageSucceeded, Attempts: 1},
			operator.StageTTS:         {State: registry.StageRunning, Attempts: 1},
			operator.StageTalkingHead: {State: registry.StagePending},
		},
		CreatedAt: now.Add(-10 * time.Second),
		UpdatedAt: now,
		Deadline:  now.Add(3 * time.Minute),
	}
}

func finishedJob(id string, artifacts map[string]string) registry.Job {
	j := runningJob(id)
	j.Status = registry.StatusSucceeded
	for name := range j.Stages {
		j.Stages[name] = registry.StageStatus{State: registry.StageSucceeded, Attempts: 1}
	}
	j.Artifacts = artifacts
	return j
}

func TestStatusReportsProgress(t *testing.T) {
	rig := newTestRig(t)
	rig.jobs.put(runningJob("j-42"))

	rec := rig.do(t, http.MethodGet, "/pipeline/status/j-42", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "j-42", resp.TaskID)
	assert.Equal(t, registry.StatusRunning, resp.State)
	assert.Empty(t, resp.ResultURL)
	assert.Nil(t, resp.Error)
	assert.Greater(t, resp.ProgressPct, 0)
	assert.Less(t, resp.ProgressPct, 100)
	assert.Equal(t, registry.StageRunning, resp.Stages[operator.StageTTS].State)
}

func TestStatusUnknownTask(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/pipeline/status/no-such-task", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestStatusCarriesFailure(t *testing.T) {
	rig := newTestRig(t)
	j := runningJob("j-9")
	j.Status = registry.StatusFailed
	j.Error = &registry.JobError{Kind: fault.KindUpstreamFailed, Stage: operator.StageTalkingHead, Message: "provider rejected the render"}
	rig.jobs.put(j)

	rec := rig.do(t, http.MethodGet, "/pipeline/status/j-9", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, "a failed job still polls as 200")

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, fault.KindUpstreamFailed, resp.Error.Kind)
	assert.Equal(t, operator.StageTalkingHead, resp.Error.Stage)
}

func TestResultServesVideo(t *testing.T) {
	rig := newTestRig(t)
	video := []byte("not really mp4 but plays one on tv")
	rig.blobs.blobs["sha-video"] = video
	rig.jobs.put(finishedJob("j-1", map[string]string{operator.StageTalkingHead: "sha-video"}))

	rec := rig.do(t, http.MethodGet, "/pipeline/result/j-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"sha-video"`, rec.Header().Get("ETag"))
	assert.Equal(t, video, rec.Body.Bytes())
}

func TestResultHonorsETag(t *testing.T) {
	rig := newTestRig(t)
	rig.blobs.blobs["sha-video"] = []byte("payload")
	rig.jobs.put(finishedJob("j-1", map[string]string{operator.StageTalkingHead: "sha-video"}))

	req := httptest.NewRequest(http.MethodGet, "/pipeline/result/j-1", &bytes.Buffer{})
	req.Header.Set("If-None-Match", `"sha-video"`)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestResultSupportsRanges(t *testing.T) {
	rig := newTestRig(t)
	rig.blobs.blobs["sha-video"] = []byte("0123456789")
	rig.jobs.put(finishedJob("j-1", map[string]string{operator.StageTalkingHead: "sha-video"}))

	req := httptest.NewRequest(http.MethodGet, "/pipeline/result/j-1", &bytes.Buffer{})
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
}

func TestResultNotReady(t *testing.T) {
	rig := newTestRig(t)
	rig.jobs.put(runningJob("j-1"))

	rec := rig.do(t, http.MethodGet, "/pipeline/result/j-1", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.Contains(t, env.Error.Message, "not ready")
}

func TestResultExpiredBlob(t *testing.T) {
	rig := newTestRig(t)
	rig.jobs.put(finishedJob("j-1", map[string]string{operator.StageTalkingHead: "sha-gone"}))

	rec := rig.do(t, http.MethodGet, "/pipeline/result/j-1", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "expired")
}

func TestSoundtrackServesMix(t *testing.T) {
	rig := newTestRig(t)
	mix := []byte("RIFF....WAVE")
	rig.blobs.blobs["sha-mix"] = mix
	rig.jobs.put(finishedJob("j-1", map[string]string{
		operator.StageTalkingHead: "sha-video",
		operator.StageBGMMix:      "sha-mix",
	}))
	rig.blobs.blobs["sha-video"] = []byte("video")

	rec := rig.do(t, http.MethodGet, "/pipeline/result/j-1/soundtrack", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, mix, rec.Body.Bytes())
}

func TestSoundtrackAbsentWithoutMix(t *testing.T) {
	rig := newTestRig(t)
	rig.blobs.blobs["sha-video"] = []byte("video")
	rig.jobs.put(finishedJob("j-1", map[string]string{operator.StageTalkingHead: "sha-video"}))

	rec := rig.do(t, http.MethodGet, "/pipeline/result/j-1/soundtrack", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "no such artifact")
}

func TestCancelDelegatesToPipeline(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodDelete, "/pipeline/tasks/j-7", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "j-7", resp.TaskID)
	assert.Equal(t, registry.StatusRunning, resp.State)
	assert.Equal(t, []string{"j-7"}, rig.pipe.cancelled)
}

func TestCancelUnknownTask(t *testing.T) {
	rig := newTestRig(t)
	rig.pipe.cancelErr = fault.Newf(fault.KindNotFound, "unknown task %q", "j-8")

	rec := rig.do(t, http.MethodDelete, "/pipeline/tasks/j-8", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}
