// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/registry"
)

// statusResponse is the polling view of one job. result_url appears only
// once the video is ready; soundtrack_url only when a BGM mix exists.
type statusResponse struct {
	TaskID        string                          `json:"task_id"`
	State         registry.Status                 `json:"state"`
	Stages        map[string]registry.StageStatus `json:"stages"`
	ProgressPct   int                             `json:"progress_pct"`
	CreatedAt     time.Time                       `json:"created_at"`
	UpdatedAt     time.Time                       `json:"updated_at"`
	ResultURL     string                          `json:"result_url,omitempty"`
	SoundtrackURL string                          `json:"soundtrack_url,omitempty"`
	Error         *registry.JobError              `json:"error,omitempty"`
}

func statusView(job registry.Job) statusResponse {
	resp := statusResponse{
		TaskID:      job.ID,
		State:       job.Status,
		Stages:      job.Stages,
		ProgressPct: job.Progress(),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		Error:       job.Error,
	}
	if resp.Stages == nil {
		resp.Stages = map[string]registry.StageStatus{}
	}
	if job.Status == registry.StatusSucceeded {
		resp.ResultURL = "/pipeline/result/" + job.ID
		if _, ok := job.Artifacts[operator.StageBGMMix]; ok {
			resp.SoundtrackURL = resp.ResultURL + "/soundtrack"
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(job))
}

// handleResult streams the rendered video. It answers 404 for unknown
// ids, unfinished jobs and reaped artifacts alike; the status endpoint is
// the place to learn which of those it is.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, operator.StageTalkingHead, "video/mp4")
}

// handleSoundtrack streams the mixed speech-plus-music track of a
// finished job, for callers that want the audio without the video.
func (s *Server) handleSoundtrack(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, operator.StageBGMMix, "audio/wav")
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, stage, contentType string) {
	job, err := s.jobs.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if job.Status != registry.StatusSucceeded {
		writeNotFound(w, "result is not ready")
		return
	}
	sha, ok := job.Artifacts[stage]
	if !ok {
		writeNotFound(w, "no such artifact for this task")
		return
	}
	blob, err := s.blobs.Get(sha)
	if err != nil {
		// Reaped between terminal state and fetch.
		writeNotFound(w, "result has expired")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+sha+`"`)
	http.ServeContent(w, r, "", job.UpdatedAt, bytes.NewReader(blob))
}

// handleCancel requests cancellation. The call is idempotent: a job
// already terminal just reports its final state, a second cancel of a
// running job is a no-op.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Cancel(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusView(job))
}
