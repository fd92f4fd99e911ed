// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/pipeline"
	"github.com/wishreel/wishreel/internal/prosody"
	"github.com/wishreel/wishreel/internal/ratelimit"
	"github.com/wishreel/wishreel/internal/wav"
)

// maxTextRunes mirrors the synthesis operator's bound so oversized text is
// rejected before any upload processing.
const maxTextRunes = 100

// submitAccepted is the 202 payload for an admitted job.
type submitAccepted struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	PollURL string `json:"poll_url"`
}

// prosodySpec is the JSON shape of the prosody form field. Explicit shift
// values override the preset.
type prosodySpec struct {
	Preset string   `json:"preset,omitempty"`
	Pitch  *float64 `json:"pitch,omitempty"`
	Tempo  *float64 `json:"tempo,omitempty"`
	Energy *float64 `json:"energy,omitempty"`
}

// handleGenerate admits one generation job: per-client rate check, upload
// parsing and validation, then hand-off to the coordinator. All parameter
// problems come back as 4xx envelopes before a job exists.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	client, keyKind := ratelimit.ClientKey(r)
	if !s.limiter.Allow(client, keyKind) {
		retry := s.limiter.RetryAfter()
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
		writeJSON(w, http.StatusTooManyRequests, envelope{Error: &errorBody{
			Code:    string(fault.KindRateLimited),
			Message: "submission rate exceeded",
		}})
		return
	}

	// Image plus optional audio plus form fields; anything bigger than
	// that is cut off at the transport.
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.cfg.MaxUploadBytes+1<<20)

	req, err := s.parseGenerateRequest(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	req.Client = client

	job, err := s.pipeline.Submit(r.Context(), *req)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	pollURL := "/pipeline/status/" + job.ID
	w.Header().Set("Location", pollURL)
	writeJSON(w, http.StatusAccepted, submitAccepted{
		TaskID:  job.ID,
		Status:  "processing",
		PollURL: pollURL,
	})
}

// parseGenerateRequest turns the multipart form into a pipeline request.
// Every rejection is an InvalidInput or FileTooLarge fault; nothing here
// touches the pipeline.
func (s *Server) parseGenerateRequest(r *http.Request) (*pipeline.Request, error) {
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fault.Newf(fault.KindFileTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fault.Wrap(fault.KindInvalidInput, "malformed multipart body", err)
	}

	image, ok, err := s.formFile(r, "image")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.KindInvalidInput, "an image file is required")
	}
	if ct := http.DetectContentType(image); ct != "image/jpeg" && ct != "image/png" {
		return nil, fault.Newf(fault.KindInvalidInput, "image must be JPEG or PNG, got %s", ct)
	}

	req := &pipeline.Request{
		Image:    image,
		Detector: operator.DefaultDetectorParams(),
		Quality:  strings.TrimSpace(r.FormValue("video_quality")),
	}

	audio, hasAudio, err := s.formFile(r, "audio")
	if err != nil {
		return nil, err
	}
	if hasAudio {
		if _, err := wav.Decode(audio); err != nil {
			return nil, fault.Wrap(fault.KindInvalidInput, "audio must be 16-bit PCM WAV", err)
		}
		req.Audio = audio
	} else {
		text := strings.TrimSpace(r.FormValue("text"))
		if text == "" {
			return nil, fault.New(fault.KindInvalidInput, "text is required when no audio is uploaded")
		}
		if n := utf8.RuneCountInString(text); n > maxTextRunes {
			return nil, fault.Newf(fault.KindInvalidInput, "text is %d characters, limit is %d", n, maxTextRunes)
		}
		voice, err := s.parseVoice(r)
		if err != nil {
			return nil, err
		}
		req.Text = text
		req.Voice = voice
	}

	plan, err := s.parseProsody(r)
	if err != nil {
		return nil, err
	}
	req.Plan = plan

	if err := s.parseToggles(r, req); err != nil {
		return nil, err
	}
	if err := s.parseBGM(r, req); err != nil {
		return nil, err
	}

	if notifyURL := strings.TrimSpace(r.FormValue("notify_url")); notifyURL != "" {
		if s.notify == nil || !s.notify.Enabled() {
			return nil, fault.New(fault.KindInvalidInput, "completion callbacks are disabled on this deployment")
		}
		normalized, err := s.notify.ValidateURL(r.Context(), notifyURL)
		if err != nil {
			return nil, err
		}
		req.NotifyURL = normalized
	}

	return req, nil
}

// formFile reads one uploaded file, bounded by the per-file limit.
func (s *Server) formFile(r *http.Request, field string) ([]byte, bool, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.KindInvalidInput, "read "+field+" upload", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, false, fault.Wrap(fault.KindInvalidInput, "read "+field+" upload", err)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, false, fault.Newf(fault.KindFileTooLarge, "%s exceeds the %d byte upload limit", field, s.cfg.MaxUploadBytes)
	}
	return data, true, nil
}

func (s *Server) parseVoice(r *http.Request) (inference.VoiceSelector, error) {
	raw := strings.TrimSpace(r.FormValue("voice"))
	if raw == "" {
		return inference.VoiceSelector{}, fault.New(fault.KindInvalidInput, "a voice selection is required when synthesizing")
	}
	var sel inference.VoiceSelector
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return inference.VoiceSelector{}, fault.Wrap(fault.KindInvalidInput, "voice must be a JSON object", err)
	}
	switch sel.Provider {
	case inference.VoicePreset:
		if sel.ID == "" {
			return inference.VoiceSelector{}, fault.New(fault.KindInvalidInput, "preset voice requires an id")
		}
		if s.catalog != nil {
			if err := s.catalog.ValidateVoice(r.Context(), sel.ID); err != nil {
				return inference.VoiceSelector{}, err
			}
		}
	case inference.VoiceClone:
		if sel.ProfileID == "" {
			return inference.VoiceSelector{}, fault.New(fault.KindInvalidInput, "cloned voice requires a profile_id")
		}
	default:
		return inference.VoiceSelector{}, fault.Newf(fault.KindInvalidInput, "unknown voice provider %q", sel.Provider)
	}
	return sel, nil
}

func (s *Server) parseProsody(r *http.Request) (prosody.Plan, error) {
	raw := strings.TrimSpace(r.FormValue("prosody"))
	if raw == "" {
		return prosody.Resolve("", prosody.Params{})
	}
	var spec prosodySpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return prosody.Plan{}, fault.Wrap(fault.KindInvalidInput, "prosody must be a JSON object", err)
	}
	return prosody.Resolve(spec.Preset, prosody.Params{
		PitchShift:  spec.Pitch,
		TempoShift:  spec.Tempo,
		EnergyShift: spec.Energy,
	})
}

// parseToggles fills the boolean knobs; both default on.
func (s *Server) parseToggles(r *http.Request, req *pipeline.Request) error {
	var err error
	if req.Smoothing, err = formBool(r, "smoothing", true); err != nil {
		return err
	}
	req.RemoveBackground, err = formBool(r, "remove_background", true)
	return err
}

func (s *Server) parseBGM(r *http.Request, req *pipeline.Request) error {
	id := strings.TrimSpace(r.FormValue("bgm_id"))
	if id == "" {
		return nil
	}
	if s.catalog == nil {
		return fault.New(fault.KindInvalidInput, "bgm is not available on this deployment")
	}
	if err := s.catalog.ValidateTrack(r.Context(), id); err != nil {
		return err
	}

	mix := operator.DefaultMixerParams()
	gain, err := formFloat(r, "bgm_gain_db", mix.GainDB)
	if err != nil {
		return err
	}
	duck, err := formFloat(r, "duck_ratio", mix.DuckRatio)
	if err != nil {
		return err
	}
	req.BGMID = id
	req.BGMGainDB = gain
	req.DuckRatio = duck
	return nil
}

func formBool(r *http.Request, field string, def bool) (bool, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fault.Newf(fault.KindInvalidInput, "%s must be a boolean, got %q", field, raw)
	}
	return v, nil
}

func formFloat(r *http.Request, field string, def float64) (float64, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fault.Newf(fault.KindInvalidInput, "%s must be a number, got %q", field, raw)
	}
	return v, nil
}
