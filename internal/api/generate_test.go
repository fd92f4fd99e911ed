// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/assets"
	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/ratelimit"
	"github.com/wishreel/wishreel/internal/wav"
)

func textFields() map[string]string {
	return map[string]string{
		"text":  "Happy birthday, Maya!",
		"voice": `{"provider":"preset","id":"warm_f"}`,
	}
}

func postGenerate(t *testing.T, rig *testRig, fields map[string]string, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, files)
	return rig.do(t, http.MethodPost, "/pipeline/generate", body, ct)
}

func TestGenerateAcceptsTextVoiceSubmission(t *testing.T) {
	rig := newTestRig(t)

	rec := postGenerate(t, rig, textFields(), map[string][]byte{"image": pngBytes(256)})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	var accepted submitAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "task-1", accepted.TaskID)
	assert.Equal(t, "processing", accepted.Status)
	assert.Equal(t, "/pipeline/status/task-1", accepted.PollURL)
	assert.Equal(t, accepted.PollURL, rec.Header().Get("Location"))

	req := rig.pipe.lastSubmitted(t)
	assert.Equal(t, "Happy birthday, Maya!", req.Text)
	assert.Equal(t, inference.VoiceSelector{Provider: inference.VoicePreset, ID: "warm_f"}, req.Voice)
	assert.Len(t, req.Image, 256)
	assert.Empty(t, req.Audio)
	assert.True(t, req.Plan.Identity(), "no prosody field means a neutral plan")
	assert.True(t, req.Smoothing, "smoothing defaults on")
	assert.True(t, req.RemoveBackground, "matting defaults on")
	assert.Equal(t, operator.DefaultDetectorParams(), req.Detector)
	assert.Empty(t, req.BGMID)
	assert.True(t, strings.HasPrefix(req.Client, "ip:"), "client key derived from the caller IP, got %q", req.Client)
}

func TestGenerateRequiresImage(t *testing.T) {
	rig := newTestRig(t)

	rec := postGenerate(t, rig, textFields(), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
	assert.Contains(t, env.Error.Message, "image")
}

func TestGenerateRejectsNonImagePayload(t *testing.T) {
	rig := newTestRig(t)

	rec := postGenerate(t, rig, textFields(), map[string][]byte{"image": []byte("just some text, definitely not pixels")})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
	assert.Contains(t, env.Error.Message, "JPEG or PNG")
}

func TestGenerateRejectsOversizeUpload(t *testing.T) {
	rig := newTestRig(t, func(c *Config, _ *Deps) { c.MaxUploadBytes = 1024 })

	rec := postGenerate(t, rig, textFields(), map[string][]byte{"image": pngBytes(3 * 1024)})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "FILE_TOO_LARGE", env.Error.Code)
}

func TestGenerateRequiresTextWithoutAudio(t *testing.T) {
	rig := newTestRig(t)

	rec := postGenerate(t, rig, nil, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "text is required")
}

func TestGenerateBoundsTextLength(t *testing.T) {
	rig := newTestRig(t)

	fields := textFields()
	fields["text"] = strings.Repeat("祝", maxTextRunes+1)
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "limit is 100")
}

func TestGenerateValidatesVoice(t *testing.T) {
	cases := []struct {
		name  string
		voice string
		want  string
	}{
		{"missing", "", "voice selection is required"},
		{"not json", "warm_f", "JSON object"},
		{"preset without id", `{"provider":"preset"}`, "requires an id"},
		{"clone without profile", `{"provider":"clone"}`, "requires a profile_id"},
		{"unknown provider", `{"provider":"parrot","id":"x"}`, "unknown voice provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			fields := map[string]string{"text": "hi"}
			if tc.voice != "" {
				fields["voice"] = tc.voice
			}
			rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, "INVALID_INPUT", env.Error.Code)
			assert.Contains(t, env.Error.Message, tc.want)
		})
	}
}

func TestGenerateChecksPresetVoiceAgainstCatalog(t *testing.T) {
	rig := newTestRig(t)
	rig.catalog.voices = []assets.Voice{{ID: "warm_f", Name: "Warm"}}

	fields := textFields()
	fields["voice"] = `{"provider":"preset","id":"gravelly_m"}`
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "gravelly_m")

	// Cloned voices are never catalog-checked.
	fields["voice"] = `{"provider":"clone","profile_id":"prof-9"}`
	rec = postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
}

func TestGenerateAcceptsUploadedAudio(t *testing.T) {
	rig := newTestRig(t)
	clip := wav.Tone(440, 0.4, 120*time.Millisecond, 16000).Encode()

	rec := postGenerate(t, rig, nil, map[string][]byte{
		"image": pngBytes(64),
		"audio": clip,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	req := rig.pipe.lastSubmitted(t)
	assert.Equal(t, clip, req.Audio)
	assert.Empty(t, req.Text, "text is not required alongside audio")
}

func TestGenerateRejectsBrokenAudio(t *testing.T) {
	rig := newTestRig(t)

	rec := postGenerate(t, rig, nil, map[string][]byte{
		"image": pngBytes(64),
		"audio": []byte("RIFFnope"),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "16-bit PCM WAV")
}

func TestGenerateResolvesProsody(t *testing.T) {
	rig := newTestRig(t)

	fields := textFields()
	fields["prosody"] = `{"preset":"joyful"}`
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	req := rig.pipe.lastSubmitted(t)
	assert.Equal(t, "joyful", req.Plan.Preset)
	assert.InDelta(t, 1.20, req.Plan.Pitch, 1e-9)

	fields["prosody"] = `{"preset":"joyful","pitch":1.05}`
	rec = postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code)
	req = rig.pipe.lastSubmitted(t)
	assert.InDelta(t, 1.05, req.Plan.Pitch, 1e-9, "explicit values override the preset")
}

func TestGenerateRejectsBadProsody(t *testing.T) {
	rig := newTestRig(t)

	for name, raw := range map[string]string{
		"unknown preset": `{"preset":"operatic"}`,
		"not json":       `joyful`,
	} {
		t.Run(name, func(t *testing.T) {
			fields := textFields()
			fields["prosody"] = raw
			rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, "INVALID_INPUT", env.Error.Code)
		})
	}
}

func TestGenerateBGMSelection(t *testing.T) {
	rig := newTestRig(t)
	rig.catalog.tracks = []assets.Track{{ID: "gentle-piano", Title: "Gentle Piano"}}

	fields := textFields()
	fields["bgm_id"] = "gentle-piano"
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	req := rig.pipe.lastSubmitted(t)
	def := operator.DefaultMixerParams()
	assert.Equal(t, "gentle-piano", req.BGMID)
	assert.InDelta(t, def.GainDB, req.BGMGainDB, 1e-9)
	assert.InDelta(t, def.DuckRatio, req.DuckRatio, 1e-9)

	fields["bgm_gain_db"] = "-18.5"
	fields["duck_ratio"] = "0.25"
	rec = postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code)
	req = rig.pipe.lastSubmitted(t)
	assert.InDelta(t, -18.5, req.BGMGainDB, 1e-9)
	assert.InDelta(t, 0.25, req.DuckRatio, 1e-9)
}

func TestGenerateRejectsUnknownBGM(t *testing.T) {
	rig := newTestRig(t)
	rig.catalog.tracks = []assets.Track{{ID: "gentle-piano"}}

	fields := textFields()
	fields["bgm_id"] = "heavy-metal"
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "heavy-metal")
}

func TestGenerateRejectsBGMWithoutCatalog(t *testing.T) {
	rig := newTestRig(t, func(_ *Config, d *Deps) { d.Catalog = nil })

	fields := textFields()
	fields["bgm_id"] = "gentle-piano"
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "not available")
}

func TestGenerateNotifyURLPolicy(t *testing.T) {
	t.Run("accepted when enabled", func(t *testing.T) {
		rig := newTestRig(t)
		fields := textFields()
		fields["notify_url"] = "https://example.com/hook"
		rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
		require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
		assert.Equal(t, "https://example.com/hook", rig.pipe.lastSubmitted(t).NotifyURL)
	})

	t.Run("rejected when disabled", func(t *testing.T) {
		rig := newTestRig(t)
		rig.policy.enabled = false
		fields := textFields()
		fields["notify_url"] = "https://example.com/hook"
		rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.Contains(t, env.Error.Message, "disabled")
	})

	t.Run("policy rejection propagates", func(t *testing.T) {
		rig := newTestRig(t)
		rig.policy.err = fault.New(fault.KindInvalidInput, "callback host is not allowed")
		fields := textFields()
		fields["notify_url"] = "https://10.0.0.1/hook"
		rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.Contains(t, env.Error.Message, "not allowed")
	})
}

func TestGenerateToggles(t *testing.T) {
	rig := newTestRig(t)

	fields := textFields()
	fields["smoothing"] = "false"
	fields["remove_background"] = "false"
	fields["video_quality"] = "high"
	rec := postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := rig.pipe.lastSubmitted(t)
	assert.False(t, req.Smoothing)
	assert.False(t, req.RemoveBackground)
	assert.Equal(t, "high", req.Quality)

	fields["smoothing"] = "definitely"
	rec = postGenerate(t, rig, fields, map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateRateLimited(t *testing.T) {
	rig := newTestRig(t, func(_ *Config, d *Deps) {
		d.Limiter = ratelimit.New(ratelimit.Config{PerMin: 1, Burst: 1, IdleExpiry: time.Minute})
	})

	rec := postGenerate(t, rig, textFields(), map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	rec = postGenerate(t, rig, textFields(), map[string][]byte{"image": pngBytes(64)})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)

	require.Len(t, rig.pipe.submitted, 1, "rejected request never reached the pipeline")
}

func TestGenerateMapsSubmitFaults(t *testing.T) {
	t.Run("queue full is 503", func(t *testing.T) {
		rig := newTestRig(t)
		rig.pipe.submitErr = fault.New(fault.KindResourceExhausted, "render queue is full")
		rec := postGenerate(t, rig, textFields(), map[string][]byte{"image": pngBytes(64)})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.Equal(t, "RESOURCE_EXHAUSTED", env.Error.Code)
	})

	t.Run("unexpected errors stay generic", func(t *testing.T) {
		rig := newTestRig(t)
		rig.pipe.submitErr = errors.New("pq: connection reset")
		rec := postGenerate(t, rig, textFields(), map[string][]byte{"image": pngBytes(64)})
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.Equal(t, "INTERNAL", env.Error.Code)
		assert.NotContains(t, env.Error.Message, "pq:", "internal details are logged, not returned")
	})
}
