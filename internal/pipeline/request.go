// SPDX-License-Identifier: MIT

package pipeline

import (
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/prosody"
)

// Request is one validated generation order. The API layer parses the
// multipart submission, bounds-checks every field and resolves defaults,
// so a Request reaching Submit is structurally complete: the image is
// present, either Audio or Text+Voice is set, the prosody plan is
// resolved, and BGM gain/duck carry concrete values whenever a track is
// selected.
type Request struct {
	// Client identifies the submitter for rate accounting.
	Client string

	// Image is the source portrait, JPEG or PNG encoded.
	Image []byte
	// Audio is caller-supplied speech. When set, the synthesis stages are
	// skipped and this audio drives the render directly.
	Audio []byte

	// Text and Voice feed synthesis when no audio was uploaded.
	Text  string
	Voice inference.VoiceSelector

	// Plan is the resolved prosody adjustment. An identity plan skips the
	// prosody stage outright.
	Plan prosody.Plan

	// Detector bounds the person detection pass.
	Detector operator.DetectorParams

	// RemoveBackground enables the matting stage; when false the original
	// frame goes to the renderer untouched.
	RemoveBackground bool
	// Smoothing asks the matting model to soften the alpha edge.
	Smoothing bool

	// Quality selects the render profile; empty means standard.
	Quality string

	// BGMID selects a catalog track to lay under the speech; empty skips
	// the mix stage.
	BGMID     string
	BGMGainDB float64
	DuckRatio float64

	// NotifyURL, when set, receives a POST on terminal state.
	NotifyURL string
}

// synthesizes reports whether the audio branch actually runs TTS.
func (r Request) synthesizes() bool {
	return len(r.Audio) == 0
}
