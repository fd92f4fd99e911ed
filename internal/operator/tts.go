// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/fingerprint"
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/wav"
)

const (
	ttsVersion   = "v1"
	ttsTTL       = time.Hour
	maxTextRunes = 100
)

// TTSGateway is the slice of the inference client the synthesizer needs.
type TTSGateway interface {
	Synthesize(ctx context.Context, req inference.TTSRequest) ([]byte, error)
}

// TTSParams configures one synthesis run. Text is NFC-normalized before
// validation, fingerprinting and dispatch.
type TTSParams struct {
	Text       string
	Voice      inference.VoiceSelector
	Speed      float64
	Pitch      float64
	Intonation float64
	Volume     float64
}

// DefaultTTSParams returns the neutral synthesis settings.
func DefaultTTSParams() TTSParams {
	return TTSParams{Speed: 1, Pitch: 1, Intonation: 1, Volume: 1}
}

// TTSSynthesizer turns the message text into speech audio.
type TTSSynthesizer struct {
	gw     TTSGateway
	params TTSParams
}

// NewTTSSynthesizer revalidates the text and voice contract. The submission
// endpoint enforces the same rules, so a failure here means a caller bug
// upstream, but the bounds are cheap to hold on both sides.
func NewTTSSynthesizer(gw TTSGateway, p TTSParams) (*TTSSynthesizer, error) {
	p.Text = norm.NFC.String(p.Text)
	if p.Text == "" {
		return nil, fault.New(fault.KindInvalidInput, "text must not be empty")
	}
	if n := utf8.RuneCountInString(p.Text); n > maxTextRunes {
		return nil, fault.Newf(fault.KindInvalidInput, "text is %d characters, limit is %d", n, maxTextRunes)
	}
	switch p.Voice.Provider {
	case inference.VoicePreset:
		if p.Voice.ID == "" {
			return nil, fault.New(fault.KindInvalidInput, "preset voice requires an id")
		}
	case inference.VoiceClone:
		if p.Voice.ProfileID == "" {
			return nil, fault.New(fault.KindInvalidInput, "cloned voice requires a profile_id")
		}
	default:
		return nil, fault.Newf(fault.KindInvalidInput, "unknown voice provider %q", p.Voice.Provider)
	}
	for _, b := range []struct {
		name     string
		v        float64
		min, max float64
	}{
		{"speed", p.Speed, 0.5, 2.0},
		{"pitch", p.Pitch, 0.5, 2.0},
		{"intonation", p.Intonation, 0.0, 2.0},
		{"volume", p.Volume, 0.0, 2.0},
	} {
		if b.v < b.min || b.v > b.max {
			return nil, fault.Newf(fault.KindInvalidInput, "%s %.4f outside [%.1f, %.1f]", b.name, b.v, b.min, b.max)
		}
	}
	return &TTSSynthesizer{gw: gw, params: p}, nil
}

func (o *TTSSynthesizer) Meta() Meta {
	return Meta{
		ID:        StageTTS,
		Version:   ttsVersion,
		Model:     ModelTTS,
		TTL:       ttsTTL,
		Cacheable: true,
	}
}

// Fingerprint has no artifact inputs: the text itself is the input.
func (o *TTSSynthesizer) Fingerprint(Inputs) (string, error) {
	b := fingerprint.New(StageTTS, ttsVersion).
		Param("text", o.params.Text).
		Param("voice_provider", o.params.Voice.Provider).
		ParamFloat("speed", o.params.Speed).
		ParamFloat("pitch", o.params.Pitch).
		ParamFloat("intonation", o.params.Intonation).
		ParamFloat("volume", o.params.Volume)
	if o.params.Voice.ID != "" {
		b = b.Param("voice_id", o.params.Voice.ID)
	}
	if o.params.Voice.ProfileID != "" {
		b = b.Param("voice_profile", o.params.Voice.ProfileID)
	}
	return b.Sum(), nil
}

func (o *TTSSynthesizer) Execute(ctx context.Context, _ Inputs) (*Result, error) {
	out, err := o.gw.Synthesize(ctx, inference.TTSRequest{
		Text:       o.params.Text,
		Voice:      o.params.Voice,
		Speed:      o.params.Speed,
		Pitch:      o.params.Pitch,
		Intonation: o.params.Intonation,
		Volume:     o.params.Volume,
	})
	if err != nil {
		return nil, classifyGateway("tts", err)
	}

	clip, err := wav.Decode(out)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamFailed, "tts output is not decodable PCM audio", err).Final()
	}
	info := clip.Info()
	return &Result{
		Data: out,
		Meta: map[string]string{
			"sample_rate": strconv.Itoa(info.SampleRate),
			"channels":    strconv.Itoa(info.Channels),
			"duration_ms": strconv.FormatInt(info.Duration.Milliseconds(), 10),
		},
	}, nil
}
