// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"errors"
	"strconv"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/fingerprint"
	"github.com/wishreel/wishreel/internal/wav"
)

const mixerVersion = "v1"

// TrackSource resolves BGM tracks from the asset catalog.
type TrackSource interface {
	TrackWAV(ctx context.Context, id string) ([]byte, error)
}

// MixerParams configures one background-music mix.
type MixerParams struct {
	TrackID   string
	GainDB    float64
	DuckRatio float64
}

// DefaultMixerParams returns conservative mix settings: music 12 dB under
// the voice, dipping to 40% while speech is active.
func DefaultMixerParams() MixerParams {
	return MixerParams{GainDB: -12, DuckRatio: 0.4}
}

// BGMMixer lays the selected music track under the speech, producing the
// final soundtrack. The mix is pure local DSP.
type BGMMixer struct {
	source TrackSource
	loader Loader
	params MixerParams
}

// NewBGMMixer validates the parameter bounds and builds the operator.
func NewBGMMixer(source TrackSource, loader Loader, p MixerParams) (*BGMMixer, error) {
	if p.TrackID == "" {
		return nil, fault.New(fault.KindInvalidInput, "bgm_id must not be empty")
	}
	if p.GainDB < -20 || p.GainDB > 0 {
		return nil, fault.Newf(fault.KindInvalidInput, "bgm_gain_db %.4f outside [-20, 0]", p.GainDB)
	}
	if p.DuckRatio < 0.3 || p.DuckRatio > 1.0 {
		return nil, fault.Newf(fault.KindInvalidInput, "duck_ratio %.4f outside [0.3, 1.0]", p.DuckRatio)
	}
	return &BGMMixer{source: source, loader: loader, params: p}, nil
}

func (o *BGMMixer) Meta() Meta {
	return Meta{
		ID:        StageBGMMix,
		Version:   mixerVersion,
		Cacheable: false,
	}
}

func (o *BGMMixer) Fingerprint(in Inputs) (string, error) {
	sha, err := in.Digest(SlotAudio)
	if err != nil {
		return "", err
	}
	return fingerprint.New(StageBGMMix, mixerVersion).
		Input(sha).
		Param("bgm_id", o.params.TrackID).
		ParamFloat("bgm_gain_db", o.params.GainDB).
		ParamFloat("duck_ratio", o.params.DuckRatio).
		Sum(), nil
}

func (o *BGMMixer) Execute(ctx context.Context, in Inputs) (*Result, error) {
	sha, err := in.Digest(SlotAudio)
	if err != nil {
		return nil, err
	}
	speech, err := o.loader.Get(sha)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load speech artifact", err)
	}
	voice, err := wav.Decode(speech)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "speech artifact is not decodable audio", err)
	}

	trackData, err := o.source.TrackWAV(ctx, o.params.TrackID)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, "load bgm track", err)
	}
	music, err := wav.Decode(trackData)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "bgm track is not decodable audio", err)
	}

	mixed, err := wav.MixUnder(voice, music, o.params.GainDB, o.params.DuckRatio)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "mix soundtrack", err)
	}

	info := mixed.Info()
	return &Result{
		Data: mixed.Encode(),
		Meta: map[string]string{
			"sample_rate": strconv.Itoa(info.SampleRate),
			"channels":    strconv.Itoa(info.Channels),
			"duration_ms": strconv.FormatInt(info.Duration.Milliseconds(), 10),
			"track_id":    o.params.TrackID,
		},
	}, nil
}
