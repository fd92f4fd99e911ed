// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"strconv"
	"time"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/fingerprint"
	"github.com/wishreel/wishreel/internal/prosody"
)

const (
	prosodyVersion = "v1"
	prosodyTTL     = time.Hour
)

// ProsodyEngine is the confidence-gated adjustment engine.
type ProsodyEngine interface {
	Adjust(ctx context.Context, original []byte, plan prosody.Plan) (prosody.Result, error)
}

// ProsodyAdjuster reshapes the synthesized speech. It needs no device
// memory: the DSP runs in the gateway and the energy pass is local.
type ProsodyAdjuster struct {
	engine ProsodyEngine
	loader Loader
	plan   prosody.Plan
}

func NewProsodyAdjuster(engine ProsodyEngine, loader Loader, plan prosody.Plan) *ProsodyAdjuster {
	return &ProsodyAdjuster{engine: engine, loader: loader, plan: plan}
}

func (o *ProsodyAdjuster) Meta() Meta {
	return Meta{
		ID:        StageProsody,
		Version:   prosodyVersion,
		TTL:       prosodyTTL,
		Cacheable: true,
	}
}

// Fingerprint folds the audio and the three shift ratios. The preset label
// is just a name for those ratios, so it stays out of the key.
func (o *ProsodyAdjuster) Fingerprint(in Inputs) (string, error) {
	sha, err := in.Digest(SlotAudio)
	if err != nil {
		return "", err
	}
	return fingerprint.New(StageProsody, prosodyVersion).
		Input(sha).
		ParamFloat("pitch_shift", o.plan.Pitch).
		ParamFloat("tempo_shift", o.plan.Tempo).
		ParamFloat("energy_shift", o.plan.Energy).
		Sum(), nil
}

func (o *ProsodyAdjuster) Execute(ctx context.Context, in Inputs) (*Result, error) {
	sha, err := in.Digest(SlotAudio)
	if err != nil {
		return nil, err
	}
	original, err := o.loader.Get(sha)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load audio artifact", err)
	}

	res, err := o.engine.Adjust(ctx, original, o.plan)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		"confidence":   strconv.FormatFloat(res.Confidence, 'f', 4, 64),
		"was_fallback": strconv.FormatBool(res.WasFallback),
	}
	if o.plan.Preset != "" {
		meta["preset"] = o.plan.Preset
	}
	return &Result{Data: res.Audio, Meta: meta}, nil
}
