// SPDX-License-Identifier: MIT

// Package prosody shapes synthesized speech toward a celebratory delivery.
// Every adjustment is gated by a deterministic confidence score; anything
// below the acceptance threshold falls back to the untouched original, so a
// caller never receives degraded audio or a prosody error.
package prosody

import (
	"github.com/wishreel/wishreel/internal/fault"
)

// Hard ratio bounds. Explicit values outside these are rejected at input.
const (
	PitchMin  = 0.90
	PitchMax  = 1.25
	TempoMin  = 0.95
	TempoMax  = 1.15
	EnergyMin = 1.00
	EnergyMax = 1.30
)

// ConfidenceThreshold is the default acceptance cutoff.
const ConfidenceThreshold = 0.7

// Plan is a resolved set of adjustment ratios.
type Plan struct {
	Pitch  float64
	Tempo  float64
	Energy float64
	Preset string // the preset this plan came from, "" when fully explicit
}

// Identity reports whether the plan changes nothing.
func (p Plan) Identity() bool {
	return p.Pitch == 1.0 && p.Tempo == 1.0 && p.Energy == 1.0
}

// presets map moods to ratio triples, pre-clamped to the hard bounds.
// Calm's nominal tempo 0.90 and energy 0.85 map to the floors.
var presets = map[string]Plan{
	"celebration": {Pitch: 1.15, Tempo: 1.10, Energy: 1.20},
	"energetic":   {Pitch: 1.10, Tempo: 1.15, Energy: 1.25},
	"joyful":      {Pitch: 1.20, Tempo: 1.05, Energy: 1.15},
	"calm":        {Pitch: 0.95, Tempo: 0.95, Energy: 1.00},
	"neutral":     {Pitch: 1.00, Tempo: 1.00, Energy: 1.00},
}

// Params are explicit adjustment ratios from the API. Nil fields keep the
// preset (or neutral) value.
type Params struct {
	PitchShift  *float64
	TempoShift  *float64
	EnergyShift *float64
}

// Resolve turns a preset name and explicit overrides into a validated Plan.
// The empty preset means neutral. Explicit values win over the preset.
func Resolve(preset string, explicit Params) (Plan, error) {
	plan := presets["neutral"]
	if preset != "" {
		p, ok := presets[preset]
		if !ok {
			return Plan{}, fault.Newf(fault.KindInvalidInput, "unknown prosody preset %q", preset)
		}
		plan = p
		plan.Preset = preset
	}

	if explicit.PitchShift != nil {
		plan.Pitch = *explicit.PitchShift
	}
	if explicit.TempoShift != nil {
		plan.Tempo = *explicit.TempoShift
	}
	if explicit.EnergyShift != nil {
		plan.Energy = *explicit.EnergyShift
	}

	if plan.Pitch < PitchMin || plan.Pitch > PitchMax {
		return Plan{}, fault.Newf(fault.KindInvalidInput, "pitch_shift %.4f outside [%.2f, %.2f]", plan.Pitch, PitchMin, PitchMax)
	}
	if plan.Tempo < TempoMin || plan.Tempo > TempoMax {
		return Plan{}, fault.Newf(fault.KindInvalidInput, "tempo_shift %.4f outside [%.2f, %.2f]", plan.Tempo, TempoMin, TempoMax)
	}
	if plan.Energy < EnergyMin || plan.Energy > EnergyMax {
		return Plan{}, fault.Newf(fault.KindInvalidInput, "energy_shift %.4f outside [%.2f, %.2f]", plan.Energy, EnergyMin, EnergyMax)
	}

	return plan, nil
}

// Presets lists the recognized preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
