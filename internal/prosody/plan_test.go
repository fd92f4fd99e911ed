// SPDX-License-Identifier: MIT

package prosody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/fault"
)

func f(v float64) *float64 { return &v }

func TestResolvePresets(t *testing.T) {
	tests := []struct {
		preset string
		pitch  float64
		tempo  float64
		energy float64
	}{
		{"celebration", 1.15, 1.10, 1.20},
		{"energetic", 1.10, 1.15, 1.25},
		{"joyful", 1.20, 1.05, 1.15},
		{"calm", 0.95, 0.95, 1.00},
		{"neutral", 1.00, 1.00, 1.00},
	}

	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			plan, err := Resolve(tt.preset, Params{})
			require.NoError(t, err)
			assert.Equal(t, tt.pitch, plan.Pitch)
			assert.Equal(t, tt.tempo, plan.Tempo)
			assert.Equal(t, tt.energy, plan.Energy)
			assert.Equal(t, tt.preset, plan.Preset)
		})
	}
}

func TestResolveEmptyPresetIsNeutral(t *testing.T) {
	plan, err := Resolve("", Params{})
	require.NoError(t, err)
	assert.True(t, plan.Identity())
	assert.Empty(t, plan.Preset)
}

func TestResolveUnknownPreset(t *testing.T) {
	_, err := Resolve("melancholic", Params{})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestResolveExplicitOverridesPreset(t *testing.T) {
	plan, err := Resolve("celebration", Params{PitchShift: f(1.05)})
	require.NoError(t, err)
	assert.Equal(t, 1.05, plan.Pitch)
	assert.Equal(t, 1.10, plan.Tempo)
	assert.Equal(t, 1.20, plan.Energy)
}

func TestResolveBounds(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"pitch too low", Params{PitchShift: f(0.89)}},
		{"pitch too high", Params{PitchShift: f(1.26)}},
		{"tempo too low", Params{TempoShift: f(0.94)}},
		{"tempo too high", Params{TempoShift: f(1.16)}},
		{"energy below floor", Params{EnergyShift: f(0.99)}},
		{"energy too high", Params{EnergyShift: f(1.31)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve("", tt.params)
			require.Error(t, err)
			assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
		})
	}
}

func TestResolveBoundEdges(t *testing.T) {
	plan, err := Resolve("", Params{
		PitchShift:  f(PitchMax),
		TempoShift:  f(TempoMax),
		EnergyShift: f(EnergyMax),
	})
	require.NoError(t, err)
	assert.Equal(t, PitchMax, plan.Pitch)
	assert.Equal(t, TempoMax, plan.Tempo)
	assert.Equal(t, EnergyMax, plan.Energy)
}

func TestPresetsListed(t *testing.T) {
	assert.ElementsMatch(t, []string{"celebration", "energetic", "joyful", "calm", "neutral"}, Presets())
}
