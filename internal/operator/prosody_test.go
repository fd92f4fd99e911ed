// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/prosody"
)

type fakeProsody struct {
	res  prosody.Result
	err  error
	got  prosody.Plan
	data []byte
}

func (f *fakeProsody) Adjust(_ context.Context, original []byte, plan prosody.Plan) (prosody.Result, error) {
	f.data = original
	f.got = plan
	return f.res, f.err
}

func TestProsodyExecutePassesPlanThrough(t *testing.T) {
	engine := &fakeProsody{res: prosody.Result{
		Audio:       []byte("shifted"),
		Confidence:  0.9123,
		WasFallback: false,
	}}
	loader := memLoader{"audio-sha": []byte("original")}
	plan := prosody.Plan{Pitch: 1.1, Tempo: 0.95, Energy: 1.0, Preset: "excited"}
	op := NewProsodyAdjuster(engine, loader, plan)

	res, err := op.Execute(context.Background(), inputs(map[string]string{SlotAudio: "audio-sha"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("shifted"), res.Data)
	assert.Equal(t, "0.9123", res.Meta["confidence"])
	assert.Equal(t, "false", res.Meta["was_fallback"])
	assert.Equal(t, "excited", res.Meta["preset"])
	assert.Equal(t, plan, engine.got)
	assert.Equal(t, []byte("original"), engine.data)
}

func TestProsodyFallbackSurfacesInMeta(t *testing.T) {
	engine := &fakeProsody{res: prosody.Result{
		Audio:       []byte("original"),
		Confidence:  0.31,
		WasFallback: true,
	}}
	loader := memLoader{"audio-sha": []byte("original")}
	op := NewProsodyAdjuster(engine, loader, prosody.Plan{Pitch: 1.4, Tempo: 1, Energy: 1})

	res, err := op.Execute(context.Background(), inputs(map[string]string{SlotAudio: "audio-sha"}))
	require.NoError(t, err)
	assert.Equal(t, "true", res.Meta["was_fallback"])
	assert.NotContains(t, res.Meta, "preset")
}

func TestProsodyFingerprintIgnoresPresetLabel(t *testing.T) {
	loader := memLoader{}
	named := NewProsodyAdjuster(&fakeProsody{}, loader, prosody.Plan{Pitch: 1.1, Tempo: 1.05, Energy: 1.1, Preset: "excited"})
	explicit := NewProsodyAdjuster(&fakeProsody{}, loader, prosody.Plan{Pitch: 1.1, Tempo: 1.05, Energy: 1.1})

	in := inputs(map[string]string{SlotAudio: "audio-sha"})
	a, err := named.Fingerprint(in)
	require.NoError(t, err)
	b, err := explicit.Fingerprint(in)
	require.NoError(t, err)
	assert.Equal(t, a, b, "the same ratios produce the same audio regardless of label")

	other := NewProsodyAdjuster(&fakeProsody{}, loader, prosody.Plan{Pitch: 1.2, Tempo: 1.05, Energy: 1.1})
	c, err := other.Fingerprint(in)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
