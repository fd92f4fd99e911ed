// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

type fakeRenderer struct {
	submitErr error
	awaitErr  error
	result    *talkinghead.Result

	gotImage   []byte
	gotAudio   []byte
	gotProfile string
	gotTaskID  string
}

func (f *fakeRenderer) Submit(_ context.Context, image, audio []byte, profile string) (string, error) {
	f.gotImage = image
	f.gotAudio = audio
	f.gotProfile = profile
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "tlk_1", nil
}

func (f *fakeRenderer) Await(_ context.Context, providerTaskID string) (*talkinghead.Result, error) {
	f.gotTaskID = providerTaskID
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return f.result, nil
}

func renderInputs(t *testing.T) (memLoader, Inputs) {
	t.Helper()
	loader := memLoader{
		"img-sha":   smallPNG(t, 4, 4),
		"audio-sha": speechWAV(50 * time.Millisecond),
	}
	return loader, inputs(map[string]string{SlotImage: "img-sha", SlotAudio: "audio-sha"})
}

func TestTalkingHeadQualityMapping(t *testing.T) {
	cases := []struct {
		quality string
		profile string
	}{
		{"", "512"},
		{QualityStandard, "512"},
		{QualityHigh, "720"},
	}
	for _, tc := range cases {
		op, err := NewTalkingHead(&fakeRenderer{}, memLoader{}, tc.quality)
		require.NoError(t, err, "quality %q", tc.quality)
		assert.Equal(t, tc.profile, op.profile, "quality %q", tc.quality)
	}

	_, err := NewTalkingHead(&fakeRenderer{}, memLoader{}, "cinema")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestTalkingHeadExecute(t *testing.T) {
	r := &fakeRenderer{result: &talkinghead.Result{
		Video:       []byte("mp4 bytes"),
		ContentType: "video/mp4",
	}}
	loader, in := renderInputs(t)
	op, err := NewTalkingHead(r, loader, QualityHigh)
	require.NoError(t, err)

	res, err := op.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4 bytes"), res.Data)
	assert.Equal(t, "video/mp4", res.Meta["content_type"])
	assert.Equal(t, "tlk_1", res.Meta["provider_task_id"])
	assert.Equal(t, "720", r.gotProfile)
	assert.Equal(t, loader["img-sha"], r.gotImage)
	assert.Equal(t, loader["audio-sha"], r.gotAudio)
	assert.Equal(t, "tlk_1", r.gotTaskID)
}

func TestTalkingHeadNotCached(t *testing.T) {
	op, err := NewTalkingHead(&fakeRenderer{}, memLoader{}, "")
	require.NoError(t, err)
	assert.False(t, op.Meta().Cacheable, "provider renders are unique per task")
}

func TestTalkingHeadSubmitRejectedIsFatal(t *testing.T) {
	r := &fakeRenderer{submitErr: &talkinghead.ProviderError{
		Sentinel: talkinghead.ErrProviderRejected,
		Status:   400,
		Message:  "image has no face",
	}}
	loader, in := renderInputs(t)
	op, err := NewTalkingHead(r, loader, "")
	require.NoError(t, err)

	_, err = op.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, fault.KindUpstreamFailed, fault.KindOf(err))
	assert.False(t, fault.Retriable(err))
}

func TestTalkingHeadAwaitDeadlineIsTimeout(t *testing.T) {
	r := &fakeRenderer{awaitErr: &talkinghead.ProviderError{
		Sentinel:  talkinghead.ErrDeadline,
		Operation: "await",
	}}
	loader, in := renderInputs(t)
	op, err := NewTalkingHead(r, loader, "")
	require.NoError(t, err)

	_, err = op.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.True(t, fault.Retriable(err), "a re-render may finish in time")
}

func TestTalkingHeadTaskFailedIsFatal(t *testing.T) {
	r := &fakeRenderer{awaitErr: &talkinghead.ProviderError{
		Sentinel: talkinghead.ErrTaskFailed,
		Message:  "face not found",
	}}
	loader, in := renderInputs(t)
	op, err := NewTalkingHead(r, loader, "")
	require.NoError(t, err)

	_, err = op.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, fault.KindUpstreamFailed, fault.KindOf(err))
	assert.False(t, fault.Retriable(err))
}

func TestTalkingHeadFingerprint(t *testing.T) {
	loader, in := renderInputs(t)
	std, err := NewTalkingHead(&fakeRenderer{}, loader, QualityStandard)
	require.NoError(t, err)
	high, err := NewTalkingHead(&fakeRenderer{}, loader, QualityHigh)
	require.NoError(t, err)

	a, err := std.Fingerprint(in)
	require.NoError(t, err)
	b, err := high.Fingerprint(in)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "render profile is part of the identity")

	c, err := std.Fingerprint(inputs(map[string]string{SlotImage: "img-sha", SlotAudio: "other-sha"}))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
