// SPDX-License-Identifier: MIT

package operator

import (
	"context"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/fingerprint"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

const talkingHeadVersion = "v1"

// Video quality levels accepted at submission.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// renderProfiles maps the public quality enum onto provider render
// profiles.
var renderProfiles = map[string]string{
	QualityStandard: "512",
	QualityHigh:     "720",
}

// Renderer is the provider client surface the operator drives.
type Renderer interface {
	Submit(ctx context.Context, image, audio []byte, profile string) (string, error)
	Await(ctx context.Context, providerTaskID string) (*talkinghead.Result, error)
}

// TalkingHead renders the lip-synced video through the external provider.
// Its output is the final video, which is never cached.
type TalkingHead struct {
	renderer Renderer
	loader   Loader
	profile  string
}

// NewTalkingHead resolves the quality level to a provider render profile.
// An empty quality means standard.
func NewTalkingHead(r Renderer, loader Loader, quality string) (*TalkingHead, error) {
	if quality == "" {
		quality = QualityStandard
	}
	profile, ok := renderProfiles[quality]
	if !ok {
		return nil, fault.Newf(fault.KindInvalidInput, "unknown video_quality %q", quality)
	}
	return &TalkingHead{renderer: r, loader: loader, profile: profile}, nil
}

func (o *TalkingHead) Meta() Meta {
	return Meta{
		ID:        StageTalkingHead,
		Version:   talkingHeadVersion,
		Cacheable: false,
	}
}

func (o *TalkingHead) Fingerprint(in Inputs) (string, error) {
	imageSHA, err := in.Digest(SlotImage)
	if err != nil {
		return "", err
	}
	audioSHA, err := in.Digest(SlotAudio)
	if err != nil {
		return "", err
	}
	return fingerprint.New(StageTalkingHead, talkingHeadVersion).
		Input(imageSHA).
		Input(audioSHA).
		Param("render_profile", o.profile).
		Sum(), nil
}

func (o *TalkingHead) Execute(ctx context.Context, in Inputs) (*Result, error) {
	imageSHA, err := in.Digest(SlotImage)
	if err != nil {
		return nil, err
	}
	audioSHA, err := in.Digest(SlotAudio)
	if err != nil {
		return nil, err
	}
	image, err := o.loader.Get(imageSHA)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load image artifact", err)
	}
	audio, err := o.loader.Get(audioSHA)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load audio artifact", err)
	}

	id, err := o.renderer.Submit(ctx, image, audio, o.profile)
	if err != nil {
		return nil, classifyProvider(err)
	}
	res, err := o.renderer.Await(ctx, id)
	if err != nil {
		return nil, classifyProvider(err)
	}

	return &Result{
		Data: res.Video,
		Meta: map[string]string{
			"content_type":     res.ContentType,
			"provider_task_id": id,
		},
	}, nil
}
