// SPDX-License-Identifier: MIT

package operator

import (
	"bytes"
	"context"
	"image"
	"strconv"
	"time"

	// Image formats accepted at submission; registered for DecodeConfig.
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/fingerprint"
	"github.com/wishreel/wishreel/internal/inference"
)

const (
	matteVersion = "v1"
	matteTTL     = 24 * time.Hour

	// Images whose pixel count exceeds their byte size by this factor are
	// decompression bombs.
	imageBombRatio = 1000
)

// MatteGateway is the slice of the inference client the remover needs.
type MatteGateway interface {
	Matte(ctx context.Context, req inference.MatteRequest) ([]byte, error)
}

// MatteParams configures one background removal run.
type MatteParams struct {
	Smoothing bool
}

// DefaultMatteParams returns the documented defaults.
func DefaultMatteParams() MatteParams {
	return MatteParams{Smoothing: true}
}

// BackgroundRemover produces an RGBA matte of the source image. A detection
// artifact, when present, contributes the primary person's bbox as a hint;
// the matte itself always covers the full frame.
type BackgroundRemover struct {
	gw     MatteGateway
	loader Loader
	params MatteParams
	logger zerolog.Logger
}

func NewBackgroundRemover(gw MatteGateway, loader Loader, p MatteParams, logger zerolog.Logger) *BackgroundRemover {
	return &BackgroundRemover{gw: gw, loader: loader, params: p, logger: logger}
}

func (o *BackgroundRemover) Meta() Meta {
	return Meta{
		ID:        StageMatting,
		Version:   matteVersion,
		Model:     ModelMatting,
		TTL:       matteTTL,
		Cacheable: true,
	}
}

// Fingerprint folds the image and the smoothing flag. The bbox hint does
// not influence the matte, so it is not part of the key.
func (o *BackgroundRemover) Fingerprint(in Inputs) (string, error) {
	sha, err := in.Digest(SlotImage)
	if err != nil {
		return "", err
	}
	return fingerprint.New(StageMatting, matteVersion).
		Input(sha).
		ParamBool("smoothing", o.params.Smoothing).
		Sum(), nil
}

func (o *BackgroundRemover) Execute(ctx context.Context, in Inputs) (*Result, error) {
	sha, err := in.Digest(SlotImage)
	if err != nil {
		return nil, err
	}
	img, err := o.loader.Get(sha)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load image artifact", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "unsupported or corrupt image", err)
	}
	pixels := cfg.Width * cfg.Height
	if pixels <= 0 {
		return nil, fault.Newf(fault.KindInvalidInput, "degenerate image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if float64(pixels)/float64(len(img)) > imageBombRatio {
		return nil, fault.Newf(fault.KindInvalidInput,
			"image expands %d pixels from %d bytes, rejecting as decompression bomb", pixels, len(img))
	}

	out, err := o.gw.Matte(ctx, inference.MatteRequest{
		Image:     img,
		Smoothing: o.params.Smoothing,
		BBoxHint:  o.bboxHint(in),
	})
	if err != nil {
		return nil, classifyGateway("matte", err)
	}

	outCfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamFailed, "matte output is not a decodable image", err).Final()
	}
	if outCfg.Width != cfg.Width || outCfg.Height != cfg.Height {
		return nil, fault.Newf(fault.KindUpstreamFailed,
			"matte dimensions %dx%d differ from input %dx%d",
			outCfg.Width, outCfg.Height, cfg.Width, cfg.Height).Final()
	}

	return &Result{
		Data: out,
		Meta: map[string]string{
			"width":  strconv.Itoa(outCfg.Width),
			"height": strconv.Itoa(outCfg.Height),
			"format": "png",
		},
	}, nil
}

// bboxHint extracts the primary person's bbox from the detection artifact.
// Any problem along the way degrades to no hint.
func (o *BackgroundRemover) bboxHint(in Inputs) []float64 {
	sha, ok := in.Artifacts[SlotDetection]
	if !ok || sha == "" {
		return nil
	}
	data, err := o.loader.Get(sha)
	if err != nil {
		o.logger.Warn().Err(err).Msg("detection artifact unreadable, matting without hint")
		return nil
	}
	det, err := DecodeDetections(data)
	if err != nil {
		o.logger.Warn().Err(err).Msg("detection artifact undecodable, matting without hint")
		return nil
	}
	if det.PersonsDetected == 0 || len(det.Persons) == 0 {
		return nil
	}
	b := det.Persons[0].BBox
	return []float64{b[0], b[1], b[2], b[3]}
}
