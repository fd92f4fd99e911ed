// SPDX-License-Identifier: MIT

package prosody

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/metrics"
	"github.com/wishreel/wishreel/internal/wav"
)

// peakCeiling caps the output amplitude when energy scaling would clip.
const peakCeiling = 0.95

// Confidence multipliers. Applied in order; the product decides acceptance.
const (
	pitchPenalty = 0.3
	peakPenalty  = 0.5
	tempoPenalty = 0.6
)

// Gateway runs the pitch/tempo DSP. Satisfied by *inference.Client.
type Gateway interface {
	AdjustProsody(ctx context.Context, wavData []byte, pitch, tempo float64) (*inference.ProsodyResult, error)
}

// Acceptor decides whether an adjustment ships. detail carries the measured
// ratios and peak that produced the confidence.
type Acceptor func(confidence float64, detail map[string]float64) bool

// DefaultAcceptor accepts at the standard threshold.
func DefaultAcceptor(confidence float64, _ map[string]float64) bool {
	return confidence >= ConfidenceThreshold
}

// Result is the outcome of one adjustment. WasFallback implies Audio is the
// original input, byte for byte.
type Result struct {
	Audio       []byte
	Confidence  float64
	WasFallback bool
	Detail      map[string]float64
}

// Engine applies a Plan to synthesized speech.
type Engine struct {
	gateway  Gateway
	acceptor Acceptor
	logger   zerolog.Logger
}

// NewEngine creates an engine. A nil acceptor uses DefaultAcceptor.
func NewEngine(gw Gateway, acceptor Acceptor, logger zerolog.Logger) *Engine {
	if acceptor == nil {
		acceptor = DefaultAcceptor
	}
	return &Engine{gateway: gw, acceptor: acceptor, logger: logger}
}

// Adjust applies the plan to original (a 16-bit PCM WAV). It returns an
// error only when ctx ends; every other failure mode falls back to the
// original audio with WasFallback set.
func (e *Engine) Adjust(ctx context.Context, original []byte, plan Plan) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fault.Wrap(fault.KindOf(err), "prosody adjust interrupted", err)
	}

	if plan.Identity() {
		return Result{
			Audio:      original,
			Confidence: 1.0,
			Detail:     map[string]float64{"pitch_ratio": 1.0, "tempo_ratio": 1.0, "peak": 0},
		}, nil
	}

	adjusted := original
	pitchRatio, tempoRatio := 1.0, 1.0

	if plan.Pitch != 1.0 || plan.Tempo != 1.0 {
		res, err := e.gateway.AdjustProsody(ctx, original, plan.Pitch, plan.Tempo)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, fault.Wrap(fault.KindOf(ctxErr), "prosody adjust interrupted", ctxErr)
			}
			return e.engineFallback(original, "dsp call failed", err), nil
		}
		adjusted = res.Audio
		pitchRatio = res.PitchRatio
		tempoRatio = res.TempoRatio
	}

	clip, err := wav.Decode(adjusted)
	if err != nil {
		return e.engineFallback(original, "adjusted audio undecodable", err), nil
	}

	if plan.Energy != 1.0 {
		factor := plan.Energy
		if peak := clip.Peak(); peak*plan.Energy > 1.0 && peak > 0 {
			factor = peakCeiling / peak
		}
		clip.Scale(factor)
	}

	peak := clip.Peak()
	confidence := 1.0
	if pitchRatio < PitchMin || pitchRatio > PitchMax {
		confidence *= pitchPenalty
	}
	if peak > 0.99 {
		confidence *= peakPenalty
	}
	if tempoRatio < TempoMin || tempoRatio > TempoMax {
		confidence *= tempoPenalty
	}

	detail := map[string]float64{
		"pitch_ratio": pitchRatio,
		"tempo_ratio": tempoRatio,
		"peak":        peak,
	}

	if !e.acceptor(confidence, detail) {
		metrics.RecordProsodyFallback("low_confidence")
		e.logger.Info().
			Float64("confidence", confidence).
			Float64("pitch_ratio", pitchRatio).
			Float64("tempo_ratio", tempoRatio).
			Float64("peak", peak).
			Str("preset", plan.Preset).
			Msg("prosody confidence below threshold, keeping original audio")
		return Result{Audio: original, Confidence: confidence, WasFallback: true, Detail: detail}, nil
	}

	return Result{Audio: clip.Encode(), Confidence: confidence, Detail: detail}, nil
}

func (e *Engine) engineFallback(original []byte, reason string, err error) Result {
	metrics.RecordProsodyFallback("engine_error")
	e.logger.Warn().Err(err).Str("reason", reason).Msg("prosody engine error, keeping original audio")
	return Result{Audio: original, Confidence: 0, WasFallback: true}
}
