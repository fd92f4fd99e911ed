// SPDX-License-Identifier: MIT

package wav

import (
	"fmt"
	"math"
)

// Sidechain envelope parameters. The envelope follows the voice signal with
// a short attack so music dips quickly when speech starts, and a longer
// release so it swells back smoothly.
const (
	envAttackMs  = 10.0
	envReleaseMs = 200.0
	envFloor     = 0.02 // roughly -34 dBFS
)

// MixUnder mixes music under a voice clip. The music is converted to the
// voice's sample rate and channel count, looped or truncated to the voice
// length, attenuated by gainDB, and ducked by duckRatio wherever the voice
// envelope is above the noise floor. The result has exactly the voice's
// duration and format.
//
// duckRatio is the fraction of music level kept while speech is active:
// 1.0 means no ducking, 0.3 means music drops to 30%.
func MixUnder(voice, music *Clip, gainDB, duckRatio float64) (*Clip, error) {
	if voice == nil || len(voice.Samples) == 0 {
		return nil, fmt.Errorf("wav: empty voice clip")
	}
	if music == nil || len(music.Samples) == 0 {
		return nil, fmt.Errorf("wav: empty music clip")
	}
	if duckRatio < 0 || duckRatio > 1 {
		return nil, fmt.Errorf("wav: duck ratio %v out of range [0,1]", duckRatio)
	}

	bed := music
	if bed.Channels != voice.Channels {
		bed = convertChannels(bed, voice.Channels)
	}
	if bed.SampleRate != voice.SampleRate {
		bed = resample(bed, voice.SampleRate)
	}
	bed = fitLength(bed, voice.Frames())

	gain := math.Pow(10, gainDB/20)

	out := &Clip{
		SampleRate: voice.SampleRate,
		Channels:   voice.Channels,
		Samples:    make([]int16, len(voice.Samples)),
	}

	attack := envCoeff(envAttackMs, voice.SampleRate)
	release := envCoeff(envReleaseMs, voice.SampleRate)

	var env float64
	frames := voice.Frames()
	ch := voice.Channels
	for f := 0; f < frames; f++ {
		// Envelope follows the loudest channel of the frame.
		var mag float64
		for c := 0; c < ch; c++ {
			v := math.Abs(float64(voice.Samples[f*ch+c])) / 32768.0
			if v > mag {
				mag = v
			}
		}
		if mag > env {
			env = attack*env + (1-attack)*mag
		} else {
			env = release*env + (1-release)*mag
		}

		duck := 1.0
		if env > envFloor {
			duck = duckRatio
		}

		for c := 0; c < ch; c++ {
			i := f*ch + c
			mixed := float64(voice.Samples[i]) + float64(bed.Samples[i])*gain*duck
			out.Samples[i] = clampSample(mixed)
		}
	}
	return out, nil
}

// envCoeff derives the one-pole smoothing coefficient for a time constant.
func envCoeff(ms float64, sampleRate int) float64 {
	return math.Exp(-1.0 / (ms / 1000.0 * float64(sampleRate)))
}

// convertChannels duplicates mono into N channels or averages multi-channel
// down to the target count.
func convertChannels(c *Clip, channels int) *Clip {
	frames := c.Frames()
	out := &Clip{
		SampleRate: c.SampleRate,
		Channels:   channels,
		Samples:    make([]int16, frames*channels),
	}
	for f := 0; f < frames; f++ {
		var sum int32
		for i := 0; i < c.Channels; i++ {
			sum += int32(c.Samples[f*c.Channels+i])
		}
		avg := int16(sum / int32(c.Channels))
		for i := 0; i < channels; i++ {
			out.Samples[f*channels+i] = avg
		}
	}
	return out
}

// resample converts the clip to a new sample rate by linear interpolation.
// Good enough for background beds; speech never passes through here.
func resample(c *Clip, sampleRate int) *Clip {
	srcFrames := c.Frames()
	if srcFrames == 0 {
		return &Clip{SampleRate: sampleRate, Channels: c.Channels}
	}
	dstFrames := int(float64(srcFrames) * float64(sampleRate) / float64(c.SampleRate))
	out := &Clip{
		SampleRate: sampleRate,
		Channels:   c.Channels,
		Samples:    make([]int16, dstFrames*c.Channels),
	}
	ratio := float64(c.SampleRate) / float64(sampleRate)
	for f := 0; f < dstFrames; f++ {
		pos := float64(f) * ratio
		i0 := int(pos)
		i1 := i0 + 1
		if i1 >= srcFrames {
			i1 = srcFrames - 1
		}
		frac := pos - float64(i0)
		for ch := 0; ch < c.Channels; ch++ {
			s0 := float64(c.Samples[i0*c.Channels+ch])
			s1 := float64(c.Samples[i1*c.Channels+ch])
			out.Samples[f*c.Channels+ch] = clampSample(s0 + (s1-s0)*frac)
		}
	}
	return out
}

// fitLength loops or truncates the clip to exactly the given frame count.
func fitLength(c *Clip, frames int) *Clip {
	out := &Clip{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Samples:    make([]int16, frames*c.Channels),
	}
	srcLen := len(c.Samples)
	for i := range out.Samples {
		out.Samples[i] = c.Samples[i%srcLen]
	}
	return out
}
