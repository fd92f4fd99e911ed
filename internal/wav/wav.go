// SPDX-License-Identifier: MIT

// Package wav parses, edits, and emits 16-bit PCM WAV audio. It backs the
// background-music mixer and the prosody peak analysis.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrFormat reports a malformed RIFF container.
	ErrFormat = errors.New("wav: malformed RIFF container")

	// ErrUnsupported reports a container that parses but is not 16-bit PCM.
	ErrUnsupported = errors.New("wav: unsupported encoding (want 16-bit PCM)")
)

const headerSize = 44

// Clip is decoded 16-bit PCM audio. Samples are interleaved by channel.
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Info summarizes a clip without exposing its samples.
type Info struct {
	SampleRate int
	Channels   int
	Duration   time.Duration
	Frames     int
}

// Decode parses a WAV file. Chunks other than "fmt " and "data" are skipped,
// so containers with LIST or fact chunks decode fine.
func Decode(b []byte) (*Clip, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, ErrFormat
	}

	var (
		c       Clip
		haveFmt bool
		data    []byte
	)

	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(b) {
			return nil, ErrFormat
		}
		chunk := b[off : off+size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, ErrFormat
			}
			audioFormat := binary.LittleEndian.Uint16(chunk[0:2])
			channels := int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate := int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits := binary.LittleEndian.Uint16(chunk[14:16])
			if audioFormat != 1 || bits != 16 {
				return nil, ErrUnsupported
			}
			if channels < 1 || channels > 8 || sampleRate <= 0 {
				return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupported, channels, sampleRate)
			}
			c.Channels = channels
			c.SampleRate = sampleRate
			haveFmt = true
		case "data":
			data = chunk
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		off += size + (size & 1)
	}

	if !haveFmt || data == nil {
		return nil, ErrFormat
	}
	if len(data)%2 != 0 {
		return nil, ErrFormat
	}

	c.Samples = make([]int16, len(data)/2)
	for i := range c.Samples {
		c.Samples[i] = int16(binary.LittleEndian.Uint16(data[2*i : 2*i+2]))
	}
	return &c, nil
}

// Encode emits the clip as a canonical 44-byte-header WAV file.
func (c *Clip) Encode() []byte {
	dataSize := len(c.Samples) * 2
	buf := make([]byte, headerSize+dataSize)

	byteRate := c.SampleRate * c.Channels * 2
	blockAlign := c.Channels * 2

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(c.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(c.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(buf[headerSize+2*i:headerSize+2*i+2], uint16(s))
	}
	return buf
}

// Info returns the clip's format summary.
func (c *Clip) Info() Info {
	return Info{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Duration:   c.Duration(),
		Frames:     c.Frames(),
	}
}

// Frames returns the number of per-channel sample frames.
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the clip's play time.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Peak returns the largest absolute sample as a fraction of full scale.
func (c *Clip) Peak() float64 {
	var peak int32
	for _, s := range c.Samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768.0
}

// ApplyGain scales all samples by the given decibel amount, clamping at
// full scale.
func (c *Clip) ApplyGain(db float64) {
	c.Scale(math.Pow(10, db/20))
}

// Scale multiplies every sample by a linear factor, clamping at full scale.
func (c *Clip) Scale(factor float64) {
	for i, s := range c.Samples {
		c.Samples[i] = clampSample(float64(s) * factor)
	}
}

// Clone returns a deep copy of the clip.
func (c *Clip) Clone() *Clip {
	out := &Clip{SampleRate: c.SampleRate, Channels: c.Channels}
	out.Samples = make([]int16, len(c.Samples))
	copy(out.Samples, c.Samples)
	return out
}

// Silence creates a zero-filled clip of the given duration.
func Silence(d time.Duration, sampleRate, channels int) *Clip {
	frames := int(d.Seconds() * float64(sampleRate))
	return &Clip{
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    make([]int16, frames*channels),
	}
}

// Tone creates a mono sine wave at the given frequency and amplitude
// (0.0 to 1.0 of full scale). Used by tests and the asset scanner probe.
func Tone(frequencyHz, amplitude float64, d time.Duration, sampleRate int) *Clip {
	frames := int(d.Seconds() * float64(sampleRate))
	samples := make([]int16, frames)
	peak := amplitude * 32767.0
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(peak * math.Sin(2.0*math.Pi*frequencyHz*t))
	}
	return &Clip{SampleRate: sampleRate, Channels: 1, Samples: samples}
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
