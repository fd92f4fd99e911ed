// SPDX-License-Identifier: MIT

package operator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/wav"
)

// memLoader serves artifacts from a map, keyed by arbitrary test digests.
type memLoader map[string][]byte

func (m memLoader) Get(sha string) ([]byte, error) {
	data, ok := m[sha]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", sha)
	}
	return data, nil
}

func inputs(artifacts map[string]string) Inputs {
	return Inputs{TaskID: "task-1", TmpDir: "/tmp/task-1", Artifacts: artifacts}
}

// smallPNG encodes a real width x height gray image.
func smallPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

// bombPNG builds a minimal PNG whose header declares huge dimensions while
// the file itself stays tiny, the shape of a decompression bomb.
func bombPNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8 // bit depth, grayscale

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(ihdr)))
	buf.Write(length[:])
	buf.WriteString("IHDR")
	buf.Write(ihdr)
	crc := crc32.NewIEEE()
	crc.Write([]byte("IHDR"))
	crc.Write(ihdr)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
	return buf.Bytes()
}

// speechWAV returns a mono 22.05kHz sine tone of the given length.
func speechWAV(d time.Duration) []byte {
	return wav.Tone(440, 0.5, d, 22050).Encode()
}
