// SPDX-License-Identifier: MIT

// Package fingerprint builds stable cache keys for stage computations.
// The key is SHA-256 over a length-prefixed field sequence: operator id,
// operator version, input hashes in call order, then parameters in key
// order. The same logical computation always hashes to the same key,
// regardless of parameter call order or Unicode encoding of text values.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// floatDecimals fixes the rounding grid for float parameters. Values that
// differ only below this grid hash identically.
const floatDecimals = 4

type param struct {
	key   string
	value string
}

// Builder accumulates fingerprint fields. Not safe for concurrent use.
type Builder struct {
	operatorID string
	version    string
	inputs     []string
	params     []param
}

// New starts a fingerprint for one operator invocation.
func New(operatorID, version string) *Builder {
	return &Builder{operatorID: operatorID, version: version}
}

// Input appends an input artifact hash. Input order is significant.
func (b *Builder) Input(sha string) *Builder {
	b.inputs = append(b.inputs, sha)
	return b
}

// Param adds a text parameter. The value is NFC-normalized so visually
// identical strings with different codepoint sequences hash the same.
func (b *Builder) Param(key, value string) *Builder {
	b.params = append(b.params, param{key: key, value: norm.NFC.String(value)})
	return b
}

// ParamFloat adds a float parameter rounded to the fixed decimal grid.
func (b *Builder) ParamFloat(key string, value float64) *Builder {
	b.params = append(b.params, param{key: key, value: strconv.FormatFloat(value, 'f', floatDecimals, 64)})
	return b
}

// ParamInt adds an integer parameter.
func (b *Builder) ParamInt(key string, value int) *Builder {
	b.params = append(b.params, param{key: key, value: strconv.Itoa(value)})
	return b
}

// ParamBool adds a boolean parameter.
func (b *Builder) ParamBool(key string, value bool) *Builder {
	b.params = append(b.params, param{key: key, value: strconv.FormatBool(value)})
	return b
}

// Sum returns the hex SHA-256 of the canonical field sequence.
func (b *Builder) Sum() string {
	h := sha256.New()
	writeField(h, b.operatorID)
	writeField(h, b.version)
	for _, in := range b.inputs {
		writeField(h, in)
	}

	sorted := make([]param, len(b.params))
	copy(sorted, b.params)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].key < sorted[j].key })
	for _, p := range sorted {
		writeField(h, p.key)
		writeField(h, p.value)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// writeField prefixes each field with its byte length so that adjacent
// fields can never collide by concatenation.
func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
