// SPDX-License-Identifier: MIT

// Package assets indexes the bundled media catalog: background-music tracks
// scanned from the assets directory and the preset voice profiles declared in
// its manifest. The catalog backs BGM selection at submission time and track
// lookup during mixing.
package assets

import (
	"fmt"
	"time"
)

// TrackStatus marks whether an indexed track is usable.
type TrackStatus string

const (
	TrackStatusOK         TrackStatus = "ok"         // decodable 16-bit PCM WAV
	TrackStatusUnreadable TrackStatus = "unreadable" // present but not decodable
)

func (s TrackStatus) String() string {
	return string(s)
}

// Track is one background-music file. RelPath is relative to the assets
// directory; absolute paths never leave this package.
type Track struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	RelPath    string      `json:"-"`
	SizeBytes  int64       `json:"size_bytes"`
	DurationMS int64       `json:"duration_ms"`
	SampleRate int         `json:"sample_rate"`
	Channels   int         `json:"channels"`
	ModTime    time.Time   `json:"-"`
	ScanTime   time.Time   `json:"-"`
	Status     TrackStatus `json:"-"`
}

// Voice is one preset synthesis voice from the manifest.
type Voice struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Language    string `json:"language,omitempty" yaml:"language,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ScanResult summarizes one catalog scan.
type ScanResult struct {
	Started      time.Time
	Finished     time.Time
	TracksFound  int
	VoicesFound  int
	ItemsSkipped int
	ErrorCount   int
	LastError    string
}

// Error returns a human-readable summary when the scan had issues.
func (s *ScanResult) Error() string {
	if s.ErrorCount == 0 {
		return ""
	}
	return fmt.Sprintf("scan completed with %d errors: %s", s.ErrorCount, s.LastError)
}
