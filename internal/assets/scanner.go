// SPDX-License-Identifier: MIT

package assets

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wishreel/wishreel/internal/wav"
)

// voicesManifest is the file at the assets root declaring preset voices.
const voicesManifest = "voices.yaml"

// maxTrackBytes bounds how large a WAV the scanner will probe. Anything
// bigger is indexed as unreadable rather than loaded into memory.
const maxTrackBytes = 128 << 20

// Scanner walks the assets directory and indexes BGM tracks and the voice
// manifest into the store.
type Scanner struct {
	store  *Store
	root   string
	logger zerolog.Logger
}

// NewScanner creates a filesystem scanner rooted at dir.
func NewScanner(store *Store, dir string, logger zerolog.Logger) *Scanner {
	return &Scanner{store: store, root: dir, logger: logger}
}

type trackSidecar struct {
	Title string `yaml:"title"`
}

type voiceManifest struct {
	Voices []Voice `yaml:"voices"`
}

// Scan performs a full pass over the assets directory: WAV files become
// tracks, the voices manifest becomes presets, and rows for files that have
// disappeared are pruned. All writes happen in a single transaction so
// readers never observe a half-updated catalog.
func (sc *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{Started: time.Now()}

	// Resolve the root so symlinked files cannot escape it.
	rootResolved, err := filepath.EvalSymlinks(sc.root)
	if err != nil {
		result.Finished = time.Now()
		result.ErrorCount++
		result.LastError = fmt.Sprintf("assets dir unresolvable: %v", err)
		return result, fmt.Errorf("resolve assets dir: %w", err)
	}
	rootResolved = filepath.Clean(rootResolved)

	tx, err := sc.store.BeginTx(ctx)
	if err != nil {
		result.Finished = time.Now()
		result.ErrorCount++
		result.LastError = fmt.Sprintf("begin transaction: %v", err)
		return result, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	scanTime := time.Now()
	err = filepath.WalkDir(sc.root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			result.ErrorCount++
			result.LastError = walkErr.Error()
			sc.logger.Warn().Err(walkErr).Str("event", "assets.walk_error").Msg("asset scan error")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !strings.EqualFold(filepath.Ext(d.Name()), ".wav") {
			result.ItemsSkipped++
			return nil
		}

		// Symlink-safe confinement: the resolved file must stay under the
		// resolved root.
		fileResolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			result.ItemsSkipped++
			sc.logger.Warn().Err(err).Str("event", "assets.symlink_skip").Msg("asset scan: unresolvable file")
			return nil
		}
		rel, err := filepath.Rel(rootResolved, fileResolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			result.ErrorCount++
			result.LastError = fmt.Sprintf("path escapes assets dir: %s", d.Name())
			sc.logger.Warn().Str("event", "assets.confinement").Str("file", d.Name()).Msg("asset scan: path escape")
			return nil
		}

		track, err := sc.probeTrack(fileResolved, rel, scanTime)
		if err != nil {
			result.ErrorCount++
			result.LastError = err.Error()
			sc.logger.Warn().Err(err).Str("event", "assets.probe_error").Str("track", rel).Msg("asset scan: probe failed")
			return nil
		}

		if err := sc.store.UpsertTrack(ctx, tx, track); err != nil {
			result.ErrorCount++
			result.LastError = err.Error()
			sc.logger.Warn().Err(err).Str("event", "assets.db_error").Str("track", track.ID).Msg("asset scan: upsert failed")
			return nil
		}

		result.TracksFound++
		return nil
	})
	if err != nil {
		result.Finished = time.Now()
		result.ErrorCount++
		result.LastError = err.Error()
		return result, err
	}

	voices, err := sc.loadVoices()
	if err != nil {
		result.ErrorCount++
		result.LastError = err.Error()
		sc.logger.Warn().Err(err).Str("event", "assets.manifest_error").Msg("asset scan: voice manifest unreadable")
	}
	for _, v := range voices {
		if v.ID == "" {
			result.ItemsSkipped++
			continue
		}
		if err := sc.store.UpsertVoice(ctx, tx, v, scanTime); err != nil {
			result.ErrorCount++
			result.LastError = err.Error()
			continue
		}
		result.VoicesFound++
	}

	if err := sc.store.PruneStale(ctx, tx, scanTime); err != nil {
		result.Finished = time.Now()
		result.ErrorCount++
		result.LastError = err.Error()
		return result, fmt.Errorf("prune stale rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		result.Finished = time.Now()
		result.ErrorCount++
		result.LastError = err.Error()
		return result, fmt.Errorf("commit tx: %w", err)
	}
	committed = true

	result.Finished = time.Now()
	sc.logger.Info().
		Str("event", "assets.scan_complete").
		Int("tracks", result.TracksFound).
		Int("voices", result.VoicesFound).
		Int("skipped", result.ItemsSkipped).
		Int("errors", result.ErrorCount).
		Dur("duration", result.Finished.Sub(result.Started)).
		Msg("asset catalog scanned")

	return result, nil
}

// probeTrack stats and decodes one WAV file, producing its catalog row. A
// file that cannot be decoded is indexed as unreadable so lookups fail
// cleanly instead of surfacing garbage audio at mix time.
func (sc *Scanner) probeTrack(absPath, relPath string, scanTime time.Time) (Track, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return Track{}, fmt.Errorf("stat %s: %w", relPath, err)
	}

	id := strings.TrimSuffix(filepath.ToSlash(relPath), filepath.Ext(relPath))
	track := Track{
		ID:        id,
		Title:     strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath)),
		RelPath:   filepath.ToSlash(relPath),
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		ScanTime:  scanTime,
		Status:    TrackStatusOK,
	}

	if side, err := sc.loadSidecar(absPath); err == nil && side.Title != "" {
		track.Title = side.Title
	}

	if info.Size() > maxTrackBytes {
		track.Status = TrackStatusUnreadable
		return track, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		track.Status = TrackStatusUnreadable
		return track, nil
	}
	clip, err := wav.Decode(data)
	if err != nil {
		track.Status = TrackStatusUnreadable
		return track, nil
	}

	wi := clip.Info()
	track.DurationMS = wi.Duration.Milliseconds()
	track.SampleRate = wi.SampleRate
	track.Channels = wi.Channels
	return track, nil
}

// loadSidecar reads the optional <track>.yaml next to a WAV file.
func (sc *Scanner) loadSidecar(wavPath string) (trackSidecar, error) {
	var side trackSidecar
	sidePath := strings.TrimSuffix(wavPath, filepath.Ext(wavPath)) + ".yaml"
	data, err := os.ReadFile(sidePath)
	if err != nil {
		return side, err
	}
	if err := yaml.Unmarshal(data, &side); err != nil {
		return side, err
	}
	return side, nil
}

// loadVoices reads the voices manifest at the assets root. A missing
// manifest is not an error; it just means no presets are declared.
func (sc *Scanner) loadVoices() ([]Voice, error) {
	data, err := os.ReadFile(filepath.Join(sc.root, voicesManifest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m voiceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", voicesManifest, err)
	}
	return m.Voices, nil
}
