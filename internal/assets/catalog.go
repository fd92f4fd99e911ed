// SPDX-License-Identifier: MIT

package assets

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
)

// Catalog is the queryable asset index. It owns the SQLite store, the
// directory scanner, and an optional filesystem watcher that keeps the
// index fresh while the daemon runs.
type Catalog struct {
	store   *Store
	scanner *Scanner
	root    string
	logger  zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// New opens the catalog database at dbPath and prepares a scanner over dir.
// Call Rescan to populate the index before serving lookups.
func New(dir, dbPath string, logger zerolog.Logger) (*Catalog, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open asset store: %w", err)
	}
	return &Catalog{
		store:   store,
		scanner: NewScanner(store, dir, logger),
		root:    dir,
		logger:  logger,
	}, nil
}

// Close stops the watcher (if running) and closes the store.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watcher = nil
	}
	c.mu.Unlock()
	return c.store.Close()
}

// Rescan runs one full pass over the assets directory.
func (c *Catalog) Rescan(ctx context.Context) (*ScanResult, error) {
	return c.scanner.Scan(ctx)
}

// Tracks lists all usable BGM tracks.
func (c *Catalog) Tracks(ctx context.Context) ([]Track, error) {
	return c.store.Tracks(ctx)
}

// TrackByID looks up one usable track; nil when unknown.
func (c *Catalog) TrackByID(ctx context.Context, id string) (*Track, error) {
	return c.store.TrackByID(ctx, id)
}

// Voices lists all preset voices from the manifest.
func (c *Catalog) Voices(ctx context.Context) ([]Voice, error) {
	return c.store.Voices(ctx)
}

// ValidateTrack rejects unknown or unreadable BGM ids at submission time,
// before any pipeline work is admitted.
func (c *Catalog) ValidateTrack(ctx context.Context, id string) error {
	track, err := c.store.TrackByID(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "asset catalog lookup", err)
	}
	if track == nil {
		return fault.Newf(fault.KindInvalidInput, "unknown bgm_id %q", id)
	}
	return nil
}

// ValidateVoice rejects preset voice ids missing from the manifest. When no
// manifest is shipped the catalog is empty and any id passes through to the
// synthesis backend, which does its own lookup.
func (c *Catalog) ValidateVoice(ctx context.Context, id string) error {
	n, err := c.store.VoiceCount(ctx)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "asset catalog lookup", err)
	}
	if n == 0 {
		return nil
	}
	ok, err := c.store.HasVoice(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "asset catalog lookup", err)
	}
	if !ok {
		return fault.Newf(fault.KindInvalidInput, "unknown voice id %q", id)
	}
	return nil
}

// TrackWAV loads the raw WAV bytes for a track. Unknown ids surface as
// invalid input so the mixer reports them with the right kind.
func (c *Catalog) TrackWAV(ctx context.Context, id string) ([]byte, error) {
	track, err := c.store.TrackByID(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "asset catalog lookup", err)
	}
	if track == nil {
		return nil, fault.Newf(fault.KindInvalidInput, "unknown bgm_id %q", id)
	}

	// Re-resolve and confine: the index row is trusted, the filesystem is not.
	abs := filepath.Join(c.root, filepath.FromSlash(track.RelPath))
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "resolve track path", err)
	}
	rootResolved, err := filepath.EvalSymlinks(c.root)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "resolve assets dir", err)
	}
	rel, err := filepath.Rel(filepath.Clean(rootResolved), resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fault.Newf(fault.KindInternal, "track path escapes assets dir: %s", track.RelPath)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "read track file", err)
	}
	return data, nil
}

// Watch starts a filesystem watcher over the assets directory and rescans,
// debounced, whenever files change. Returns immediately; the watch loop
// runs until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := addDirTree(watcher, c.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch assets dir: %w", err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	c.logger.Info().
		Str("event", "assets.watcher_started").
		Str("dir", c.root).
		Msg("watching assets directory for changes")

	go c.watchLoop(ctx, watcher)
	return nil
}

// watchLoop debounces bursts of filesystem events into a single rescan.
func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("event", "assets.watcher_stopped").Msg("asset watcher stopped")
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// New subdirectories need their own watch before the rescan.
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if _, err := c.Rescan(ctx); err != nil {
						c.logger.Error().
							Err(err).
							Str("event", "assets.auto_rescan_failed").
							Msg("automatic asset rescan failed")
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().
				Err(err).
				Str("event", "assets.watcher_error").
				Msg("asset watcher error")
		}
	}
}

// addDirTree registers root and every subdirectory with the watcher;
// fsnotify watches are not recursive.
func addDirTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
