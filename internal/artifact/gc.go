// SPDX-License-Identifier: MIT

package artifact

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/metrics"
)

// GC removes expired, unreferenced blobs from disk and the index.
type GC struct {
	Store    *Store
	Index    *Index
	Interval time.Duration
	Logger   zerolog.Logger
}

// Run sweeps at the configured interval until the context is cancelled.
func (g *GC) Run(ctx context.Context) {
	interval := g.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := g.SweepOnce(ctx, time.Now())
			if err != nil {
				g.Logger.Warn().Err(err).Msg("artifact sweep failed")
				continue
			}
			if removed > 0 {
				g.Logger.Info().Int("removed", removed).Msg("artifact sweep")
			}
		}
	}
}

// SweepOnce removes every blob whose record has expired and carries no
// references. Pinned records are never touched.
func (g *GC) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	var victims []string
	err := g.Index.Scan(ctx, func(rec *Record) error {
		if rec.Pinned() || rec.Refs > 0 {
			metrics.RecordArtifactGC("kept")
			return nil
		}
		if now.After(rec.ExpiresAt) {
			victims = append(victims, rec.SHA)
		} else {
			metrics.RecordArtifactGC("kept")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sha := range victims {
		if err := g.Store.Remove(sha); err != nil {
			metrics.RecordArtifactGC("error")
			g.Logger.Warn().Err(err).Str("artifact", sha).Msg("remove blob")
			continue
		}
		if err := g.Index.Forget(sha); err != nil {
			metrics.RecordArtifactGC("error")
			g.Logger.Warn().Err(err).Str("artifact", sha).Msg("forget record")
			continue
		}
		metrics.RecordArtifactGC("removed")
		removed++
	}

	if size, err := g.Store.Size(); err == nil {
		metrics.SetArtifactStoreBytes(size)
	}
	return removed, nil
}
