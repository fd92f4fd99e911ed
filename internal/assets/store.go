// SPDX-License-Identifier: MIT

package assets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store provides SQLite persistence for the asset catalog.
type Store struct {
	db *sql.DB
}

// NewStore opens the catalog database and runs migrations. WAL mode and
// busy_timeout keep concurrent readers from tripping over the scanner;
// the pragmas go through the DSN so they apply to every pooled connection.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bgm_tracks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		sample_rate INTEGER NOT NULL DEFAULT 0,
		channels INTEGER NOT NULL DEFAULT 0,
		mod_time TEXT NOT NULL,
		scan_time TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ok' CHECK(status IN ('ok', 'unreadable'))
	);

	CREATE INDEX IF NOT EXISTS idx_bgm_tracks_scan_time ON bgm_tracks(scan_time);

	CREATE TABLE IF NOT EXISTS voice_presets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		scan_time TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertTrack inserts or updates one track. Used within TX during scan.
func (s *Store) UpsertTrack(ctx context.Context, tx *sql.Tx, t Track) error {
	query := `
	INSERT INTO bgm_tracks (id, title, rel_path, size_bytes, duration_ms, sample_rate, channels, mod_time, scan_time, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		rel_path = excluded.rel_path,
		size_bytes = excluded.size_bytes,
		duration_ms = excluded.duration_ms,
		sample_rate = excluded.sample_rate,
		channels = excluded.channels,
		mod_time = excluded.mod_time,
		scan_time = excluded.scan_time,
		status = excluded.status
	`

	_, err := tx.ExecContext(ctx, query,
		t.ID,
		t.Title,
		t.RelPath,
		t.SizeBytes,
		t.DurationMS,
		t.SampleRate,
		t.Channels,
		t.ModTime.Format(time.RFC3339),
		t.ScanTime.Format(time.RFC3339),
		t.Status.String(),
	)
	return err
}

// UpsertVoice inserts or updates one voice preset. Used within TX during scan.
func (s *Store) UpsertVoice(ctx context.Context, tx *sql.Tx, v Voice, scanTime time.Time) error {
	query := `
	INSERT INTO voice_presets (id, name, language, description, scan_time)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		language = excluded.language,
		description = excluded.description,
		scan_time = excluded.scan_time
	`

	_, err := tx.ExecContext(ctx, query, v.ID, v.Name, v.Language, v.Description, scanTime.Format(time.RFC3339))
	return err
}

// PruneStale removes rows the given scan did not touch, i.e. assets whose
// files have disappeared since the last pass.
func (s *Store) PruneStale(ctx context.Context, tx *sql.Tx, scanTime time.Time) error {
	cutoff := scanTime.Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `DELETE FROM bgm_tracks WHERE scan_time < ?`, cutoff); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM voice_presets WHERE scan_time < ?`, cutoff)
	return err
}

// TrackByID retrieves a single usable track, or nil when the id is unknown
// or the file was marked unreadable.
func (s *Store) TrackByID(ctx context.Context, id string) (*Track, error) {
	query := `
	SELECT id, title, rel_path, size_bytes, duration_ms, sample_rate, channels, mod_time, scan_time, status
	FROM bgm_tracks
	WHERE id = ? AND status = 'ok'
	`

	var t Track
	var modTimeStr, scanTimeStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Title, &t.RelPath, &t.SizeBytes, &t.DurationMS, &t.SampleRate, &t.Channels,
		&modTimeStr, &scanTimeStr, &t.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.ModTime, _ = time.Parse(time.RFC3339, modTimeStr)
	t.ScanTime, _ = time.Parse(time.RFC3339, scanTimeStr)

	return &t, nil
}

// Tracks retrieves all usable tracks ordered by id.
func (s *Store) Tracks(ctx context.Context) ([]Track, error) {
	query := `
	SELECT id, title, rel_path, size_bytes, duration_ms, sample_rate, channels, mod_time, scan_time, status
	FROM bgm_tracks
	WHERE status = 'ok'
	ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tracks []Track
	for rows.Next() {
		var t Track
		var modTimeStr, scanTimeStr string

		if err := rows.Scan(
			&t.ID, &t.Title, &t.RelPath, &t.SizeBytes, &t.DurationMS, &t.SampleRate, &t.Channels,
			&modTimeStr, &scanTimeStr, &t.Status,
		); err != nil {
			return nil, err
		}

		t.ModTime, _ = time.Parse(time.RFC3339, modTimeStr)
		t.ScanTime, _ = time.Parse(time.RFC3339, scanTimeStr)

		tracks = append(tracks, t)
	}

	return tracks, rows.Err()
}

// Voices retrieves all preset voices ordered by id.
func (s *Store) Voices(ctx context.Context) ([]Voice, error) {
	query := `
	SELECT id, name, language, description
	FROM voice_presets
	ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var voices []Voice
	for rows.Next() {
		var v Voice
		if err := rows.Scan(&v.ID, &v.Name, &v.Language, &v.Description); err != nil {
			return nil, err
		}
		voices = append(voices, v)
	}

	return voices, rows.Err()
}

// HasVoice reports whether a preset voice with the given id exists.
func (s *Store) HasVoice(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM voice_presets WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// VoiceCount reports the number of preset voices in the catalog.
func (s *Store) VoiceCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM voice_presets`).Scan(&n)
	return n, err
}

// BeginTx starts a new transaction. Used by the scanner for atomic upserts.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}
