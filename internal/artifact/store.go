// SPDX-License-Identifier: MIT

// Package artifact stores stage outputs content-addressed on disk and tracks
// their lifecycle in a badger index. Blobs live at artifacts/{sha[:2]}/{sha}
// so one directory never collects millions of entries.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// ErrNotFound reports a blob missing from the store.
var ErrNotFound = errors.New("artifact: not found")

// Store is a content-addressed blob store rooted at a single directory.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a blob store at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// Path returns the on-disk location for a digest. The file may not exist.
func (s *Store) Path(sha string) string {
	return filepath.Join(s.root, sha[:2], sha)
}

// Put writes data under its SHA-256 digest and returns the digest. Writing
// an already-stored blob is a no-op, so concurrent producers of the same
// content dedupe naturally.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	path := s.Path(sha)
	if _, err := os.Stat(path); err == nil {
		return sha, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create artifact shard: %w", err)
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return sha, nil
}

// PutFile stores the contents of an existing file, streaming the digest.
func (s *Store) PutFile(src string) (string, int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("open artifact source: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash artifact source: %w", err)
	}
	sha := hex.EncodeToString(h.Sum(nil))

	path := s.Path(sha)
	if _, err := os.Stat(path); err == nil {
		return sha, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", 0, fmt.Errorf("create artifact shard: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind artifact source: %w", err)
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, f); err != nil {
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", 0, fmt.Errorf("commit artifact: %w", err)
	}
	return sha, size, nil
}

// Get reads a stored blob.
func (s *Store) Get(sha string) ([]byte, error) {
	if len(sha) < 3 {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.Path(sha))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Open returns a reader over a stored blob, for streaming responses.
func (s *Store) Open(sha string) (io.ReadSeekCloser, error) {
	if len(sha) < 3 {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.Path(sha))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Has reports whether a blob is present.
func (s *Store) Has(sha string) bool {
	if len(sha) < 3 {
		return false
	}
	_, err := os.Stat(s.Path(sha))
	return err == nil
}

// Remove deletes a blob. Missing blobs are not an error.
func (s *Store) Remove(sha string) error {
	if len(sha) < 3 {
		return nil
	}
	err := os.Remove(s.Path(sha))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Size walks the store and returns its total byte footprint.
func (s *Store) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
