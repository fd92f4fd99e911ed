// SPDX-License-Identifier: MIT

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const recordPrefix = "art:"

// Record is the lifecycle entry for one stored blob. A zero ExpiresAt pins
// the blob forever; the sweeper only removes expired records with no
// remaining references.
type Record struct {
	SHA        string    `json:"sha"`
	Stage      string    `json:"stage"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	Refs       int       `json:"refs"`
	Hits       int64     `json:"hits"`
	LastAccess time.Time `json:"lastAccess"`
}

// Pinned reports whether the record never expires.
func (r *Record) Pinned() bool { return r.ExpiresAt.IsZero() }

// Index tracks blob lifecycle state in badger so reference counts and hit
// statistics survive restarts.
type Index struct {
	db *badger.DB
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }

// Track registers a blob, or refreshes its expiry if already tracked.
// ttl <= 0 pins the blob.
func (ix *Index) Track(sha, stage string, size int64, ttl time.Duration, now time.Time) error {
	key := []byte(recordPrefix + sha)
	return ix.db.Update(func(txn *badger.Txn) error {
		rec := Record{
			SHA:        sha,
			Stage:      stage,
			SizeBytes:  size,
			CreatedAt:  now,
			LastAccess: now,
		}
		if item, err := txn.Get(key); err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			rec.LastAccess = now
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if ttl > 0 {
			rec.ExpiresAt = now.Add(ttl)
		} else {
			rec.ExpiresAt = time.Time{}
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

// Get returns the record for a digest, or nil when untracked.
func (ix *Index) Get(sha string) (*Record, error) {
	key := []byte(recordPrefix + sha)
	var out Record
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// Touch records a cache hit against the blob.
func (ix *Index) Touch(sha string, now time.Time) error {
	return ix.update(sha, func(rec *Record) {
		rec.Hits++
		rec.LastAccess = now
	})
}

// AddRef marks the blob as referenced by an in-flight job.
func (ix *Index) AddRef(sha string) error {
	return ix.update(sha, func(rec *Record) {
		rec.Refs++
	})
}

// ReleaseRef drops one reference. The count floors at zero so double
// releases stay harmless.
func (ix *Index) ReleaseRef(sha string) error {
	return ix.update(sha, func(rec *Record) {
		if rec.Refs > 0 {
			rec.Refs--
		}
	})
}

// Forget removes the record for a digest.
func (ix *Index) Forget(sha string) error {
	key := []byte(recordPrefix + sha)
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Scan iterates all records. The callback must not retain the record.
func (ix *Index) Scan(ctx context.Context, fn func(*Record) error) error {
	prefix := []byte(recordPrefix)
	return ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ix *Index) update(sha string, fn func(*Record)) error {
	key := []byte(recordPrefix + sha)
	return ix.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		fn(&rec)
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}
