package refstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRefs = []byte("refs")

// keySep separates document and digest in a ref key: "doc\x00digest".
const keySep = 0x00

// BboltStore implements RefStore using bbolt.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create refs directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open refs database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRefs); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketRefs, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func refKey(doc, digest string) []byte {
	k := make([]byte, 0, len(doc)+1+len(digest))
	k = append(k, doc...)
	k = append(k, keySep)
	return append(k, digest...)
}

func docPrefix(doc string) []byte {
	return append([]byte(doc), keySep)
}

// AddRef records a reference.
func (s *BboltStore) AddRef(_ context.Context, doc, digest string) error {
	if doc == "" || digest == "" {
		return fmt.Errorf("document and digest are required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Put(refKey(doc, digest), []byte{})
	})
}

// RemoveRef drops a single reference.
func (s *BboltStore) RemoveRef(_ context.Context, doc, digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Delete(refKey(doc, digest))
	})
}

// RemoveDocument drops every reference of doc.
func (s *BboltStore) RemoveDocument(_ context.Context, doc string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		prefix := docPrefix(doc)

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete ref: %w", err)
			}
		}
		return nil
	})
}

// ListRefs returns doc's digests in key order.
func (s *BboltStore) ListRefs(_ context.Context, doc string) ([]string, error) {
	var digests []string

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := docPrefix(doc)
		c := tx.Bucket(bucketRefs).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			digests = append(digests, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(digests) == 0 {
		return nil, ErrNotFound
	}
	return digests, nil
}

// AllDigests scans all refs and returns every unique digest.
func (s *BboltStore) AllDigests(_ context.Context) (map[string]bool, error) {
	digests := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).ForEach(func(k, _ []byte) error {
			i := bytes.IndexByte(k, keySep)
			if i < 0 {
				return nil // skip malformed entries
			}
			digests[string(k[i+1:])] = true
			return nil
		})
	})

	return digests, err
}
