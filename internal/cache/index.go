package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/storage"
)

// Bucket names
var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
)

var keyLimitMB = []byte("limit_mb")

// Index persists cache entries and the cache limit in a bbolt file.
type Index struct {
	db *bolt.DB
}

func OpenIndex(path string) (*Index, error) {
	if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

// Entries returns every stored entry. Records that fail to decode are skipped.
func (x *Index) Entries() ([]domain.CacheEntry, error) {
	var entries []domain.CacheEntry
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e domain.CacheEntry
			if json.Unmarshal(v, &e) == nil {
				entries = append(entries, e)
			}
			return nil
		})
	})
	return entries, err
}

// Put stores the given entries in one transaction.
func (x *Index) Put(entries ...domain.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.IndexKey()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the given index keys in one transaction.
func (x *Index) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LimitMB returns the stored limit, if any.
func (x *Index) LimitMB() (int64, bool, error) {
	var (
		limit int64
		found bool
	)
	err := x.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLimitMB)
		if v == nil {
			return nil
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return nil
		}
		limit, found = n, true
		return nil
	})
	return limit, found, err
}

func (x *Index) SetLimitMB(mb int64) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLimitMB, []byte(strconv.FormatInt(mb, 10)))
	})
}
