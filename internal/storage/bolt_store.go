package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	BucketExperiments = "experiments"

	// DefaultMaxItems bounds how many experiments are kept.
	DefaultMaxItems = 500
)

var ErrNotFound = errors.New("experiment not found")

// DefaultPath is $HOME/.loaddriver/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".loaddriver", "history.db"), nil
}

// Store keeps experiment history in a bbolt file. Keys are experiment ids,
// which are time-ordered, so cursor order is start order.
type Store struct {
	db       *bbolt.DB
	maxItems int
}

// Open opens or creates the history file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	// Initialize Buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketExperiments))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, maxItems: DefaultMaxItems}, nil
}

// SetMaxItems changes the retention limit; n <= 0 keeps everything.
func (s *Store) SetMaxItems(n int) { s.maxItems = n }

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores item and drops the oldest entries beyond the retention limit.
func (s *Store) Save(item HistoryItem) error {
	if item.ID == "" {
		return errors.New("history item without id")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketExperiments))
		if err := b.Put([]byte(item.ID), data); err != nil {
			return err
		}
		if s.maxItems <= 0 {
			return nil
		}

		n := 0
		if err := b.ForEach(func(_, _ []byte) error { n++; return nil }); err != nil {
			return err
		}
		var drop [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(drop) < n-s.maxItems; k, _ = c.Next() {
			drop = append(drop, append([]byte(nil), k...))
		}
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to limit items, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]HistoryItem, error) {
	items := []HistoryItem{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketExperiments)).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(items) >= limit {
				break
			}
			var item HistoryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *Store) Get(id string) (*HistoryItem, error) {
	var item HistoryItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketExperiments)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}
