// Package bbolt provides a BBolt-backed ledger.Store.
package bbolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/certsmith/ledger"
)

var bucketIssued = []byte("issued")

// Store implements ledger.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ ledger.Store = (*Store)(nil)

// New returns a Store over an already open database.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIssued)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating ledger bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (creating if needed) the database at path. The lock wait is
// bounded so a second process fails instead of hanging.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(rec *ledger.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	key := []byte(ledger.NormalizeSerial(rec.Serial))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIssued)
		if b.Get(key) != nil {
			return fmt.Errorf("%s: %w", rec.Serial, ledger.ErrDuplicateSerial)
		}
		return b.Put(key, data)
	})
}

func (s *Store) Get(serial string) (*ledger.Record, error) {
	var rec ledger.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIssued).Get([]byte(ledger.NormalizeSerial(serial)))
		if data == nil {
			return fmt.Errorf("%s: %w", serial, ledger.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Has(serial string) (bool, error) {
	_, err := s.Get(serial)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// HasSerial lets the store serve as a pki.SerialRegistry.
func (s *Store) HasSerial(serial string) (bool, error) {
	return s.Has(serial)
}

func (s *Store) List() ([]*ledger.Record, error) {
	var out []*ledger.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIssued).ForEach(func(_, v []byte) error {
			var rec ledger.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	ledger.SortByIssued(out)
	return out, nil
}
