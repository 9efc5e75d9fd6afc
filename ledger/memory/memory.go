// Package memory provides a thread-safe in-memory ledger.Store.
package memory

import (
	"fmt"
	"sync"

	"github.com/jmcleod/certsmith/ledger"
)

// Store is a thread-safe in-memory implementation of ledger.Store.
// Suitable for tests and the HTTP server, where records do not outlive the process.
type Store struct {
	mu      sync.RWMutex
	records map[string]*ledger.Record
}

var _ ledger.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*ledger.Record)}
}

func (s *Store) Put(rec *ledger.Record) error {
	k := ledger.NormalizeSerial(rec.Serial)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[k]; ok {
		return fmt.Errorf("%s: %w", rec.Serial, ledger.ErrDuplicateSerial)
	}
	s.records[k] = rec.Clone()
	return nil
}

func (s *Store) Get(serial string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ledger.NormalizeSerial(serial)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", serial, ledger.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) Has(serial string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[ledger.NormalizeSerial(serial)]
	return ok, nil
}

// HasSerial lets the store serve as a pki.SerialRegistry.
func (s *Store) HasSerial(serial string) (bool, error) {
	return s.Has(serial)
}

func (s *Store) List() ([]*ledger.Record, error) {
	s.mu.RLock()
	out := make([]*ledger.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	ledger.SortByIssued(out)
	return out, nil
}

func (s *Store) Close() error { return nil }
