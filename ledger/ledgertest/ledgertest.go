// Package ledgertest holds behaviour tests shared by every ledger.Store.
package ledgertest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/certsmith/ledger"
)

// Record returns a minimal record for serial issued at t.
func Record(serial string, t time.Time) *ledger.Record {
	return &ledger.Record{
		Serial:    serial,
		Name:      "item-" + serial,
		Subject:   "CN=" + serial + ".example.com",
		SANs:      []string{"DNS:" + serial + ".example.com"},
		NotBefore: t,
		NotAfter:  t.Add(375 * 24 * time.Hour),
		IssuedAt:  t,
	}
}

// Run exercises store against the ledger.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		rec := Record("0A1B", base)
		if err := s.Put(rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get("0A1B")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Subject != rec.Subject || !got.NotAfter.Equal(rec.NotAfter) {
			t.Errorf("got %+v, want %+v", got, rec)
		}
		if _, err := s.Get("a:1b"); err != nil {
			t.Errorf("lookup by colon form failed: %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get("FFFF"); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		ok, err := s.Has("FFFF")
		if err != nil || ok {
			t.Errorf("Has = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("DuplicateSerial", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(Record("01", base)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(Record("01", base.Add(time.Hour))); !errors.Is(err, ledger.ErrDuplicateSerial) {
			t.Errorf("expected ErrDuplicateSerial, got %v", err)
		}
		known, err := s.HasSerial("01")
		if err != nil || !known {
			t.Errorf("HasSerial = %v, %v; want true, nil", known, err)
		}
	})

	t.Run("ListSortedByIssue", func(t *testing.T) {
		s := newStore(t)
		for i, serial := range []string{"C3", "A1", "B2"} {
			if err := s.Put(Record(serial, base.Add(time.Duration(2-i)*time.Minute))); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		recs, err := s.List()
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		var got []string
		for _, r := range recs {
			got = append(got, r.Serial)
		}
		if fmt.Sprint(got) != "[B2 A1 C3]" {
			t.Errorf("List order = %v", got)
		}
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(Record("77", base)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, _ := s.Get("77")
		got.SANs[0] = "DNS:mutated"
		again, _ := s.Get("77")
		if again.SANs[0] == "DNS:mutated" {
			t.Error("store shares SAN slice with caller")
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := range 32 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Put(Record(fmt.Sprintf("%X", i+1), base)); err != nil {
					t.Errorf("Put failed: %v", err)
				}
			}()
		}
		wg.Wait()
		recs, err := s.List()
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(recs) != 32 {
			t.Errorf("expected 32 records, got %d", len(recs))
		}
	})
}
