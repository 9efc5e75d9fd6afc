// Package ledger records issued certificates keyed by serial number.
package ledger

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/certsmith/pki"
)

var (
	// ErrNotFound is returned when no record exists for a serial.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateSerial is returned when a serial has already been recorded.
	ErrDuplicateSerial = errors.New("serial already recorded")
)

// Record describes one issued certificate.
type Record struct {
	Serial            string    `json:"serial"`
	Name              string    `json:"name"`
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	SANs              []string  `json:"sans"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	CertPath          string    `json:"cert_path,omitempty"`
	RunID             string    `json:"run_id,omitempty"`
	IssuedAt          time.Time `json:"issued_at"`
}

// Store persists records. Implementations are safe for concurrent use and
// double as a pki.SerialRegistry.
type Store interface {
	Put(rec *Record) error
	Get(serial string) (*Record, error)
	Has(serial string) (bool, error)
	List() ([]*Record, error)
	HasSerial(serial string) (bool, error)
	Close() error
}

var _ pki.SerialRegistry = (Store)(nil)

// NewRecord builds a Record for a freshly issued certificate.
func NewRecord(cert *pki.Certificate, name, certPath, runID string, issuedAt time.Time) *Record {
	info := cert.Info(issuedAt)
	return &Record{
		Serial:            info.SerialNumber,
		Name:              name,
		Subject:           info.Subject,
		Issuer:            info.Issuer,
		SANs:              info.SANs,
		NotBefore:         info.NotBefore,
		NotAfter:          info.NotAfter,
		FingerprintSHA256: info.FingerprintSHA256,
		CertPath:          certPath,
		RunID:             runID,
		IssuedAt:          issuedAt.UTC(),
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.SANs = slices.Clone(r.SANs)
	return &cp
}

// ExpiresWithin reports whether the record's certificate expires within d
// of now, including already expired certificates.
func (r *Record) ExpiresWithin(now time.Time, d time.Duration) bool {
	return r.NotAfter.Before(now.Add(d))
}

// SortByIssued orders records by issue time, then serial.
func SortByIssued(recs []*Record) {
	slices.SortFunc(recs, func(a, b *Record) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Serial, b.Serial)
	})
}

// NormalizeSerial canonicalises a serial for lookup.
func NormalizeSerial(serial string) string {
	s := strings.ToUpper(strings.ReplaceAll(serial, ":", ""))
	return strings.TrimLeft(s, "0")
}
