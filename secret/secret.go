// Package secret holds passwords in memguard enclaves so they never sit in
// ordinary heap memory longer than a single use, and never print.
package secret

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/certsmith/internal/util"
)

const redacted = "[REDACTED]"

// ErrDestroyed is returned when a destroyed Secret is used.
var ErrDestroyed = errors.New("secret: destroyed")

// Secret is a password or passphrase. The bytes are kept in a memguard
// Enclave (encrypted at rest in memory) and only decrypted into a locked
// buffer for the duration of Use. Call Destroy when done.
type Secret struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave // nil for an empty secret
	destroyed bool
}

// New takes ownership of b. The caller's slice is wiped.
func New(b []byte) *Secret {
	if len(b) == 0 {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave(b)}
}

// FromString returns a Secret holding the NFKD normalisation of s, so that
// the same passphrase typed on different platforms unlocks the same key.
func FromString(s string) *Secret {
	raw := []byte(s)
	defer util.WipeBytes(raw)
	return New(util.NormalizeBytes(raw))
}

// Empty reports whether the secret holds no bytes.
func (s *Secret) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed || s.enclave == nil
}

// Use decrypts the secret into a locked buffer, passes it to fn and destroys
// the buffer afterwards. fn must not retain the slice. An empty secret calls
// fn with nil.
func (s *Secret) Use(fn func(b []byte) error) error {
	if s == nil {
		return fn(nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.enclave == nil {
		return fn(nil)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Clone returns an independent copy that must be destroyed separately.
func (s *Secret) Clone() (*Secret, error) {
	var out *Secret
	err := s.Use(func(b []byte) error {
		out = New(util.CopyBytes(b))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Move transfers the secret into a new value and leaves s destroyed, so
// exactly one owner holds the material.
func (s *Secret) Move() *Secret {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &Secret{enclave: s.enclave, destroyed: s.destroyed}
	s.enclave = nil
	s.destroyed = true
	return out
}

// Destroy drops the enclave. It is safe to call more than once.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.destroyed = true
}

func (s *Secret) String() string { return redacted }

func (s *Secret) GoString() string { return redacted }

// LogValue keeps secrets out of structured logs.
func (s *Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s *Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
