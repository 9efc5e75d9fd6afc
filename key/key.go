package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/internal/util"
)

// PrivateKey owns a private key. It never renders its material through fmt
// or slog. Call Destroy once the key is no longer needed.
type PrivateKey struct {
	mu        sync.RWMutex
	signer    crypto.Signer
	destroyed bool
}

// Generate creates a new RSA key of the given size.
func Generate(size Size) (*PrivateKey, error) {
	return GenerateWithReader(rand.Reader, size)
}

// GenerateWithReader is Generate with an explicit entropy source.
func GenerateWithReader(r io.Reader, size Size) (*PrivateKey, error) {
	if !size.Valid() {
		return nil, certerr.WithDetail(certerr.InvalidParameter, "key.Generate",
			fmt.Sprintf("unsupported key size %d", int(size)))
	}
	k, err := rsa.GenerateKey(r, int(size))
	if err != nil {
		return nil, certerr.New(certerr.KeyGenerationFailed, "key.Generate", err)
	}
	return &PrivateKey{signer: k}, nil
}

// FromSigner wraps an existing RSA, ECDSA or Ed25519 private key. The
// returned PrivateKey takes ownership of s.
func FromSigner(s crypto.Signer) (*PrivateKey, error) {
	switch s.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return &PrivateKey{signer: s}, nil
	default:
		return nil, certerr.WithDetail(certerr.KeyParseError, "key.FromSigner",
			fmt.Sprintf("unsupported key type %T", s))
	}
}

// Signer returns the underlying crypto.Signer, or nil once destroyed.
func (k *PrivateKey) Signer() crypto.Signer {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signer
}

// Public returns the public half, or nil once destroyed.
func (k *PrivateKey) Public() crypto.PublicKey {
	s := k.Signer()
	if s == nil {
		return nil
	}
	return s.Public()
}

// Algorithm returns "RSA", "ECDSA" or "Ed25519".
func (k *PrivateKey) Algorithm() string {
	switch k.Signer().(type) {
	case *rsa.PrivateKey:
		return "RSA"
	case *ecdsa.PrivateKey:
		return "ECDSA"
	case ed25519.PrivateKey:
		return "Ed25519"
	default:
		return "unknown"
	}
}

// Bits returns the modulus length for RSA or the curve size for ECDSA.
func (k *PrivateKey) Bits() int {
	switch s := k.Signer().(type) {
	case *rsa.PrivateKey:
		return s.N.BitLen()
	case *ecdsa.PrivateKey:
		return s.Curve.Params().BitSize
	case ed25519.PrivateKey:
		return 256
	default:
		return 0
	}
}

// Matches reports whether pub equals this key's public half.
func (k *PrivateKey) Matches(pub crypto.PublicKey) bool {
	own, ok := k.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return own.Equal(pub)
}

// Destroy best-effort zeroes the private scalars and drops the key.
func (k *PrivateKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return
	}
	switch s := k.signer.(type) {
	case *rsa.PrivateKey:
		util.WipeBigInt(s.D)
		for _, p := range s.Primes {
			util.WipeBigInt(p)
		}
		util.WipeBigInt(s.Precomputed.Dp)
		util.WipeBigInt(s.Precomputed.Dq)
		util.WipeBigInt(s.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		util.WipeBigInt(s.D)
	case ed25519.PrivateKey:
		util.WipeBytes(s)
	}
	k.signer = nil
	k.destroyed = true
}

func (k *PrivateKey) String() string {
	return fmt.Sprintf("%s-%d private key", k.Algorithm(), k.Bits())
}

func (k *PrivateKey) GoString() string { return k.String() }

func (k *PrivateKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("algorithm", k.Algorithm()),
		slog.Int("bits", k.Bits()),
	)
}
