package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/secret"
)

// DefaultExpiryWarning is how close to expiry the CA may be before Open
// records a warning.
const DefaultExpiryWarning = 30 * 24 * time.Hour

// SessionConfig describes the CA material to open.
type SessionConfig struct {
	KeyPath  string
	CertPath string

	// Password is consulted exactly once, and only when the key is encrypted.
	Password secret.Provider

	// DecryptedKeyDir, when set, makes Open write the decrypted key as
	// PKCS#8 PEM into a private directory below it for external signing
	// tools. The directory is removed by Close.
	DecryptedKeyDir string

	ExpiryWarning time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Session holds an unlocked CA for the duration of a run. It is read-only
// after Open and safe for concurrent use by signers.
type Session struct {
	cert     *x509.Certificate
	certPEM  []byte
	key      *key.PrivateKey
	warnings []string
	logger   *slog.Logger

	artifactDir  string
	artifactPath string

	closeOnce sync.Once
	closeErr  error
}

// Open loads the CA certificate, unlocks the CA key and checks that the two
// belong together. On any error everything acquired so far is released
// before returning.
func Open(ctx context.Context, cfg SessionConfig) (_ *Session, err error) {
	const op = "pki.Open"

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	warnWithin := cfg.ExpiryWarning
	if warnWithin == 0 {
		warnWithin = DefaultExpiryWarning
	}

	// 1. CA certificate.
	certPEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		if isNotExist(err) {
			return nil, certerr.WithPath(certerr.CaCertNotFound, op, cfg.CertPath, err)
		}
		return nil, certerr.WithPath(certerr.FileReadFailed, op, cfg.CertPath, err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		var e *certerr.Error
		if errors.As(err, &e) {
			e.Path = cfg.CertPath
		}
		return nil, err
	}
	t := now()
	if t.After(cert.NotAfter) {
		e := certerr.WithPath(certerr.CaCertExpired, op, cfg.CertPath, nil)
		e.Detail = "expired " + cert.NotAfter.UTC().Format(time.RFC3339)
		return nil, e
	}

	s := &Session{cert: cert, certPEM: certPEM, logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if remaining := cert.NotAfter.Sub(t); remaining < warnWithin {
		days := int(math.Floor(remaining.Hours() / 24))
		s.warnings = append(s.warnings, fmt.Sprintf("CA certificate %q expires in %d days (%s)",
			cert.Subject.CommonName, days, cert.NotAfter.UTC().Format(time.DateOnly)))
		logger.Warn("CA certificate expiring soon",
			slog.String("subject", subjectString(cert.Subject)),
			slog.Int("days_remaining", days))
	}

	// 2. Probe the key.
	if _, err := os.Stat(cfg.KeyPath); err != nil {
		if isNotExist(err) {
			return nil, certerr.WithPath(certerr.CaKeyNotFound, op, cfg.KeyPath, err)
		}
		return nil, certerr.WithPath(certerr.FileReadFailed, op, cfg.KeyPath, err)
	}
	encrypted, err := key.IsEncrypted(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	var password *secret.Secret
	if encrypted {
		password, err = askPassword(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer password.Destroy()
	}

	// 3. Decrypt.
	k, err := key.Load(cfg.KeyPath, password)
	if err != nil {
		var e *certerr.Error
		if errors.As(err, &e) && (e.Kind == certerr.KeyUnlockFailed || e.Kind == certerr.KeyParseError) {
			return nil, &certerr.Error{Kind: certerr.CaKeyUnlockFailed, Op: op, Path: cfg.KeyPath, Detail: e.Detail, Err: e.Err}
		}
		return nil, err
	}
	s.key = k
	password.Destroy()

	// 4. Key and certificate must belong together.
	if !k.Matches(cert.PublicKey) {
		e := certerr.WithPath(certerr.CaKeyCertMismatch, op, cfg.KeyPath, nil)
		e.Detail = "public key differs from " + cfg.CertPath
		return nil, e
	}

	if cfg.DecryptedKeyDir != "" {
		if err := s.writeArtifact(cfg.DecryptedKeyDir); err != nil {
			return nil, err
		}
	}

	logger.Info("CA session opened",
		slog.String("subject", subjectString(cert.Subject)),
		slog.Time("not_after", cert.NotAfter),
		slog.Bool("encrypted_key", encrypted))
	return s, nil
}

func askPassword(ctx context.Context, cfg SessionConfig) (*secret.Secret, error) {
	const op = "pki.Open"
	if cfg.Password == nil {
		return nil, certerr.WithPath(certerr.CaKeyUnlockFailed, op, cfg.KeyPath,
			errors.New("key is encrypted and no password source is configured"))
	}
	if err := ctx.Err(); err != nil {
		return nil, certerr.New(certerr.Cancelled, op, err)
	}
	pw, err := cfg.Password.Password(ctx, fmt.Sprintf("Password for CA key %s", filepath.Base(cfg.KeyPath)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, certerr.New(certerr.Cancelled, op, err)
		}
		return nil, certerr.WithPath(certerr.CaKeyUnlockFailed, op, cfg.KeyPath, err)
	}
	if pw.Empty() {
		pw.Destroy()
		return nil, certerr.WithPath(certerr.CaKeyUnlockFailed, op, cfg.KeyPath, errors.New("empty password"))
	}
	return pw, nil
}

func (s *Session) writeArtifact(base string) error {
	const op = "pki.Open"

	dir, err := os.MkdirTemp(base, "certsmith-ca-*")
	if err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, op, base, err)
	}
	s.artifactDir = dir

	der, err := x509.MarshalPKCS8PrivateKey(s.key.Signer())
	if err != nil {
		return certerr.New(certerr.CaKeyUnlockFailed, op, err)
	}
	defer util.WipeBytes(der)
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	defer util.WipeBytes(data)

	path := filepath.Join(dir, "ca.key.pem")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, op, path, err)
	}
	s.artifactPath = path
	if _, err := f.Write(data); err != nil {
		f.Close()
		return certerr.WithPath(certerr.FileWriteFailed, op, path, err)
	}
	if err := f.Close(); err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, op, path, err)
	}
	return nil
}

// Close zeroes the CA key and removes any decrypted key artifact. It is safe
// to call more than once; later calls return the first result.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.key.Destroy()
		var errs []error
		if s.artifactPath != "" {
			if err := util.ShredFile(s.artifactPath); err != nil {
				errs = append(errs, err)
			}
		}
		if s.artifactDir != "" {
			if err := os.RemoveAll(s.artifactDir); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Error("CA session cleanup incomplete", "error", s.closeErr)
		}
	})
	return s.closeErr
}

// Certificate returns the CA certificate.
func (s *Session) Certificate() *x509.Certificate { return s.cert }

// CertificatePEM returns the CA certificate as read from disk.
func (s *Session) CertificatePEM() []byte { return s.certPEM }

// Warnings returns non-fatal findings from Open, such as imminent expiry.
func (s *Session) Warnings() []string { return s.warnings }

// DecryptedKeyPath returns the on-disk decrypted key, or "" when none was
// requested or the session is closed.
func (s *Session) DecryptedKeyPath() string {
	if s.artifactPath == "" {
		return ""
	}
	if _, err := os.Stat(s.artifactPath); err != nil {
		return ""
	}
	return s.artifactPath
}

// RemainingValidity returns how long the CA certificate remains valid at now.
func (s *Session) RemainingValidity(now time.Time) time.Duration {
	return s.cert.NotAfter.Sub(now)
}

func (s *Session) signer() crypto.Signer {
	return s.key.Signer()
}
