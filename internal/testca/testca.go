// Package testca writes throwaway CA material to disk for tests.
package testca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/pki"
	"github.com/jmcleod/certsmith/secret"
)

// Options controls the generated CA. The zero value yields an unencrypted
// ECDSA P-256 CA valid for ten years.
type Options struct {
	CommonName string
	RSA        bool
	Password   string
	NotBefore  time.Time
	NotAfter   time.Time
	// MismatchedKey writes a key that does not belong to the certificate.
	MismatchedKey bool
}

// CA is CA material written below Dir.
type CA struct {
	Dir      string
	KeyPath  string
	CertPath string
	Cert     *x509.Certificate
	Key      crypto.Signer
}

// New writes a CA certificate and key into a fresh temp directory.
func New(t testing.TB, opts Options) *CA {
	t.Helper()

	if opts.CommonName == "" {
		opts.CommonName = "Test Intermediate CA"
	}
	now := time.Now()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = now.Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = now.AddDate(10, 0, 0)
	}

	signer := newSigner(t, opts.RSA)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{"certsmith tests"}},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	dir := t.TempDir()
	ca := &CA{
		Dir:      dir,
		KeyPath:  filepath.Join(dir, "intermediate.key.pem"),
		CertPath: filepath.Join(dir, "intermediate.cert.pem"),
		Cert:     cert,
		Key:      signer,
	}
	if err := os.WriteFile(ca.CertPath, pki.EncodeCertificatePEM(der), 0o644); err != nil {
		t.Fatalf("writing CA certificate: %v", err)
	}

	onDisk := signer
	if opts.MismatchedKey {
		onDisk = newSigner(t, opts.RSA)
	}
	k, err := key.FromSigner(onDisk)
	if err != nil {
		t.Fatalf("wrapping CA key: %v", err)
	}
	var pw *secret.Secret
	if opts.Password != "" {
		pw = secret.FromString(opts.Password)
		defer pw.Destroy()
	}
	if err := key.Save(k, ca.KeyPath, pw, key.WithMode(0o600)); err != nil {
		t.Fatalf("writing CA key: %v", err)
	}
	return ca
}

func newSigner(t testing.TB, useRSA bool) crypto.Signer {
	t.Helper()
	if useRSA {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating RSA key: %v", err)
		}
		return k
	}
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating ECDSA key: %v", err)
	}
	return k
}

// SessionConfig returns a pki.SessionConfig for this CA. A non-empty
// password is served by a static provider.
func (ca *CA) SessionConfig(password string) pki.SessionConfig {
	cfg := pki.SessionConfig{KeyPath: ca.KeyPath, CertPath: ca.CertPath}
	if password != "" {
		cfg.Password = secret.Static(secret.FromString(password))
	}
	return cfg
}
