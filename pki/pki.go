// Package pki issues leaf certificates from an intermediate CA held on disk.
//
// A Session owns the decrypted CA key for exactly one run; a Signer turns
// CSRs into certificates using that session. Callers must Close the session
// (e.g. defer session.Close()) to zero the key and remove any decrypted
// artifact written for external tooling.
package pki

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/certsmith/certerr"
)

// ---------------------------------------------------------------------------
// Policy constants
// ---------------------------------------------------------------------------

const (
	// MinValidityDays and MaxValidityDays bound leaf validity. 825 days is
	// the CA/Browser Forum ceiling, applied here as local policy.
	MinValidityDays = 1
	MaxValidityDays = 825

	// DefaultValidityDays is used when no validity is configured.
	DefaultValidityDays = 375

	// ExpiringSoon is the window in which a certificate counts as expiring.
	ExpiringSoon = 30 * 24 * time.Hour
)

const pemTypeCertificate = "CERTIFICATE"

// ---------------------------------------------------------------------------
// Certificate PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	const op = "pki.ParseCertificatePEM"

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, certerr.WithDetail(certerr.CertParseError, op, "no PEM certificate block found")
		}
		if block.Type != pemTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, certerr.New(certerr.CertParseError, op, err)
		}
		return cert, nil
	}
}

// LoadCertificate reads and parses a PEM certificate file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, certerr.WithPath(certerr.FileReadFailed, "pki.LoadCertificate", path, err)
	}
	cert, err := ParseCertificatePEM(data)
	if err != nil {
		var e *certerr.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	return cert, nil
}

// EncodeCertificatePEM wraps DER bytes in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})
}

// FormatSerial renders a serial number as upper-case hex, the form used as
// the ledger key and printed by openssl x509 -serial.
func FormatSerial(n *big.Int) string {
	return strings.ToUpper(hex.EncodeToString(n.Bytes()))
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// keyAlgorithm returns the public key algorithm name and size in bits.
func keyAlgorithm(cert *x509.Certificate) (string, int) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return "RSA", pub.N.BitLen()
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name), pub.Curve.Params().BitSize
	case ed25519.PublicKey:
		return "Ed25519", 256
	default:
		return cert.PublicKeyAlgorithm.String(), 0
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
