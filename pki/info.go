package pki

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"math"
	"time"

	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/internal/util"
)

// CertificateInfo is a read-only summary of a certificate, shaped for JSON.
type CertificateInfo struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	Version            int       `json:"version"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DaysRemaining      int       `json:"days_remaining"`
	IsExpired          bool      `json:"is_expired"`
	IsExpiringSoon     bool      `json:"is_expiring_soon"`
	SANs               []string  `json:"sans"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm"`
	PublicKeySize      int       `json:"public_key_size"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	FingerprintSHA1    string    `json:"fingerprint_sha1"`
	FingerprintSHA256  string    `json:"fingerprint_sha256"`
	IsCA               bool      `json:"is_ca"`
	KeyUsage           []string  `json:"key_usage,omitempty"`
	ExtKeyUsage        []string  `json:"ext_key_usage,omitempty"`
}

// ExtractInfo summarises cert as seen at now.
func ExtractInfo(cert *x509.Certificate, now time.Time) CertificateInfo {
	sha1Sum := sha1.Sum(cert.Raw)
	sha256Sum := sha256.Sum256(cert.Raw)
	alg, bits := keyAlgorithm(cert)
	days := DaysUntilExpirationAt(cert, now)

	return CertificateInfo{
		Subject:            subjectString(cert.Subject),
		Issuer:             subjectString(cert.Issuer),
		SerialNumber:       FormatSerial(cert.SerialNumber),
		Version:            cert.Version,
		NotBefore:          cert.NotBefore.UTC(),
		NotAfter:           cert.NotAfter.UTC(),
		DaysRemaining:      days,
		IsExpired:          IsExpiredAt(cert, now),
		IsExpiringSoon:     !IsExpiredAt(cert, now) && cert.NotAfter.Sub(now) < ExpiringSoon,
		SANs:               csr.Strings(csr.FromCertificate(cert)),
		PublicKeyAlgorithm: alg,
		PublicKeySize:      bits,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		FingerprintSHA1:    util.ColonHex(sha1Sum[:]),
		FingerprintSHA256:  util.ColonHex(sha256Sum[:]),
		IsCA:               cert.IsCA,
		KeyUsage:           keyUsageNames(cert.KeyUsage),
		ExtKeyUsage:        extKeyUsageNames(cert.ExtKeyUsage),
	}
}

// IsExpired reports whether cert's notAfter has passed.
func IsExpired(cert *x509.Certificate) bool {
	return IsExpiredAt(cert, time.Now())
}

// IsExpiredAt reports whether cert's notAfter is before now.
func IsExpiredAt(cert *x509.Certificate, now time.Time) bool {
	return now.After(cert.NotAfter)
}

// DaysUntilExpiration returns whole days until notAfter, rounded down.
// Expired certificates yield zero or a negative count.
func DaysUntilExpiration(cert *x509.Certificate) int {
	return DaysUntilExpirationAt(cert, time.Now())
}

// DaysUntilExpirationAt is DaysUntilExpiration evaluated at now.
func DaysUntilExpirationAt(cert *x509.Certificate, now time.Time) int {
	return int(math.Floor(cert.NotAfter.Sub(now).Hours() / 24))
}

var keyUsageBits = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Content Commitment"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsageNames(ku x509.KeyUsage) []string {
	var out []string
	for _, b := range keyUsageBits {
		if ku&b.bit != 0 {
			out = append(out, b.name)
		}
	}
	return out
}

var extKeyUsageLabels = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:             "Any",
	x509.ExtKeyUsageServerAuth:      "TLS Web Server Authentication",
	x509.ExtKeyUsageClientAuth:      "TLS Web Client Authentication",
	x509.ExtKeyUsageCodeSigning:     "Code Signing",
	x509.ExtKeyUsageEmailProtection: "E-mail Protection",
	x509.ExtKeyUsageTimeStamping:    "Time Stamping",
	x509.ExtKeyUsageOCSPSigning:     "OCSP Signing",
}

func extKeyUsageNames(usages []x509.ExtKeyUsage) []string {
	var out []string
	for _, u := range usages {
		if name, ok := extKeyUsageLabels[u]; ok {
			out = append(out, name)
		} else {
			out = append(out, "Unknown")
		}
	}
	return out
}

// ParseExtKeyUsage maps config names ("server", "client", "code_signing",
// "email", "timestamping", "ocsp") to x509 values. Unknown names are reported
// via ok=false.
func ParseExtKeyUsage(name string) (x509.ExtKeyUsage, bool) {
	switch name {
	case "server", "server_auth", "serverAuth":
		return x509.ExtKeyUsageServerAuth, true
	case "client", "client_auth", "clientAuth":
		return x509.ExtKeyUsageClientAuth, true
	case "code_signing", "codeSigning":
		return x509.ExtKeyUsageCodeSigning, true
	case "email", "email_protection", "emailProtection":
		return x509.ExtKeyUsageEmailProtection, true
	case "timestamping", "timeStamping":
		return x509.ExtKeyUsageTimeStamping, true
	case "ocsp", "ocsp_signing", "OCSPSigning":
		return x509.ExtKeyUsageOCSPSigning, true
	default:
		return 0, false
	}
}
