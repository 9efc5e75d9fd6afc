package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/internal/util"
)

// maxSerialAttempts bounds re-draws after a serial collision.
const maxSerialAttempts = 8

// SerialRegistry reports whether a serial (FormatSerial form) was already
// issued by this CA, e.g. in an earlier run.
type SerialRegistry interface {
	HasSerial(serial string) (bool, error)
}

// SignRequest is one certificate to sign.
type SignRequest struct {
	CSR          *x509.CertificateRequest
	ValidityDays int
	// ExtraSANs are merged with the SANs requested in the CSR.
	ExtraSANs []csr.SAN
}

// Signer issues leaf certificates. A Signer is safe for concurrent use and
// guarantees distinct serials across everything it signs.
type Signer struct {
	extKeyUsage []x509.ExtKeyUsage
	now         func() time.Time
	registry    SerialRegistry
	logger      *slog.Logger

	mu     sync.Mutex
	issued map[string]struct{}
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithExtKeyUsage sets the extended key usages placed on leaf certificates.
// The default is server and client authentication.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) SignerOption {
	return func(s *Signer) {
		if len(usages) > 0 {
			s.extKeyUsage = append([]x509.ExtKeyUsage(nil), usages...)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithSerialRegistry makes the signer re-draw serials the registry knows.
func WithSerialRegistry(r SerialRegistry) SignerOption {
	return func(s *Signer) { s.registry = r }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = logger }
}

// NewSigner returns a Signer with the given options applied.
func NewSigner(opts ...SignerOption) *Signer {
	s := &Signer{
		extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		now:         time.Now,
		issued:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Sign issues a certificate for req.CSR using the session's CA key. The
// certificate is valid from now for ValidityDays, clamped to the CA's own
// notAfter so a leaf never outlives its issuer.
func (s *Signer) Sign(session *Session, req SignRequest) (*Certificate, error) {
	const op = "pki.Sign"

	if req.ValidityDays < MinValidityDays || req.ValidityDays > MaxValidityDays {
		return nil, certerr.WithDetail(certerr.InvalidValidityPeriod, op,
			fmt.Sprintf("%d days (allowed %d-%d)", req.ValidityDays, MinValidityDays, MaxValidityDays))
	}
	if req.CSR == nil {
		return nil, certerr.WithDetail(certerr.InvalidParameter, op, "no CSR supplied")
	}
	if err := req.CSR.CheckSignature(); err != nil {
		return nil, certerr.New(certerr.CsrParseError, op, err)
	}
	caKey := session.signer()
	if caKey == nil {
		return nil, certerr.WithDetail(certerr.SigningFailed, op, "CA session is closed")
	}
	caCert := session.Certificate()

	now := s.now().UTC().Truncate(time.Second)
	notAfter := now.Add(time.Duration(req.ValidityDays) * 24 * time.Hour)
	if notAfter.After(caCert.NotAfter) {
		s.logger.Warn("leaf validity clamped to CA expiry",
			slog.String("subject", req.CSR.Subject.CommonName),
			slog.Int("requested_days", req.ValidityDays),
			slog.Time("ca_not_after", caCert.NotAfter))
		notAfter = caCert.NotAfter
	}
	if !notAfter.After(now) {
		return nil, certerr.WithDetail(certerr.InvalidValidityPeriod, op, "CA certificate has no remaining validity")
	}

	requested, err := csr.CheckRequest(req.CSR)
	if err != nil {
		return nil, err
	}
	sans := csr.Dedupe(append(requested, req.ExtraSANs...))
	dnsNames, ips, emails := csr.Apply(sans)

	keyUsage := x509.KeyUsageDigitalSignature
	if _, ok := req.CSR.PublicKey.(*rsa.PublicKey); ok {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}

	ski, err := subjectKeyID(req.CSR.PublicKey)
	if err != nil {
		return nil, certerr.New(certerr.SigningFailed, op, err)
	}

	serial, err := s.nextSerial()
	if err != nil {
		return nil, certerr.New(certerr.SigningFailed, op, err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            req.CSR.RawSubject,
		Subject:               req.CSR.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           s.extKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		EmailAddresses:        emails,
		URIs:                  req.CSR.URIs,
		SignatureAlgorithm:    signatureAlgorithm(caKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, req.CSR.PublicKey, caKey)
	if err != nil {
		return nil, certerr.New(certerr.SigningFailed, op, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, certerr.New(certerr.SigningFailed, op, err)
	}

	s.logger.Debug("certificate signed",
		slog.String("serial", FormatSerial(cert.SerialNumber)),
		slog.String("subject", subjectString(cert.Subject)),
		slog.Time("not_after", cert.NotAfter))
	return &Certificate{Raw: der, X509: cert}, nil
}

func (s *Signer) nextSerial() (*big.Int, error) {
	for range maxSerialAttempts {
		n, err := util.RandomSerial(nil)
		if err != nil {
			return nil, err
		}
		serial := FormatSerial(n)

		s.mu.Lock()
		_, dup := s.issued[serial]
		if !dup {
			s.issued[serial] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}

		if s.registry != nil {
			known, err := s.registry.HasSerial(serial)
			if err != nil {
				return nil, fmt.Errorf("checking serial registry: %w", err)
			}
			if known {
				continue
			}
		}
		return n, nil
	}
	return nil, errors.New("could not draw an unused serial number")
}

func signatureAlgorithm(k crypto.Signer) x509.SignatureAlgorithm {
	switch k.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case ed25519.PublicKey:
		return x509.PureEd25519
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

// subjectKeyID is the SHA-1 of the subjectPublicKey bits (RFC 5280 4.2.1.2).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// ---------------------------------------------------------------------------
// Certificate
// ---------------------------------------------------------------------------

// Certificate is an issued leaf certificate. It is immutable.
type Certificate struct {
	Raw  []byte
	X509 *x509.Certificate
}

// PEM returns the certificate as a PEM CERTIFICATE block.
func (c *Certificate) PEM() []byte {
	return EncodeCertificatePEM(c.Raw)
}

// Serial returns the serial in FormatSerial form.
func (c *Certificate) Serial() string {
	return FormatSerial(c.X509.SerialNumber)
}

// Info extracts the descriptive fields of the certificate at now.
func (c *Certificate) Info(now time.Time) CertificateInfo {
	return ExtractInfo(c.X509, now)
}
