package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/internal/testca"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/pki"
)

var (
	leafKeyOnce sync.Once
	leafKey     *key.PrivateKey
)

func testLeafKey(t *testing.T) *key.PrivateKey {
	t.Helper()
	leafKeyOnce.Do(func() {
		k, err := key.Generate(key.Size2048)
		if err != nil {
			panic(err)
		}
		leafKey = k
	})
	return leafKey
}

// newTestSession opens a session over a fresh unencrypted ECDSA CA.
func newTestSession(t *testing.T, opts testca.Options) (*testca.CA, *pki.Session) {
	t.Helper()
	ca := testca.New(t, opts)
	session, err := pki.Open(t.Context(), ca.SessionConfig(opts.Password))
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return ca, session
}

func newTestCSR(t *testing.T, cn string, sans ...csr.SAN) *x509.CertificateRequest {
	t.Helper()
	if len(sans) == 0 {
		sans = []csr.SAN{csr.DNS(cn)}
	}
	req, err := csr.Build(testLeafKey(t), cn, sans)
	require.NoError(t, err)
	return req
}

// ---------------------------------------------------------------------------
// Signing
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	ca, session := newTestSession(t, testca.Options{})
	req := newTestCSR(t, "web.example.com", csr.DNS("web.example.com"), csr.IP("10.0.0.7"))

	cert, err := pki.NewSigner().Sign(session, pki.SignRequest{
		CSR:          req,
		ValidityDays: 90,
		ExtraSANs:    []csr.SAN{csr.DNS("www.example.com"), csr.DNS("WEB.example.com")},
	})
	require.NoError(t, err)

	leaf := cert.X509
	require.NoError(t, leaf.CheckSignatureFrom(ca.Cert))
	assert.Equal(t, "web.example.com", leaf.Subject.CommonName)
	assert.Equal(t, ca.Cert.Subject.CommonName, leaf.Issuer.CommonName)
	assert.Equal(t, []string{"web.example.com", "www.example.com"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "10.0.0.7", leaf.IPAddresses[0].String())
	assert.False(t, leaf.IsCA)
	assert.True(t, leaf.BasicConstraintsValid)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, leaf.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
	assert.NotEmpty(t, leaf.SubjectKeyId)
	assert.Equal(t, x509.ECDSAWithSHA256, leaf.SignatureAlgorithm)

	// The chain verifies for server auth.
	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "www.example.com"})
	require.NoError(t, err)

	back, err := pki.ParseCertificatePEM(cert.PEM())
	require.NoError(t, err)
	assert.Equal(t, leaf.Raw, back.Raw)
}

func TestSign_RSACAUsesSHA256(t *testing.T) {
	_, session := newTestSession(t, testca.Options{RSA: true})
	cert, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: newTestCSR(t, "rsa.example.com"), ValidityDays: 30})
	require.NoError(t, err)
	assert.Equal(t, x509.SHA256WithRSA, cert.X509.SignatureAlgorithm)
}

func TestSign_ValidityWindow(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	cert, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: newTestCSR(t, "v.example.com"), ValidityDays: 375})
	require.NoError(t, err)

	window := cert.X509.NotAfter.Sub(cert.X509.NotBefore)
	assert.InDelta(t, float64(375*24*time.Hour), float64(window), float64(time.Second))
	assert.True(t, cert.X509.NotAfter.After(cert.X509.NotBefore))
}

func TestSign_RejectsValidityOutOfPolicy(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	signer := pki.NewSigner()
	for _, days := range []int{0, -1, 826, 10000} {
		_, err := signer.Sign(session, pki.SignRequest{CSR: newTestCSR(t, "p.example.com"), ValidityDays: days})
		assert.True(t, errors.Is(err, certerr.ErrInvalidValidityPeriod), "days=%d", days)
	}
	for _, days := range []int{1, 825} {
		_, err := signer.Sign(session, pki.SignRequest{CSR: newTestCSR(t, "p.example.com"), ValidityDays: days})
		assert.NoError(t, err, "days=%d", days)
	}
}

func TestSign_ClampsToCALifetime(t *testing.T) {
	caNotAfter := time.Now().Add(100 * 24 * time.Hour).Truncate(time.Second)
	_, session := newTestSession(t, testca.Options{NotAfter: caNotAfter})

	cert, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: newTestCSR(t, "c.example.com"), ValidityDays: 375})
	require.NoError(t, err)
	assert.True(t, cert.X509.NotAfter.Equal(session.Certificate().NotAfter))
}

func TestSign_SerialUniqueness(t *testing.T) {
	n := 10000
	if testing.Short() {
		n = 500
	}
	_, session := newTestSession(t, testca.Options{})
	signer := pki.NewSigner()
	req := newTestCSR(t, "serial.example.com")

	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		cert, err := signer.Sign(session, pki.SignRequest{CSR: req, ValidityDays: 1})
		require.NoError(t, err)
		serial := cert.Serial()
		_, dup := seen[serial]
		require.False(t, dup, "duplicate serial %s after %d certificates", serial, i)
		seen[serial] = struct{}{}
		require.Equal(t, 1, cert.X509.SerialNumber.Sign())
		require.LessOrEqual(t, cert.X509.SerialNumber.BitLen(), 159)
	}
	assert.Len(t, seen, n)
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls int
	known int
}

func (r *fakeRegistry) HasSerial(string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.calls <= r.known, nil
}

func TestSign_RedrawsSerialKnownToRegistry(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	reg := &fakeRegistry{known: 2}
	_, err := pki.NewSigner(pki.WithSerialRegistry(reg)).Sign(session, pki.SignRequest{CSR: newTestCSR(t, "r.example.com"), ValidityDays: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, reg.calls)
}

func TestSign_CustomExtKeyUsage(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	cert, err := pki.NewSigner(pki.WithExtKeyUsage(x509.ExtKeyUsageServerAuth)).
		Sign(session, pki.SignRequest{CSR: newTestCSR(t, "s.example.com"), ValidityDays: 1})
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.X509.ExtKeyUsage)
}

func TestSign_ECDSALeafHasNoKeyEncipherment(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	k, err := key.FromSigner(ecKey)
	require.NoError(t, err)
	req, err := csr.Build(k, "ec.example.com", []csr.SAN{csr.DNS("ec.example.com")})
	require.NoError(t, err)

	cert, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: req, ValidityDays: 1})
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.X509.KeyUsage)
}

func TestSign_AfterClose(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	require.NoError(t, session.Close())
	_, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: newTestCSR(t, "x.example.com"), ValidityDays: 1})
	assert.True(t, errors.Is(err, certerr.ErrSigningFailed))
}

func TestSign_RejectsBadCSRSignature(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	req := newTestCSR(t, "bad.example.com")
	forged := *req
	forged.Signature = append([]byte(nil), req.Signature...)
	forged.Signature[0] ^= 0xff
	_, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: &forged, ValidityDays: 1})
	assert.True(t, errors.Is(err, certerr.ErrCsrParseError))
}

func TestSign_ConcurrentUse(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	signer := pki.NewSigner()
	req := newTestCSR(t, "conc.example.com")

	var wg sync.WaitGroup
	serials := make([]string, 64)
	for i := range serials {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := signer.Sign(session, pki.SignRequest{CSR: req, ValidityDays: 1})
			if assert.NoError(t, err) {
				serials[i] = cert.Serial()
			}
		}()
	}
	wg.Wait()

	uniq := make(map[string]struct{})
	for _, s := range serials {
		uniq[s] = struct{}{}
	}
	assert.Len(t, uniq, len(serials))
}

// ---------------------------------------------------------------------------
// Info and expiry
// ---------------------------------------------------------------------------

func selfSigned(t *testing.T, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0xABCDEF),
		Subject:      pkix.Name{CommonName: "expiry.example.com", Organization: []string{"Example"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		DNSNames:     []string{"expiry.example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestExpiryPredicates(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	expired := selfSigned(t, now.Add(-48*time.Hour), now.Add(-time.Second))
	assert.True(t, pki.IsExpiredAt(expired, now))
	assert.LessOrEqual(t, pki.DaysUntilExpirationAt(expired, now), 0)
	assert.True(t, pki.IsExpired(expired))
	assert.LessOrEqual(t, pki.DaysUntilExpiration(expired), 0)

	soon := selfSigned(t, now.Add(-time.Hour), now.Add(30*24*time.Hour))
	assert.False(t, pki.IsExpiredAt(soon, now))
	assert.Equal(t, 30, pki.DaysUntilExpirationAt(soon, now))
	assert.False(t, pki.IsExpired(soon))

	longAgo := selfSigned(t, now.Add(-400*24*time.Hour), now.Add(-10*24*time.Hour))
	assert.Equal(t, -10, pki.DaysUntilExpirationAt(longAgo, now))
}

func TestExtractInfo(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	cert := selfSigned(t, now.Add(-time.Hour), now.Add(10*24*time.Hour))

	info := pki.ExtractInfo(cert, now)
	assert.Equal(t, "CN=expiry.example.com, O=Example", info.Subject)
	assert.Equal(t, info.Subject, info.Issuer)
	assert.Equal(t, "ABCDEF", info.SerialNumber)
	assert.Equal(t, []string{"DNS:expiry.example.com"}, info.SANs)
	assert.Equal(t, "ECDSA P-256", info.PublicKeyAlgorithm)
	assert.Equal(t, 256, info.PublicKeySize)
	assert.Equal(t, "ECDSA-SHA256", info.SignatureAlgorithm)
	assert.Equal(t, 10, info.DaysRemaining)
	assert.False(t, info.IsExpired)
	assert.True(t, info.IsExpiringSoon)
	assert.Len(t, info.FingerprintSHA1, 20*3-1)
	assert.Len(t, info.FingerprintSHA256, 32*3-1)
	assert.Regexp(t, `^([0-9A-F]{2}:)+[0-9A-F]{2}$`, info.FingerprintSHA256)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, field := range []string{"subject", "issuer", "serial_number", "not_before", "not_after", "sans",
		"public_key_algorithm", "public_key_size", "signature_algorithm", "fingerprint_sha1", "fingerprint_sha256",
		"days_remaining", "is_expired"} {
		assert.Contains(t, decoded, field)
	}
}

func TestCertificateInfo_IssuedLeaf(t *testing.T) {
	_, session := newTestSession(t, testca.Options{})
	cert, err := pki.NewSigner().Sign(session, pki.SignRequest{CSR: newTestCSR(t, "info.example.com"), ValidityDays: 375})
	require.NoError(t, err)

	info := cert.Info(time.Now())
	assert.Equal(t, "RSA", info.PublicKeyAlgorithm)
	assert.Equal(t, 2048, info.PublicKeySize)
	assert.Equal(t, []string{"Digital Signature", "Key Encipherment"}, info.KeyUsage)
	assert.Equal(t, []string{"TLS Web Server Authentication", "TLS Web Client Authentication"}, info.ExtKeyUsage)
	assert.Equal(t, cert.Serial(), info.SerialNumber)
	assert.False(t, info.IsCA)
	assert.Contains(t, []int{374, 375}, info.DaysRemaining)
}

func TestLoadCertificate(t *testing.T) {
	ca := testca.New(t, testca.Options{})
	cert, err := pki.LoadCertificate(ca.CertPath)
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.Raw, cert.Raw)

	_, err = pki.LoadCertificate(ca.Dir + "/missing.pem")
	assert.True(t, errors.Is(err, certerr.ErrFileReadFailed))

	junk := ca.Dir + "/junk.pem"
	require.NoError(t, os.WriteFile(junk, []byte("junk"), 0o600))
	_, err = pki.LoadCertificate(junk)
	assert.True(t, errors.Is(err, certerr.ErrCertParseError))
}

func TestParseExtKeyUsage(t *testing.T) {
	u, ok := pki.ParseExtKeyUsage("server")
	assert.True(t, ok)
	assert.Equal(t, x509.ExtKeyUsageServerAuth, u)
	_, ok = pki.ParseExtKeyUsage("banana")
	assert.False(t, ok)
}
