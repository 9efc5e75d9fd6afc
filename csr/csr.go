// Package csr parses subject alternative names and builds, encodes and
// decodes PKCS#10 certificate signing requests.
package csr

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"os"
	"strings"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/key"
)

const pemTypeCSR = "CERTIFICATE REQUEST"

// DefaultMode is the permission applied to saved CSRs.
const DefaultMode os.FileMode = 0o644

// Build creates a CSR for k with the given common name and SANs, self-signed
// with SHA-256. Both a common name and at least one SAN are required.
func Build(k *key.PrivateKey, commonName string, sans []SAN) (*x509.CertificateRequest, error) {
	const op = "csr.Build"

	commonName = strings.TrimSpace(commonName)
	if commonName == "" {
		return nil, certerr.WithDetail(certerr.CsrCreationFailed, op, "common name is required")
	}
	sans = Dedupe(sans)
	if len(sans) == 0 {
		return nil, certerr.WithDetail(certerr.CsrCreationFailed, op, "at least one SAN is required")
	}
	signer := k.Signer()
	if signer == nil {
		return nil, certerr.WithDetail(certerr.CsrCreationFailed, op, "key has been destroyed")
	}

	dnsNames, ips, emails := Apply(sans)
	template := &x509.CertificateRequest{
		Subject:        pkix.Name{CommonName: commonName},
		DNSNames:       dnsNames,
		IPAddresses:    ips,
		EmailAddresses: emails,
	}
	switch k.Algorithm() {
	case "RSA":
		template.SignatureAlgorithm = x509.SHA256WithRSA
	case "ECDSA":
		template.SignatureAlgorithm = x509.ECDSAWithSHA256
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, certerr.New(certerr.CsrCreationFailed, op, err)
	}
	req, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, certerr.New(certerr.CsrCreationFailed, op, err)
	}
	return req, nil
}

// ToPEM encodes req as a PEM CERTIFICATE REQUEST block.
func ToPEM(req *x509.CertificateRequest) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: req.Raw})
}

// FromPEM decodes a PEM CSR and verifies its self-signature. Both the
// standard and the legacy "NEW CERTIFICATE REQUEST" block types are accepted.
func FromPEM(data []byte) (*x509.CertificateRequest, error) {
	const op = "csr.FromPEM"

	var block *pem.Block
	rest := data
	for {
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, certerr.WithDetail(certerr.CsrParseError, op, "no PEM certificate request block found")
		}
		if block.Type == pemTypeCSR || block.Type == "NEW "+pemTypeCSR {
			break
		}
	}

	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, certerr.New(certerr.CsrParseError, op, err)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, certerr.New(certerr.CsrParseError, op, errors.Join(errors.New("signature check failed"), err))
	}
	return req, nil
}

// Load reads and decodes a CSR file.
func Load(path string) (*x509.CertificateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, certerr.WithPath(certerr.FileReadFailed, "csr.Load", path, err)
	}
	req, err := FromPEM(data)
	if err != nil {
		var e *certerr.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	return req, nil
}

// Save writes req to path as PEM with the given mode.
func Save(req *x509.CertificateRequest, path string, mode os.FileMode) error {
	if err := util.WriteFileAtomic(path, ToPEM(req), mode); err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, "csr.Save", path, err)
	}
	return nil
}
