package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/pki"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// GenerateRequest asks the server to create a key and certificate.
type GenerateRequest struct {
	CommonName      string   `json:"common_name"`
	SANs            []string `json:"sans"`
	ValidityDays    int      `json:"validity_days"`
	KeySize         int      `json:"key_size"`
	PasswordProtect bool     `json:"password_protect"`
	KeyPassword     string   `json:"key_password,omitempty"`
}

func (r *GenerateRequest) applyDefaults(validityDays int, keySize key.Size) {
	if r.ValidityDays == 0 {
		r.ValidityDays = validityDays
	}
	if r.KeySize == 0 {
		r.KeySize = int(keySize)
	}
}

// Validate checks the request after defaults have been applied.
func (r *GenerateRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CommonName, validation.Required, validation.RuneLength(1, 64)),
		validation.Field(&r.ValidityDays, validation.Min(pki.MinValidityDays), validation.Max(pki.MaxValidityDays)),
		validation.Field(&r.KeySize, validation.In(int(key.Size2048), int(key.Size3072), int(key.Size4096))),
		validation.Field(&r.KeyPassword, validation.Required.When(r.PasswordProtect)),
	)
}

// IssuedCertificate is a certificate returned by the issuing endpoints.
type IssuedCertificate struct {
	PEM        string    `json:"pem"`
	PrivateKey string    `json:"private_key,omitempty"`
	CAChain    string    `json:"ca_chain,omitempty"`
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	Serial     string    `json:"serial"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	SANs       []string  `json:"sans,omitempty"`
}

type CertificateResponse struct {
	Success     bool              `json:"success"`
	Certificate IssuedCertificate `json:"certificate"`
}

type InfoResponse struct {
	Success     bool                `json:"success"`
	Certificate pki.CertificateInfo `json:"certificate"`
}
