package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/pki"
	"github.com/jmcleod/certsmith/secret"
)

// Health reports liveness. It never touches the CA.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: a.version})
}

// GenerateCertificate creates a key pair and CSR server-side and returns the
// signed certificate with its private key.
func (a *API) GenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badBody(w, err, "invalid JSON body")
		return
	}
	req.applyDefaults(a.validityDays, a.keySize)
	if err := req.Validate(); err != nil {
		a.fail(w, r, certerr.WithDetail(certerr.InvalidParameter, "api.generate", err.Error()))
		return
	}

	sans, err := csr.ParseSANs(req.SANs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if len(sans) == 0 {
		sans = []csr.SAN{csr.DNS(req.CommonName)}
	}

	k, err := key.Generate(key.Size(req.KeySize))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer k.Destroy()

	cr, err := csr.Build(k, req.CommonName, sans)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cert, caPEM, err := a.issue(r, req.CommonName, pki.SignRequest{CSR: cr, ValidityDays: req.ValidityDays})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var password *secret.Secret
	if req.PasswordProtect {
		password = secret.FromString(req.KeyPassword)
		defer password.Destroy()
	}
	keyPEM, err := key.MarshalPEM(k, password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer util.WipeBytes(keyPEM)

	out := a.issued(cert, caPEM)
	out.PrivateKey = string(keyPEM)

	a.audit.log(AuditCertGenerated, r,
		slog.String("serial", out.Serial),
		slog.String("subject", out.Subject),
		slog.Bool("key_encrypted", req.PasswordProtect))
	writeJSON(w, http.StatusOK, CertificateResponse{Success: true, Certificate: out})
}

// UploadCSR signs a CSR supplied as the multipart field csr_file. Optional
// fields: sans (comma list merged with the CSR's own) and validity_days.
func (a *API) UploadCSR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(MaxBodyBytes); err != nil {
		badBody(w, err, "expected multipart/form-data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	data, err := formFile(r, "csr_file")
	if err != nil {
		badBody(w, err, "missing csr_file")
		return
	}
	cr, err := csr.FromPEM(data)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	extra, err := csr.ParseSANList(r.FormValue("sans"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	days := a.validityDays
	if v := strings.TrimSpace(r.FormValue("validity_days")); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil {
			a.fail(w, r, certerr.WithDetail(certerr.InvalidValidityPeriod, "api.upload", "validity_days must be an integer"))
			return
		}
	}

	cert, caPEM, err := a.issue(r, cr.Subject.CommonName, pki.SignRequest{CSR: cr, ValidityDays: days, ExtraSANs: extra})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := a.issued(cert, caPEM)

	a.audit.log(AuditCSRSigned, r,
		slog.String("serial", out.Serial),
		slog.String("subject", out.Subject))
	writeJSON(w, http.StatusOK, CertificateResponse{Success: true, Certificate: out})
}

// CertificateInfo parses a certificate sent either as the multipart field
// cert_file or as a raw PEM body.
func (a *API) CertificateInfo(w http.ResponseWriter, r *http.Request) {
	var data []byte
	var err error
	if isMultipart(r) {
		if err = r.ParseMultipartForm(MaxBodyBytes); err != nil {
			badBody(w, err, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()
		data, err = formFile(r, "cert_file")
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		badBody(w, err, "unable to read certificate")
		return
	}

	cert, err := pki.ParseCertificatePEM(data)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InfoResponse{Success: true, Certificate: pki.ExtractInfo(cert, a.now())})
}

func (a *API) issued(cert *pki.Certificate, caPEM []byte) IssuedCertificate {
	info := cert.Info(a.now())
	return IssuedCertificate{
		PEM:       string(cert.PEM()),
		CAChain:   string(caPEM),
		Subject:   info.Subject,
		Issuer:    info.Issuer,
		Serial:    info.SerialNumber,
		NotBefore: info.NotBefore,
		NotAfter:  info.NotAfter,
		SANs:      info.SANs,
	}
}

// fail logs and audits an issuance failure, then writes the mapped error.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := certerr.KindOf(err)
	a.audit.log(AuditIssueFailed, r, slog.String("kind", kind.String()))
	if kind == certerr.Unknown || kind.RunScoped() {
		a.logger.Error("issuing certificate", slog.Any("error", err))
	}
	mapError(w, err)
}

func badBody(w http.ResponseWriter, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		mapError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, CodeBadRequest, msg)
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
