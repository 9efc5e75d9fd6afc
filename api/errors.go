package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/certsmith/certerr"
)

// Error codes returned in ErrorResponse.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidCSR          = "INVALID_CSR"
	CodeInvalidCertificate  = "INVALID_CERTIFICATE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeCAError             = "CA_ERROR"
	CodeSigningFailed       = "SIGNING_FAILED"
	CodeKeyGenerationFailed = "KEY_GENERATION_FAILED"
	CodeInternalError       = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: ErrorDetail{Code: code, Message: msg}})
}

// mapError translates a pipeline error into a status and error code.
// CA failures are reported without paths; the detail stays in the server log.
func mapError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "request body too large")
		return
	}

	kind := certerr.KindOf(err)
	switch kind {
	case certerr.InvalidSanFormat, certerr.InvalidValidityPeriod, certerr.InvalidParameter:
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
	case certerr.CsrParseError:
		writeError(w, http.StatusBadRequest, CodeInvalidCSR, err.Error())
	case certerr.CertParseError:
		writeError(w, http.StatusBadRequest, CodeInvalidCertificate, err.Error())
	case certerr.CaKeyNotFound, certerr.CaCertNotFound, certerr.CaCertExpired,
		certerr.CaKeyUnlockFailed, certerr.CaKeyCertMismatch:
		writeError(w, http.StatusInternalServerError, CodeCAError, kind.String())
	case certerr.SigningFailed, certerr.CsrCreationFailed:
		writeError(w, http.StatusInternalServerError, CodeSigningFailed, "certificate signing failed")
	case certerr.KeyGenerationFailed:
		writeError(w, http.StatusInternalServerError, CodeKeyGenerationFailed, "key generation failed")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}
