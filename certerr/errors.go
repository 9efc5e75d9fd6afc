// Package certerr defines the error kinds shared by the issuance pipeline.
//
// Every failure surfaced by key, csr, pki and batch is an *Error carrying a
// Kind. Callers test for a kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, certerr.ErrCaCertExpired) { ... }
package certerr

import (
	"errors"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota

	// CA errors abort a whole run.
	CaKeyNotFound
	CaCertNotFound
	CaCertExpired
	CaKeyUnlockFailed
	CaKeyCertMismatch

	// Input errors.
	InvalidSanFormat
	InvalidValidityPeriod
	InvalidParameter

	// Cryptographic errors.
	KeyGenerationFailed
	CsrCreationFailed
	SigningFailed

	// I/O errors.
	FileReadFailed
	FileWriteFailed

	// Parse errors.
	KeyUnlockFailed
	KeyParseError
	CsrParseError
	CertParseError

	// Batch errors.
	NoCsrFilesFound
	InvalidConfig
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:               "Unknown",
	CaKeyNotFound:         "CaKeyNotFound",
	CaCertNotFound:        "CaCertNotFound",
	CaCertExpired:         "CaCertExpired",
	CaKeyUnlockFailed:     "CaKeyUnlockFailed",
	CaKeyCertMismatch:     "CaKeyCertMismatch",
	InvalidSanFormat:      "InvalidSanFormat",
	InvalidValidityPeriod: "InvalidValidityPeriod",
	InvalidParameter:      "InvalidParameter",
	KeyGenerationFailed:   "KeyGenerationFailed",
	CsrCreationFailed:     "CsrCreationFailed",
	SigningFailed:         "SigningFailed",
	FileReadFailed:        "FileReadFailed",
	FileWriteFailed:       "FileWriteFailed",
	KeyUnlockFailed:       "KeyUnlockFailed",
	KeyParseError:         "KeyParseError",
	CsrParseError:         "CsrParseError",
	CertParseError:        "CertParseError",
	NoCsrFilesFound:       "NoCsrFilesFound",
	InvalidConfig:         "InvalidConfig",
	Cancelled:             "Cancelled",
}

var kindMessages = map[Kind]string{
	CaKeyNotFound:         "CA private key not found",
	CaCertNotFound:        "CA certificate not found",
	CaCertExpired:         "CA certificate has expired",
	CaKeyUnlockFailed:     "unable to unlock CA private key",
	CaKeyCertMismatch:     "CA private key does not match CA certificate",
	InvalidSanFormat:      "invalid SAN format",
	InvalidValidityPeriod: "invalid validity period",
	InvalidParameter:      "invalid parameter",
	KeyGenerationFailed:   "key generation failed",
	CsrCreationFailed:     "CSR creation failed",
	SigningFailed:         "certificate signing failed",
	FileReadFailed:        "file read failed",
	FileWriteFailed:       "file write failed",
	KeyUnlockFailed:       "unable to unlock private key",
	KeyParseError:         "unable to parse private key",
	CsrParseError:         "unable to parse CSR",
	CertParseError:        "unable to parse certificate",
	NoCsrFilesFound:       "no CSR files found",
	InvalidConfig:         "invalid configuration",
	Cancelled:             "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// RunScoped reports whether errors of this kind terminate a whole run rather
// than a single item.
func (k Kind) RunScoped() bool {
	switch k {
	case CaKeyNotFound, CaCertNotFound, CaCertExpired, CaKeyUnlockFailed, CaKeyCertMismatch, InvalidConfig:
		return true
	default:
		return false
	}
}

// Error is the concrete error type. Detail must never hold secret material.
type Error struct {
	Kind   Kind
	Op     string // operation, e.g. "key.Load"
	Path   string // file involved, if any
	Item   string // batch item, if any
	Detail string // caller-visible context, e.g. the rejected SAN token
	Err    error  // underlying cause
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Item != "" {
		sb.WriteString(e.Item)
		sb.WriteString(": ")
	}
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	msg, ok := kindMessages[e.Kind]
	if !ok {
		msg = "error"
	}
	sb.WriteString(msg)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Path != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Path)
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, which lets the sentinels below
// work with errors.Is regardless of Op, Path or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Item == "" && t.Detail == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrCaKeyNotFound         = &Error{Kind: CaKeyNotFound}
	ErrCaCertNotFound        = &Error{Kind: CaCertNotFound}
	ErrCaCertExpired         = &Error{Kind: CaCertExpired}
	ErrCaKeyUnlockFailed     = &Error{Kind: CaKeyUnlockFailed}
	ErrCaKeyCertMismatch     = &Error{Kind: CaKeyCertMismatch}
	ErrInvalidSanFormat      = &Error{Kind: InvalidSanFormat}
	ErrInvalidValidityPeriod = &Error{Kind: InvalidValidityPeriod}
	ErrInvalidParameter      = &Error{Kind: InvalidParameter}
	ErrKeyGenerationFailed   = &Error{Kind: KeyGenerationFailed}
	ErrCsrCreationFailed     = &Error{Kind: CsrCreationFailed}
	ErrSigningFailed         = &Error{Kind: SigningFailed}
	ErrFileReadFailed        = &Error{Kind: FileReadFailed}
	ErrFileWriteFailed       = &Error{Kind: FileWriteFailed}
	ErrKeyUnlockFailed       = &Error{Kind: KeyUnlockFailed}
	ErrKeyParseError         = &Error{Kind: KeyParseError}
	ErrCsrParseError         = &Error{Kind: CsrParseError}
	ErrCertParseError        = &Error{Kind: CertParseError}
	ErrNoCsrFilesFound       = &Error{Kind: NoCsrFilesFound}
	ErrInvalidConfig         = &Error{Kind: InvalidConfig}
	ErrCancelled             = &Error{Kind: Cancelled}
)

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPath returns an *Error of the given kind attached to a file path.
func WithPath(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// WithDetail returns an *Error of the given kind carrying a detail string.
func WithDetail(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// ForItem attributes err to a batch item. Non-certerr errors are wrapped
// as Unknown.
func ForItem(item string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Item = item
		return &cp
	}
	return &Error{Kind: Unknown, Item: item, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
