package batch

import (
	"context"
	"crypto/x509"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/ledger"
	"github.com/jmcleod/certsmith/pki"
	"github.com/jmcleod/certsmith/secret"
)

// worker holds the immutable inputs shared by every item of a run.
type worker struct {
	cfg         *Config
	session     *pki.Session
	signer      *pki.Signer
	keyPassword *secret.Secret
	owner       ownership
	runID       string
	logger      *slog.Logger
	now         func() time.Time
}

func (w *worker) process(ctx context.Context, item Item) (*Issued, error) {
	const op = "batch.process"

	if err := ctx.Err(); err != nil {
		return nil, certerr.New(certerr.Cancelled, op, err)
	}
	if err := validName(item.Name); err != nil {
		return nil, err
	}

	sans, err := csr.ParseSANs(append(slices.Clone(item.SANs), w.cfg.CommonSANs...))
	if err != nil {
		return nil, err
	}

	var (
		req     *x509.CertificateRequest
		leafKey *key.PrivateKey
	)
	if item.CSRPath != "" {
		req, err = csr.Load(item.CSRPath)
		if err != nil {
			return nil, err
		}
		requested, err := csr.CheckRequest(req)
		if err != nil {
			return nil, err
		}
		if item.Regenerate {
			// The supplied CSR only names the certificate; key and CSR are
			// made fresh and written next to the certificate.
			if item.CommonName == "" {
				item.CommonName = req.Subject.CommonName
			}
			sans = csr.Dedupe(append(requested, sans...))
			item.CSRPath, req = "", nil
		}
	}
	if req == nil {
		leafKey, err = w.leafKey(item)
		if err != nil {
			return nil, err
		}
		defer leafKey.Destroy()

		cn := commonName(item)
		if len(sans) == 0 {
			san, err := csr.ParseSAN("DNS:" + cn)
			if err != nil {
				return nil, err
			}
			sans = []csr.SAN{san}
		}
		req, err = csr.Build(leafKey, cn, sans)
		if err != nil {
			return nil, err
		}
		sans = nil
	}

	cert, err := w.signer.Sign(w.session, pki.SignRequest{
		CSR:          req,
		ValidityDays: w.cfg.ValidityDays,
		ExtraSANs:    sans,
	})
	if err != nil {
		return nil, err
	}

	out, err := w.write(item, leafKey, req, cert)
	if err != nil {
		return nil, err
	}

	if w.cfg.Ledger != nil {
		rec := ledger.NewRecord(cert, item.Name, out.CertPath, w.runID, w.now())
		if err := w.cfg.Ledger.Put(rec); err != nil {
			return nil, certerr.New(certerr.FileWriteFailed, "batch.record", err)
		}
	}

	w.logger.Info("certificate issued",
		slog.String("item", item.Name),
		slog.String("serial", out.Serial),
		slog.Time("not_after", out.NotAfter))
	return out, nil
}

// leafKey loads the item's existing key, or generates a fresh one.
func (w *worker) leafKey(item Item) (*key.PrivateKey, error) {
	if item.KeyPath != "" {
		return key.Load(item.KeyPath, w.keyPassword)
	}
	return key.Generate(w.cfg.KeySize)
}

func commonName(item Item) string {
	if item.CommonName != "" {
		return item.CommonName
	}
	return item.Name
}

// validName rejects names that would escape the output directory.
func validName(name string) error {
	const op = "batch.process"
	switch {
	case name == "":
		return certerr.WithDetail(certerr.InvalidParameter, op, "item name is empty")
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return certerr.WithDetail(certerr.InvalidParameter, op, "item name "+name+" is not a plain file name")
	}
	return nil
}
