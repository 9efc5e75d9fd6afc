package batch

import (
	"crypto/x509"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/pki"
)

// File suffixes of issued material. The .crt file holds the same PEM bytes
// as .cert.pem for tooling that expects that extension.
const (
	SuffixKey     = ".key.pem"
	SuffixCSR     = ".csr.pem"
	SuffixCert    = ".cert.pem"
	SuffixCertAlt = ".crt"
)

// OutputPaths returns where an item named name is written below dir.
func OutputPaths(dir, name string) (keyPath, csrPath, certPath, certAltPath string) {
	base := filepath.Join(dir, name)
	return base + SuffixKey, base + SuffixCSR, base + SuffixCert, base + SuffixCertAlt
}

// write saves the item's outputs. On failure every file it wrote is removed
// again, so a failed item leaves nothing behind.
func (w *worker) write(item Item, leafKey *key.PrivateKey, req *x509.CertificateRequest, cert *pki.Certificate) (_ *Issued, err error) {
	const op = "batch.write"
	keyPath, csrPath, certPath, certAltPath := OutputPaths(w.cfg.OutputDir, item.Name)

	out := &Issued{
		Item:        item.Name,
		Serial:      cert.Serial(),
		NotAfter:    cert.X509.NotAfter,
		CertPath:    certPath,
		CertAltPath: certAltPath,
		Certificate: cert,
	}
	var written []string
	defer func() {
		if err != nil {
			for _, p := range written {
				os.Remove(p)
			}
		}
	}()

	switch {
	case item.KeyPath != "":
		out.KeyPath = item.KeyPath
	case leafKey != nil:
		if err := key.Save(leafKey, keyPath, w.keyPassword, key.WithMode(w.cfg.KeyMode)); err != nil {
			return nil, err
		}
		out.KeyPath = keyPath
		written = append(written, keyPath)
	}

	if item.CSRPath != "" {
		out.CSRPath = item.CSRPath
	} else {
		if err := csr.Save(req, csrPath, csr.DefaultMode); err != nil {
			return nil, err
		}
		out.CSRPath = csrPath
		written = append(written, csrPath)
	}

	certPEM := cert.PEM()
	for _, p := range []string{certPath, certAltPath} {
		if err := util.WriteFileAtomic(p, certPEM, w.cfg.CertMode); err != nil {
			return nil, certerr.WithPath(certerr.FileWriteFailed, op, p, err)
		}
		written = append(written, p)
	}

	for _, p := range written {
		if err := w.owner.apply(p); err != nil {
			return nil, certerr.WithPath(certerr.FileWriteFailed, op, p, err)
		}
	}
	return out, nil
}

// ownership is a resolved owner and group; -1 leaves the id unchanged.
type ownership struct {
	uid, gid int
}

func (o ownership) apply(path string) error {
	if o.uid < 0 && o.gid < 0 {
		return nil
	}
	if err := os.Chown(path, o.uid, o.gid); err != nil {
		return fmt.Errorf("changing ownership: %w", err)
	}
	return nil
}

// resolveOwnership looks up owner and group names (or numeric ids).
func resolveOwnership(owner, group string) (ownership, error) {
	const op = "batch.Run"
	o := ownership{uid: -1, gid: -1}
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			if u, err = user.LookupId(owner); err != nil {
				return o, certerr.WithDetail(certerr.InvalidConfig, op, "unknown owner "+owner)
			}
		}
		id, err := strconv.Atoi(u.Uid)
		if err != nil {
			return o, certerr.WithDetail(certerr.InvalidConfig, op, "owner "+owner+" has no numeric uid")
		}
		o.uid = id
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			if g, err = user.LookupGroupId(group); err != nil {
				return o, certerr.WithDetail(certerr.InvalidConfig, op, "unknown group "+group)
			}
		}
		id, err := strconv.Atoi(g.Gid)
		if err != nil {
			return o, certerr.WithDetail(certerr.InvalidConfig, op, "group "+group+" has no numeric gid")
		}
		o.gid = id
	}
	return o, nil
}
