// Package batch drives key generation, CSR building and signing across many
// items with a single CA session.
//
// A run moves through Discover, Filter and Select (see discover.go), then
// Run: every interactive input is collected first, the CA is opened once,
// and items are processed sequentially or by a bounded worker pool. Item
// failures are recorded in the Result; only CA and configuration failures
// abort the run.
package batch

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/internal/uuid"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/ledger"
	"github.com/jmcleod/certsmith/pki"
	"github.com/jmcleod/certsmith/secret"
)

// DefaultMaxWorkers bounds the parallel worker pool when none is configured.
const DefaultMaxWorkers = 4

// Default file permissions for issued material.
const (
	DefaultKeyMode  os.FileMode = 0o400
	DefaultCertMode os.FileMode = 0o640
	DefaultDirMode  os.FileMode = 0o755
)

// Config is everything a run needs. It is read-only once passed to New.
type Config struct {
	CAKeyPath  string
	CACertPath string
	// CAPassword is asked once, and only if the CA key is encrypted.
	CAPassword secret.Provider
	// DecryptedKeyDir enables the on-disk decrypted CA key artifact.
	DecryptedKeyDir string

	OutputDir    string
	KeySize      key.Size
	ValidityDays int
	ExtKeyUsage  []x509.ExtKeyUsage

	KeyMode  os.FileMode
	CertMode os.FileMode
	DirMode  os.FileMode
	Owner    string
	Group    string

	Parallel   bool
	MaxWorkers int

	// ProtectKeys encrypts generated private keys with a password obtained
	// once from KeyPassword before any worker starts.
	ProtectKeys bool
	KeyPassword secret.Provider

	// CommonSANs are appended to every item's SANs, in TYPE:value form.
	CommonSANs []string

	Ledger ledger.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Item is one unit of work. With CSRPath set the CSR is signed as supplied;
// otherwise a key is generated (or loaded from KeyPath) and a CSR is built
// from CommonName and SANs. Regenerate keeps only the subject CN and SANs of
// the CSR at CSRPath and issues for a freshly generated key.
type Item struct {
	Name       string
	CommonName string
	SANs       []string
	CSRPath    string
	KeyPath    string
	Regenerate bool
}

// ownsKey reports whether processing the item generates or loads a private
// key.
func (it Item) ownsKey() bool {
	return it.CSRPath == "" || it.Regenerate
}

// Issued describes the outputs of one successful item.
type Issued struct {
	Item        string
	Serial      string
	NotAfter    time.Time
	KeyPath     string
	CSRPath     string
	CertPath    string
	CertAltPath string
	Certificate *pki.Certificate `json:"-"`
}

// Failure is one failed item.
type Failure struct {
	Item    string       `json:"item"`
	Kind    certerr.Kind `json:"-"`
	Message string       `json:"message"`
}

// Result aggregates a run. Successful + Failed == Total, and Failures
// follows input order.
type Result struct {
	RunID      string
	Total      int
	Successful int
	Failed     int
	Issued     []*Issued
	Failures   []Failure
	Warnings   []string
}

// Orchestrator runs batches against one configuration.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.KeySize == 0 {
		cfg.KeySize = key.DefaultSize
	}
	if cfg.ValidityDays == 0 {
		cfg.ValidityDays = pki.DefaultValidityDays
	}
	if cfg.KeyMode == 0 {
		cfg.KeyMode = DefaultKeyMode
	}
	if cfg.CertMode == 0 {
		cfg.CertMode = DefaultCertMode
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = DefaultDirMode
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{cfg: cfg, logger: logger, now: now}, nil
}

func (c *Config) validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.CAKeyPath, validation.Required),
		validation.Field(&c.CACertPath, validation.Required),
		validation.Field(&c.OutputDir, validation.Required),
		validation.Field(&c.KeySize, validation.By(func(any) error {
			if !c.KeySize.Valid() {
				return fmt.Errorf("unsupported key size %d", int(c.KeySize))
			}
			return nil
		})),
		validation.Field(&c.ValidityDays, validation.Min(pki.MinValidityDays), validation.Max(pki.MaxValidityDays)),
		validation.Field(&c.MaxWorkers, validation.Min(1)),
		validation.Field(&c.KeyMode, validation.By(noExecuteBit)),
		validation.Field(&c.CertMode, validation.By(noExecuteBit)),
		validation.Field(&c.KeyPassword, validation.Required.When(c.ProtectKeys).Error("is required when protecting keys")),
	)
	if err != nil {
		return certerr.WithDetail(certerr.InvalidConfig, "batch.New", err.Error())
	}
	return nil
}

func noExecuteBit(v any) error {
	if mode, ok := v.(os.FileMode); ok && mode&0o111 != 0 {
		return fmt.Errorf("mode %04o must not be executable", mode)
	}
	return nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run issues certificates for items. A CA or configuration failure aborts
// the run and is returned as the error; everything else is recorded per item.
func (o *Orchestrator) Run(ctx context.Context, items []Item) (*Result, error) {
	res, _, err := o.run(ctx, items, o.cfg.Parallel && len(items) > 1)
	return res, err
}

// IssueOne runs the pipeline for a single item and returns its error directly.
func (o *Orchestrator) IssueOne(ctx context.Context, item Item) (*Issued, error) {
	res, errs, err := o.run(ctx, []Item{item}, false)
	if err != nil {
		return nil, err
	}
	if errs[0] != nil {
		return nil, certerr.ForItem(item.Name, errs[0])
	}
	return res.Issued[0], nil
}

func (o *Orchestrator) run(ctx context.Context, items []Item, parallel bool) (*Result, []error, error) {
	runID := uuid.New()
	logger := o.logger.With(slog.String("run_id", runID))

	if o.cfg.ProtectKeys && !slices.ContainsFunc(items, Item.ownsKey) {
		return nil, nil, certerr.WithDetail(certerr.InvalidConfig, "batch.Run",
			"key protection requested but every item signs a supplied CSR")
	}

	// Collect every interactive input before any work starts.
	keyPassword, err := o.collectKeyPassword(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer keyPassword.Destroy()

	owner, err := resolveOwnership(o.cfg.Owner, o.cfg.Group)
	if err != nil {
		return nil, nil, err
	}

	session, err := pki.Open(ctx, pki.SessionConfig{
		KeyPath:         o.cfg.CAKeyPath,
		CertPath:        o.cfg.CACertPath,
		Password:        o.cfg.CAPassword,
		DecryptedKeyDir: o.cfg.DecryptedKeyDir,
		Now:             o.cfg.Now,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()

	if err := os.MkdirAll(o.cfg.OutputDir, o.cfg.DirMode); err != nil {
		return nil, nil, certerr.WithPath(certerr.FileWriteFailed, "batch.Run", o.cfg.OutputDir, err)
	}

	w := &worker{
		cfg:         &o.cfg,
		session:     session,
		signer:      o.newSigner(logger),
		keyPassword: keyPassword,
		owner:       owner,
		runID:       runID,
		logger:      logger,
		now:         o.now,
	}

	issued := make([]*Issued, len(items))
	errs := make([]error, len(items))

	logger.Info("batch started", slog.Int("items", len(items)), slog.Bool("parallel", parallel))
	if parallel {
		var g errgroup.Group
		g.SetLimit(o.cfg.MaxWorkers)
		for i := range items {
			g.Go(func() error {
				issued[i], errs[i] = w.process(ctx, items[i])
				return nil
			})
		}
		g.Wait()
	} else {
		for i := range items {
			issued[i], errs[i] = w.process(ctx, items[i])
		}
	}

	res := &Result{RunID: runID, Total: len(items), Warnings: session.Warnings()}
	for i, item := range items {
		if errs[i] == nil {
			res.Successful++
			res.Issued = append(res.Issued, issued[i])
			continue
		}
		res.Failed++
		e := certerr.ForItem(item.Name, errs[i])
		res.Failures = append(res.Failures, Failure{Item: item.Name, Kind: e.Kind, Message: e.Error()})
		logger.Warn("item failed", slog.String("item", item.Name), slog.String("kind", e.Kind.String()), "error", errs[i])
	}
	logger.Info("batch finished", slog.Int("successful", res.Successful), slog.Int("failed", res.Failed))
	return res, errs, nil
}

func (o *Orchestrator) newSigner(logger *slog.Logger) *pki.Signer {
	opts := []pki.SignerOption{pki.WithLogger(logger)}
	if len(o.cfg.ExtKeyUsage) > 0 {
		opts = append(opts, pki.WithExtKeyUsage(o.cfg.ExtKeyUsage...))
	}
	if o.cfg.Ledger != nil {
		opts = append(opts, pki.WithSerialRegistry(o.cfg.Ledger))
	}
	if o.cfg.Now != nil {
		opts = append(opts, pki.WithClock(o.cfg.Now))
	}
	return pki.NewSigner(opts...)
}

// collectKeyPassword asks for the output-key password once. It returns nil
// when keys are not protected.
func (o *Orchestrator) collectKeyPassword(ctx context.Context) (*secret.Secret, error) {
	const op = "batch.Run"
	if !o.cfg.ProtectKeys {
		return nil, nil
	}
	pw, err := o.cfg.KeyPassword.Password(ctx, "Password for issued private keys")
	if err != nil {
		if ctx.Err() != nil {
			return nil, certerr.New(certerr.Cancelled, op, err)
		}
		return nil, certerr.New(certerr.InvalidConfig, op, fmt.Errorf("reading key password: %w", err))
	}
	if pw.Empty() {
		pw.Destroy()
		return nil, certerr.WithDetail(certerr.InvalidConfig, op, "key password is empty")
	}
	return pw, nil
}
