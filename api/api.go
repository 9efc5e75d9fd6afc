// Package api serves certificate issuance over HTTP.
package api

import (
	"context"
	"crypto/x509"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/ledger"
	"github.com/jmcleod/certsmith/pki"
)

// MaxBodyBytes caps every request body.
const MaxBodyBytes = 5 << 20

// SessionOpener unlocks the CA for one request. The API closes every session
// it opens before the response is written.
type SessionOpener func(ctx context.Context) (*pki.Session, error)

// API holds the dependencies needed by the REST handlers.
type API struct {
	open           SessionOpener
	signer         *pki.Signer
	ledger         ledger.Store
	extKeyUsage    []x509.ExtKeyUsage
	validityDays   int
	keySize        key.Size
	version        string
	trustedProxies []netip.Prefix
	now            func() time.Time

	logger  *slog.Logger
	limiter *failureLimiter
	audit   *auditLogger
	alertFn AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithLedger records every issued certificate and makes the signer avoid
// serials already in the ledger.
func WithLedger(store ledger.Store) Option {
	return func(a *API) { a.ledger = store }
}

// WithDefaults sets the validity and key size used when a request omits them.
func WithDefaults(validityDays int, keySize key.Size) Option {
	return func(a *API) {
		if validityDays > 0 {
			a.validityDays = validityDays
		}
		if keySize.Valid() {
			a.keySize = keySize
		}
	}
}

// WithExtKeyUsage sets the extended key usages placed on issued leaves.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) Option {
	return func(a *API) { a.extKeyUsage = usages }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithTrustedProxies lets the rate limiter honour forwarding headers from
// peers inside the given prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAlertFunc registers a callback for issuance anomalies.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API instance.
func New(open SessionOpener, opts ...Option) *API {
	a := &API{
		open:         open,
		validityDays: pki.DefaultValidityDays,
		keySize:      key.DefaultSize,
		version:      "dev",
		now:          time.Now,
		limiter:      newFailureLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger, newMetricsCollector(a.alertFn))

	signerOpts := []pki.SignerOption{
		pki.WithExtKeyUsage(a.extKeyUsage...),
		pki.WithClock(a.now),
		pki.WithLogger(a.logger),
	}
	if a.ledger != nil {
		signerOpts = append(signerOpts, pki.WithSerialRegistry(a.ledger))
	}
	a.signer = pki.NewSigner(signerOpts...)
	return a
}

// Router returns a chi.Router with all API routes mounted. It expects to be
// mounted at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, SecurityHeaders(a.trustedProxies), limitBody)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Post("/cert/info", a.CertificateInfo)

	r.Group(func(r chi.Router) {
		r.Use(a.rateLimit)
		r.Post("/cert/generate", a.GenerateCertificate)
		r.Post("/csr/upload", a.UploadCSR)
	})

	return r
}

// RunSweeper drops stale rate limiter records every interval until ctx is
// done.
func (a *API) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.sweep()
		}
	}
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// issue opens a CA session, signs req and records the result. The session is
// closed before issue returns.
func (a *API) issue(r *http.Request, name string, req pki.SignRequest) (*pki.Certificate, []byte, error) {
	session, err := a.open(r.Context())
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()

	cert, err := a.signer.Sign(session, req)
	if err != nil {
		return nil, nil, err
	}
	if a.ledger != nil {
		rec := ledger.NewRecord(cert, name, "", chimw.GetReqID(r.Context()), a.now())
		if err := a.ledger.Put(rec); err != nil {
			a.logger.Error("recording issued certificate",
				slog.String("serial", cert.Serial()), slog.Any("error", err))
		}
	}
	return cert, append([]byte(nil), session.CertificatePEM()...), nil
}
