package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/api"
	"github.com/jmcleod/certsmith/csr"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/ledger"
	"github.com/jmcleod/certsmith/pki"
)

// serverCertDays is the validity of the TLS certificate serve issues for
// itself when none is configured.
const serverCertDays = 30

var (
	serveBind           string
	servePort           int
	serveTLSCert        string
	serveTLSKey         string
	serveTrustedProxies []string
	serveAlertURL       string
	serveAlertHeader    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the issuance HTTP API",
	Long: `Starts an HTTPS server exposing certificate generation, CSR signing and
certificate inspection under /api. The CA password is asked once at startup.

Without --tls-cert/--tls-key the server issues its own certificate from the
intermediate CA, valid for localhost and the bind address.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveBind, "bind", "", "address to bind (default from config)")
	f.IntVarP(&servePort, "port", "p", 0, "port to listen on (default from config)")
	f.StringVar(&serveTLSCert, "tls-cert", "", "path to TLS certificate file")
	f.StringVar(&serveTLSKey, "tls-key", "", "path to TLS key file")
	f.StringVar(&caPasswordFile, "ca-password-file", "", "read the CA key password from this file")
	f.StringSliceVar(&serveTrustedProxies, "trusted-proxies", nil, "CIDRs whose forwarding headers are trusted for rate limiting")
	f.StringVar(&serveAlertURL, "alert-webhook", "", "POST issuance anomaly alerts to this URL")
	f.StringVar(&serveAlertHeader, "alert-webhook-header", "", `extra header for alert requests, "Name: value"`)
	serveCmd.MarkFlagsRequiredTogether("tls-cert", "tls-key")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	srv := cfg.Server
	if serveBind != "" {
		srv.Bind = serveBind
	}
	if servePort != 0 {
		srv.Port = servePort
	}
	if serveTLSCert != "" {
		srv.TLSCert, srv.TLSKey = serveTLSCert, serveTLSKey
	}

	proxies, err := parsePrefixes(serveTrustedProxies)
	if err != nil {
		return err
	}
	usages, err := cfg.Defaults.ExtKeyUsages()
	if err != nil {
		return err
	}

	jsonLogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	password := caPasswordProvider()
	open := func(ctx context.Context) (*pki.Session, error) {
		return pki.Open(ctx, pki.SessionConfig{
			KeyPath:  cfg.CAKeyPath,
			CertPath: cfg.CACertPath,
			Password: password,
			Logger:   jsonLogger,
		})
	}

	store, err := openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(store)

	// Unlock once before serving; later sessions reuse the cached password.
	session, err := open(ctx)
	if err != nil {
		return err
	}
	for _, w := range session.Warnings() {
		jsonLogger.Warn(w)
	}

	var tlsCert tls.Certificate
	if srv.TLSCert != "" {
		tlsCert, err = tls.LoadX509KeyPair(srv.TLSCert, srv.TLSKey)
		if err != nil {
			session.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		var leafKey *key.PrivateKey
		tlsCert, leafKey, err = serverCertificate(session, store, srv.Bind)
		if err != nil {
			session.Close()
			return fmt.Errorf("failed to issue server certificate: %w", err)
		}
		defer leafKey.Destroy()
		jsonLogger.Info("using server certificate issued by the intermediate CA",
			slog.String("serial", pki.FormatSerial(tlsCert.Leaf.SerialNumber)))
	}
	session.Close()

	opts := []api.Option{
		api.WithLogger(jsonLogger),
		api.WithDefaults(cfg.Defaults.CertDays, key.Size(cfg.Defaults.KeySize)),
		api.WithExtKeyUsage(usages...),
		api.WithVersion(Version),
		api.WithTrustedProxies(proxies),
	}
	if store != nil {
		opts = append(opts, api.WithLedger(store))
	}
	if serveAlertURL != "" {
		wh := api.NewAlertWebhook(serveAlertURL, serveAlertHeader, jsonLogger)
		defer wh.Close()
		opts = append(opts, api.WithAlertFunc(wh.Notify))
	}
	a := api.New(open, opts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/api", a.Router())

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.RunSweeper(sweepCtx, 10*time.Minute)

	server := &http.Server{
		Addr:    srv.Addr(),
		Handler: r,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			MinVersion:   tls.VersionTLS12,
		},
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(jsonLogger.Handler(), slog.LevelWarn),
	}

	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	if !quiet {
		printBanner(os.Stdout)
		fmt.Printf("Serving on https://%s/api (docs at /api/docs)\n", srv.Addr())
	}

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// serverCertificate issues a short-lived TLS certificate for the server from
// the open CA session. The returned key backs the certificate and must stay
// alive while it is served.
func serverCertificate(session *pki.Session, store ledger.Store, bind string) (tls.Certificate, *key.PrivateKey, error) {
	sans := []csr.SAN{csr.DNS("localhost"), csr.IP("127.0.0.1"), csr.IP("::1")}
	if host, err := os.Hostname(); err == nil && host != "" {
		if san, err := csr.ParseSAN("DNS:" + host); err == nil {
			sans = append(sans, san)
		}
	}
	if ip := net.ParseIP(bind); ip != nil && !ip.IsUnspecified() {
		sans = append(sans, csr.IP(ip.String()))
	}

	k, err := key.Generate(key.Size2048)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	req, err := csr.Build(k, "certsmith server", sans)
	if err != nil {
		k.Destroy()
		return tls.Certificate{}, nil, err
	}

	signerOpts := []pki.SignerOption{pki.WithExtKeyUsage(x509.ExtKeyUsageServerAuth), pki.WithLogger(logger)}
	if store != nil {
		signerOpts = append(signerOpts, pki.WithSerialRegistry(store))
	}
	cert, err := pki.NewSigner(signerOpts...).Sign(session, pki.SignRequest{CSR: req, ValidityDays: serverCertDays})
	if err != nil {
		k.Destroy()
		return tls.Certificate{}, nil, err
	}
	if store != nil {
		if err := store.Put(ledger.NewRecord(cert, "certsmith-serve", "", "", time.Now())); err != nil {
			logger.Warn("recording server certificate", "error", err)
		}
	}

	return tls.Certificate{
		Certificate: [][]byte{cert.Raw, session.Certificate().Raw},
		PrivateKey:  k.Signer(),
		Leaf:        cert.X509,
	}, k, nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		out = append(out, p)
	}
	return out, nil
}
