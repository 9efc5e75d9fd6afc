package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/config"
	"github.com/jmcleod/certsmith/ledger"
	bboltledger "github.com/jmcleod/certsmith/ledger/bbolt"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	noColor bool

	cfg    *config.Config
	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "certsmith",
	Short: "certsmith issues TLS certificates from a local intermediate CA",
	Long: `Generate keys, build CSRs and sign leaf TLS certificates with an
intermediate CA kept on local disk, one at a time, in batches or over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		verbose = verbose || cfg.Output.Verbose
		quiet = quiet || cfg.Output.Quiet
		if noColor || !cfg.Output.Colored {
			color.NoColor = true
		}

		level := slog.LevelWarn
		switch {
		case verbose:
			level = slog.LevelDebug
		case quiet:
			level = slog.LevelError
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

// exitError carries a non-zero exit code for failures already reported to
// the user.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	defer caPassword.forget()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search ./certsmith.yaml, user and system config dirs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output and debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only print errors")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// openLedger opens the configured issuance ledger. It returns a nil Store
// when no ledger path is configured.
func openLedger() (ledger.Store, error) {
	if cfg.LedgerPath == "" {
		return nil, nil
	}
	store, err := bboltledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", cfg.LedgerPath, err)
	}
	return store, nil
}

func closeLedger(store ledger.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("closing ledger", "error", err)
	}
}
