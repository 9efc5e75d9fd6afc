package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/batch"
	"github.com/jmcleod/certsmith/certerr"
)

var (
	batchDir      string
	batchFilter   string
	batchSelect   string
	batchAll      bool
	batchSANs     []string
	batchProtect  bool
	batchRegen    bool
	batchParallel bool
	batchWorkers  int
	batchOutDir   string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Sign every CSR found in a directory",
	Long: `Discovers *.csr.pem and *.csr files below --dir, optionally narrows them with
--filter (substring or glob) and --select, and signs them with one CA unlock.
Items fail independently; the command exits non-zero if any item failed.

With --regenerate each CSR only supplies a common name and SANs: a fresh key
and CSR are generated for it and written to the output directory. --password
encrypts those keys and requires --regenerate.`,
	Example: `  certsmith batch --dir ./requests --all
  certsmith batch --filter 'web-*' --select 1-3 --san DNS:lb.example.com
  certsmith batch --all --regenerate --password`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	f := batchCmd.Flags()
	f.StringVar(&batchDir, "dir", "", "directory to scan for CSRs (default: csr_input_dir)")
	f.StringVarP(&batchFilter, "filter", "f", "", "keep CSRs whose name contains this text or matches this glob")
	f.StringVar(&batchSelect, "select", "", `items to sign: "all", "3", "1,4" or "2-5"`)
	f.BoolVarP(&batchAll, "all", "a", false, "sign every discovered CSR without asking")
	f.StringArrayVarP(&batchSANs, "san", "s", nil, "SAN added to every certificate, repeatable or comma separated")
	f.BoolVar(&batchRegen, "regenerate", false, "generate a fresh key and CSR for each discovered CSR")
	f.BoolVarP(&batchProtect, "password", "p", false, "encrypt regenerated private keys with one shared password")
	f.BoolVar(&batchParallel, "parallel", true, "sign items concurrently")
	f.IntVarP(&batchWorkers, "workers", "w", 0, "maximum concurrent workers (default from config)")
	f.StringVarP(&batchOutDir, "out", "o", "", "output directory (default from config)")
	f.StringVar(&caPasswordFile, "ca-password-file", "", "read the CA key password from this file")
	batchCmd.MarkFlagsMutuallyExclusive("select", "all")
}

func runBatch(cmd *cobra.Command, args []string) error {
	if batchProtect && !batchRegen {
		return certerr.WithDetail(certerr.InvalidConfig, "batch", "--password only applies to keys made with --regenerate")
	}

	dir := batchDir
	if dir == "" {
		dir = cfg.CSRInputDir
	}
	items, err := batch.Discover(dir)
	if err != nil {
		return err
	}
	if items, err = batch.Filter(items, batchFilter); err != nil {
		return err
	}
	if len(items) == 0 {
		return certerr.WithPath(certerr.NoCsrFilesFound, "batch", dir, nil)
	}

	switch {
	case batchAll:
	case batchSelect != "":
		if items, err = batch.Select(items, batchSelect); err != nil {
			return err
		}
	default:
		printItems(os.Stderr, items)
		expr, err := promptLine(`Select items ("all", "1,3", "2-5")`)
		if err != nil {
			return err
		}
		if items, err = batch.Select(items, expr); err != nil {
			return err
		}
	}

	for i := range items {
		items[i].Regenerate = batchRegen
	}

	bc, err := cfg.BatchConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("parallel") {
		bc.Parallel = batchParallel
	}
	if batchWorkers != 0 {
		bc.MaxWorkers = batchWorkers
	}
	if batchOutDir != "" {
		bc.OutputDir = batchOutDir
	}
	bc.CommonSANs = batchSANs
	bc.CAPassword = caPasswordProvider()
	bc.ProtectKeys = batchProtect
	bc.KeyPassword = terminalPrompt{confirm: true}
	bc.Logger = logger

	store, err := openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(store)
	bc.Ledger = store

	o, err := batch.New(bc)
	if err != nil {
		return err
	}
	res, err := o.Run(cmd.Context(), items)
	if err != nil {
		return err
	}

	printReport(os.Stdout, res)
	if res.Failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}
