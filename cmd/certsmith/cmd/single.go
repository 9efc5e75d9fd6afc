package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/batch"
	"github.com/jmcleod/certsmith/key"
)

var (
	singleName    string
	singleCN      string
	singleSANs    []string
	singleDays    int
	singleKeySize int
	singleProtect bool
	singleKeyPath string
	singleOutDir  string
)

var singleCmd = &cobra.Command{
	Use:   "single",
	Short: "Generate a key and issue one certificate",
	Long: `Generates a private key, builds a CSR and signs it with the intermediate CA.
Missing name or SANs are prompted for. With no SANs the certificate gets
DNS:<common name>.

Outputs <name>.key.pem, <name>.csr.pem, <name>.cert.pem and <name>.crt in the
configured output directory.`,
	Example: `  certsmith single --name web --san DNS:www.example.com,DNS:example.com
  certsmith single --name api --cn api.internal --san IP:10.0.0.7 --days 90 --password`,
	Args: cobra.NoArgs,
	RunE: runSingle,
}

func init() {
	rootCmd.AddCommand(singleCmd)
	f := singleCmd.Flags()
	f.StringVarP(&singleName, "name", "n", "", "certificate name, used for output file names")
	f.StringVar(&singleCN, "cn", "", "subject common name (default: name)")
	f.StringArrayVarP(&singleSANs, "san", "s", nil, "subject alternative name as TYPE:value, repeatable or comma separated")
	f.IntVarP(&singleDays, "days", "d", 0, "validity in days (default from config)")
	f.IntVar(&singleKeySize, "key-size", 0, "RSA key size: 2048, 3072 or 4096 (default from config)")
	f.BoolVarP(&singleProtect, "password", "p", false, "encrypt the generated private key with a password")
	f.StringVar(&singleKeyPath, "key", "", "reuse an existing private key instead of generating one")
	f.StringVarP(&singleOutDir, "out", "o", "", "output directory (default from config)")
	f.StringVar(&caPasswordFile, "ca-password-file", "", "read the CA key password from this file")
}

func runSingle(cmd *cobra.Command, args []string) error {
	var err error
	if singleName == "" {
		if singleName, err = promptLine("Certificate name"); err != nil {
			return err
		}
	}
	if len(singleSANs) == 0 {
		line, err := promptLine("SANs, comma separated (e.g. DNS:www.example.com,IP:10.0.0.1; empty for DNS:<cn>)")
		if err != nil {
			return err
		}
		if line != "" {
			singleSANs = []string{line}
		}
	}

	bc, err := cfg.BatchConfig()
	if err != nil {
		return err
	}
	if singleDays != 0 {
		bc.ValidityDays = singleDays
	}
	if singleKeySize != 0 {
		bc.KeySize = key.Size(singleKeySize)
	}
	if singleOutDir != "" {
		bc.OutputDir = singleOutDir
	}
	bc.CAPassword = caPasswordProvider()
	bc.ProtectKeys = singleProtect
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
	issued, err := o.IssueOne(cmd.Context(), batch.Item{
		Name:       singleName,
		CommonName: singleCN,
		SANs:       singleSANs,
		KeyPath:    singleKeyPath,
	})
	if err != nil {
		return err
	}
	if !quiet {
		printIssued(os.Stdout, issued)
	}
	return nil
}
