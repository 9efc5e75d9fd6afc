package cmd

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/pki"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	File    string        `json:"file"`
	Subject string        `json:"subject"`
	Serial  string        `json:"serial"`
	Valid   bool          `json:"valid"`
	Checks  []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

func (r *verifyResult) add(name, status, detail string) {
	if status == statusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// verifyCertificate checks leaf against its issuing CA as of now. Warnings
// never make the result invalid.
func verifyCertificate(leaf, ca *x509.Certificate, now time.Time) verifyResult {
	result := verifyResult{
		Subject: pki.ExtractInfo(leaf, now).Subject,
		Serial:  pki.FormatSerial(leaf.SerialNumber),
		Valid:   true,
	}

	// 1. Signed by the CA.
	if err := leaf.CheckSignatureFrom(ca); err != nil {
		result.add("chain_signature", statusFail, err.Error())
	} else {
		result.add("chain_signature", statusPass, "")
	}

	// 2. Validity window.
	switch {
	case now.Before(leaf.NotBefore):
		result.add("validity_window", statusFail, "not valid before "+leaf.NotBefore.Format(time.RFC3339))
	case pki.IsExpiredAt(leaf, now):
		result.add("validity_window", statusFail, "expired "+leaf.NotAfter.Format(time.RFC3339))
	case leaf.NotAfter.Sub(now) < pki.ExpiringSoon:
		result.add("validity_window", statusWarn,
			fmt.Sprintf("expires in %d days", pki.DaysUntilExpirationAt(leaf, now)))
	default:
		result.add("validity_window", statusPass, "")
	}

	// 3. Leaf must not outlive the CA.
	if leaf.NotAfter.After(ca.NotAfter) {
		result.add("within_ca_lifetime", statusWarn, "leaf expires after its issuing CA")
	} else {
		result.add("within_ca_lifetime", statusPass, "")
	}

	// 4. Not a CA.
	if leaf.IsCA {
		result.add("leaf_not_ca", statusFail, "basic constraints mark this certificate as a CA")
	} else {
		result.add("leaf_not_ca", statusPass, "")
	}

	// 5. SANs present; clients ignore the common name.
	if n := len(leaf.DNSNames) + len(leaf.IPAddresses) + len(leaf.EmailAddresses); n == 0 {
		result.add("san_present", statusFail, "no subject alternative names")
	} else {
		result.add("san_present", statusPass, fmt.Sprintf("%d name(s)", n))
	}

	// 6. Key usage fit for TLS.
	switch {
	case leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0:
		result.add("key_usage", statusFail, "digitalSignature not set")
	case !hasExtKeyUsage(leaf, x509.ExtKeyUsageServerAuth):
		result.add("key_usage", statusWarn, "serverAuth extended key usage not present")
	default:
		result.add("key_usage", statusPass, "")
	}

	return result
}

func hasExtKeyUsage(cert *x509.Certificate, want x509.ExtKeyUsage) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == want || u == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Certificate: %s\n", result.File)
	fmt.Fprintf(w, "Subject:     %s\n", result.Subject)
	fmt.Fprintf(w, "Serial:      %s\n\n", result.Serial)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := okTag()
		switch c.Status {
		case statusFail:
			tag = failTag()
			failures++
		case statusWarn:
			tag = warnTag()
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintf(w, "Result: VALID (%d warning(s))\n", warnings)
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	verifyJSONOutput bool
	verifyCAPath     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <certificate>",
	Short: "Check a certificate against the intermediate CA",
	Long: `Runs a list of checks on a leaf certificate: CA signature, validity window,
CA lifetime, basic constraints, SAN presence and key usage. Exits non-zero
if any check fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "output results as JSON")
	verifyCmd.Flags().StringVar(&verifyCAPath, "ca", "", "issuing CA certificate (default: ca_cert_path)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	caPath := verifyCAPath
	if caPath == "" {
		caPath = cfg.CACertPath
	}
	ca, err := pki.LoadCertificate(caPath)
	if err != nil {
		return err
	}
	leaf, err := pki.LoadCertificate(args[0])
	if err != nil {
		return err
	}

	result := verifyCertificate(leaf, ca, time.Now())
	result.File = args[0]

	if verifyJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printHumanResult(os.Stdout, result)
	}
	if !result.Valid {
		return &exitError{code: 1}
	}
	return nil
}
