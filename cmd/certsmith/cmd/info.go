package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/pki"
)

var infoJSON bool

var infoCmd = &cobra.Command{
	Use:   "info <certificate>",
	Short: "Show details of a PEM certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, err := pki.LoadCertificate(args[0])
		if err != nil {
			return err
		}
		info := pki.ExtractInfo(cert, time.Now())
		if infoJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		printInfo(os.Stdout, info, verbose)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print as JSON")
}

func printInfo(w io.Writer, info pki.CertificateInfo, detailed bool) {
	fmt.Fprintf(w, "Subject:    %s\n", info.Subject)
	fmt.Fprintf(w, "Issuer:     %s\n", info.Issuer)
	fmt.Fprintf(w, "Serial:     %s\n", info.SerialNumber)
	fmt.Fprintf(w, "Not before: %s\n", info.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(w, "Not after:  %s\n", info.NotAfter.Format(time.RFC3339))

	var status string
	switch {
	case info.IsExpired:
		status = color.New(color.FgRed, color.Bold).Sprint("EXPIRED")
	case info.IsExpiringSoon:
		status = color.YellowString("expires in %d days", info.DaysRemaining)
	default:
		status = color.GreenString("valid, %d days remaining", info.DaysRemaining)
	}
	fmt.Fprintf(w, "Status:     %s\n", status)

	if len(info.SANs) > 0 {
		fmt.Fprintf(w, "SANs:       %s\n", strings.Join(info.SANs, ", "))
	}
	fmt.Fprintf(w, "Key:        %s %d\n", info.PublicKeyAlgorithm, info.PublicKeySize)

	if detailed {
		fmt.Fprintf(w, "Version:    %d\n", info.Version)
		fmt.Fprintf(w, "Signature:  %s\n", info.SignatureAlgorithm)
		fmt.Fprintf(w, "CA:         %t\n", info.IsCA)
		if len(info.KeyUsage) > 0 {
			fmt.Fprintf(w, "Key usage:  %s\n", strings.Join(info.KeyUsage, ", "))
		}
		if len(info.ExtKeyUsage) > 0 {
			fmt.Fprintf(w, "Ext usage:  %s\n", strings.Join(info.ExtKeyUsage, ", "))
		}
		fmt.Fprintf(w, "SHA-1:      %s\n", info.FingerprintSHA1)
		fmt.Fprintf(w, "SHA-256:    %s\n", info.FingerprintSHA256)
	}

	if info.IsExpiringSoon && !info.IsExpired {
		fmt.Fprintf(w, "\n%s certificate expires in %d days\n", warnTag(), info.DaysRemaining)
	}
}
