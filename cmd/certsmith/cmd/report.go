package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/jmcleod/certsmith/batch"
)

// Tags are rendered on use so --no-color takes effect.
func okTag() string   { return color.New(color.FgGreen, color.Bold).Sprint("[OK]  ") }
func failTag() string { return color.New(color.FgRed, color.Bold).Sprint("[FAIL]") }
func warnTag() string { return color.New(color.FgYellow, color.Bold).Sprint("[WARN]") }

func printIssued(w io.Writer, is *batch.Issued) {
	fmt.Fprintf(w, "%s %s\n", okTag(), is.Item)
	fmt.Fprintf(w, "  serial:      %s\n", is.Serial)
	fmt.Fprintf(w, "  expires:     %s\n", is.NotAfter.Format(time.DateOnly))
	if is.KeyPath != "" {
		fmt.Fprintf(w, "  key:         %s\n", is.KeyPath)
	}
	if is.CSRPath != "" {
		fmt.Fprintf(w, "  csr:         %s\n", is.CSRPath)
	}
	fmt.Fprintf(w, "  certificate: %s\n", is.CertPath)
	fmt.Fprintf(w, "  copy:        %s\n", is.CertAltPath)
}

func printItems(w io.Writer, items []batch.Item) {
	fmt.Fprintf(w, "Found %d CSR(s):\n", len(items))
	for i, it := range items {
		fmt.Fprintf(w, "  %3d  %s\n", i+1, it.Name)
	}
}

// printReport renders a batch result with one line per item, successes
// first, followed by warnings and a summary.
func printReport(w io.Writer, res *batch.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, is := range res.Issued {
		fmt.Fprintf(tw, "%s\t%s\t%s\texpires %s\n", okTag(), is.Item, is.Serial, is.NotAfter.Format(time.DateOnly))
	}
	for _, f := range res.Failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", failTag(), f.Item, f.Message)
	}
	tw.Flush()

	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "%s %s\n", warnTag(), warning)
	}

	summary := fmt.Sprintf("%d total, %d succeeded, %d failed", res.Total, res.Successful, res.Failed)
	switch {
	case res.Failed == 0:
		summary = color.GreenString("%s", summary)
	case res.Successful == 0:
		summary = color.RedString("%s", summary)
	default:
		summary = color.YellowString("%s", summary)
	}
	fmt.Fprintf(w, "\nRun %s: %s\n", res.RunID, summary)
}
