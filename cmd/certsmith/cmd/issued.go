package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certsmith/ledger"
)

var (
	issuedExpiring int
	issuedJSON     bool
)

var issuedCmd = &cobra.Command{
	Use:   "issued",
	Short: "List certificates recorded in the issuance ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLedger()
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("no ledger_path configured")
		}
		defer closeLedger(store)

		recs, err := store.List()
		if err != nil {
			return err
		}
		recs = filterExpiring(recs, time.Now(), issuedExpiring)

		if issuedJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		printRecords(os.Stdout, recs, time.Now())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(issuedCmd)
	issuedCmd.Flags().IntVar(&issuedExpiring, "expiring", 0, "only show certificates expiring within N days")
	issuedCmd.Flags().BoolVar(&issuedJSON, "json", false, "print as JSON")
}

// filterExpiring keeps records expiring within days of now. Zero keeps all.
func filterExpiring(recs []*ledger.Record, now time.Time, days int) []*ledger.Record {
	if days <= 0 {
		return recs
	}
	window := time.Duration(days) * 24 * time.Hour
	out := recs[:0:0]
	for _, r := range recs {
		if r.ExpiresWithin(now, window) {
			out = append(out, r)
		}
	}
	return out
}

func printRecords(w io.Writer, recs []*ledger.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No certificates recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUED\tNAME\tSERIAL\tEXPIRES\tSANS")
	for _, r := range recs {
		expires := r.NotAfter.Format(time.DateOnly)
		switch {
		case !now.Before(r.NotAfter):
			expires = color.RedString("%s (expired)", expires)
		case r.ExpiresWithin(now, 30*24*time.Hour):
			expires = color.YellowString("%s", expires)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.IssuedAt.Local().Format("2006-01-02 15:04"), r.Name, r.Serial, expires, strings.Join(r.SANs, ","))
	}
	tw.Flush()
}
