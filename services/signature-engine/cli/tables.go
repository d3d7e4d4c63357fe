package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

type tablesReport struct {
	Fingerprint string         `json:"fingerprint"`
	Stats       wumanber.Stats `json:"stats"`
}

func newTablesCmd(logger loggerFunc) *cobra.Command {
	var (
		pf     patternFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "tables [flags]",
		Short: "Build tables for a pattern set and print their statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := pf.build()
			if err != nil {
				return err
			}
			rep := tablesReport{Fingerprint: tables.Fingerprint(), Stats: tables.Stats()}
			logger(cmd).Debug("tables built", "fingerprint", rep.Fingerprint)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			st := rep.Stats
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "fingerprint\t%s\n", rep.Fingerprint)
			fmt.Fprintf(w, "patterns\t%d\n", st.Patterns)
			fmt.Fprintf(w, "min_len\t%d\n", st.MinLen)
			fmt.Fprintf(w, "max_len\t%d\n", st.MaxLen)
			fmt.Fprintf(w, "block_size\t%d\n", st.BlockSize)
			fmt.Fprintf(w, "default_shift\t%d\n", st.DefaultShift)
			fmt.Fprintf(w, "slots\t%d\n", st.Slots)
			fmt.Fprintf(w, "zero_shift_slots\t%d\n", st.ZeroShiftSlots)
			fmt.Fprintf(w, "buckets\t%d\n", st.Buckets)
			fmt.Fprintf(w, "largest_bucket\t%d\n", st.LargestBucket)
			fmt.Fprintf(w, "store_bytes\t%d\n", st.StoreBytes)
			return w.Flush()
		},
	}
	pf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}
