package cli

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

type scanOptions struct {
	patterns       patternFlags
	json           bool
	count          bool
	nonOverlapping bool
}

// scanHit is the --json output record.
type scanHit struct {
	File      string `json:"file,omitempty"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	PatternID int    `json:"pattern_id"`
	Pattern   string `json:"pattern"`
}

func newScanCmd(logger loggerFunc) *cobra.Command {
	var o scanOptions
	cmd := &cobra.Command{
		Use:   "scan [flags] [file ...]",
		Short: "Report every occurrence of the patterns",
		Long:  "Scans each file (stdin when none or \"-\") and prints start offset and pattern per match. Exits 1 when nothing matched.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, logger(cmd), &o, args)
		},
	}
	o.patterns.register(cmd)
	f := cmd.Flags()
	f.BoolVar(&o.json, "json", false, "Print one JSON object per match")
	f.BoolVarP(&o.count, "count", "c", false, "Print only the number of matches per input")
	f.BoolVar(&o.nonOverlapping, "non-overlapping", false, "Report leftmost non-overlapping matches only")
	return cmd
}

func runScan(cmd *cobra.Command, log *slog.Logger, o *scanOptions, args []string) error {
	tables, err := o.patterns.build()
	if err != nil {
		return err
	}
	log.Debug("tables built", "patterns", tables.Len(), "block_size", tables.Config().BlockSize, "fingerprint", tables.Fingerprint())

	if len(args) == 0 {
		args = []string{"-"}
	}
	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()
	enc := json.NewEncoder(out)
	prefix := len(args) > 1

	total := 0
	for _, name := range args {
		in, closeFn, err := openInput(cmd, name)
		if err != nil {
			return err
		}
		n := 0
		emit := func(mt wumanber.Match) error {
			n++
			if o.count {
				return nil
			}
			hit := scanHit{Start: int64(mt.Start), End: int64(mt.End), PatternID: mt.Pattern, Pattern: o.display(tables.Pattern(mt.Pattern))}
			if prefix {
				hit.File = name
			}
			if o.json {
				return enc.Encode(hit)
			}
			if prefix {
				fmt.Fprintf(out, "%s:", name)
			}
			_, err := fmt.Fprintf(out, "%d:%s\n", hit.Start, hit.Pattern)
			return err
		}
		if o.nonOverlapping {
			err = scanWhole(tables, in, emit)
		} else {
			err = tables.ScanReader(cmd.Context(), in, 0, emit)
		}
		closeFn()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Debug("input scanned", "input", name, "matches", n)
		if o.count {
			if prefix {
				fmt.Fprintf(out, "%s:", name)
			}
			fmt.Fprintf(out, "%d\n", n)
		}
		total += n
	}
	if total == 0 {
		return exitError{code: 1}
	}
	return nil
}

// display renders a pattern for output, hex encoded when patterns were given as hex.
func (o *scanOptions) display(p []byte) string {
	if o.patterns.hex {
		return hex.EncodeToString(p)
	}
	return string(p)
}

// scanWhole reads r fully and reports leftmost non-overlapping matches.
func scanWhole(t *wumanber.SearchTables, r io.Reader, fn func(wumanber.Match) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for _, mt := range t.NonOverlapping(data) {
		if err := fn(mt); err != nil {
			return err
		}
	}
	return nil
}

func openInput(cmd *cobra.Command, name string) (io.Reader, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
