package cli

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

// patternFlags are the flags every table-building command shares.
type patternFlags struct {
	files     []string
	exprs     []string
	hex       bool
	blockSize int
}

func (pf *patternFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVarP(&pf.files, "patterns-file", "p", nil, "Read patterns from file, one per line (repeatable)")
	f.StringArrayVarP(&pf.exprs, "regexp", "e", nil, "Pattern to search for (repeatable)")
	f.BoolVar(&pf.hex, "hex", false, "Patterns are hex encoded bytes")
	f.IntVar(&pf.blockSize, "block-size", 0, "Block size override, 1-4 (0 = automatic)")
}

// load collects patterns from -p files first, then -e flags, in the order given.
func (pf *patternFlags) load() ([][]byte, error) {
	var raw []string
	for _, name := range pf.files {
		lines, err := readLines(name)
		if err != nil {
			return nil, err
		}
		raw = append(raw, lines...)
	}
	raw = append(raw, pf.exprs...)
	if len(raw) == 0 {
		return nil, errors.New("no patterns: use -e or -p")
	}

	out := make([][]byte, len(raw))
	for i, p := range raw {
		if !pf.hex {
			out[i] = []byte(p)
			continue
		}
		b, err := hex.DecodeString(strings.ReplaceAll(p, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// build compiles the loaded patterns into search tables.
func (pf *patternFlags) build() (*wumanber.SearchTables, error) {
	patterns, err := pf.load()
	if err != nil {
		return nil, err
	}
	var opts []wumanber.Option
	if pf.blockSize != 0 {
		opts = append(opts, wumanber.WithBlockSize(pf.blockSize))
	}
	return wumanber.Build(patterns, opts...)
}

// readLines returns the non-empty lines of a pattern file with trailing CR removed.
func readLines(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return lines, nil
}
