package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/swarmguard/swarm/libs/go/core/natsctx"
)

// matchEvent mirrors the event signature-engine publishes for each scan with matches.
type matchEvent struct {
	ScanID         string    `json:"scan_id"`
	At             time.Time `json:"at"`
	Source         string    `json:"source,omitempty"`
	RulesetVersion string    `json:"ruleset_version,omitempty"`
	Bytes          int64     `json:"bytes"`
	Matches        []struct {
		RuleID   string `json:"rule_id"`
		Offset   int    `json:"offset"`
		Severity string `json:"severity,omitempty"`
	} `json:"matches"`
}

type tailOptions struct {
	url     string
	subject string
	raw     bool
	max     int
}

func newTailCmd(logger loggerFunc) *cobra.Command {
	var o tailOptions
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print match events published by signature-engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, logger, &o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "nats", envOr("SWARM_NATS_URL", nats.DefaultURL), "NATS server URL")
	f.StringVar(&o.subject, "subject", envOr("SIGNATURE_MATCH_SUBJECT", "swarm.signature.match"), "Subject to subscribe to")
	f.BoolVar(&o.raw, "raw", false, "Print message payloads unchanged")
	f.IntVarP(&o.max, "max", "n", 0, "Exit after this many events (0 = run until interrupted)")
	return cmd
}

func runTail(cmd *cobra.Command, logger loggerFunc, o *tailOptions) error {
	log := logger(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(o.url, nats.Name("sigscan-tail"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", o.url, err)
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := cmd.OutOrStdout()
	seen := 0
	sub, err := natsctx.Subscribe(nc, o.subject, func(_ context.Context, m *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		writeEvent(out, m.Data, o.raw)
		seen++
		if o.max > 0 && seen >= o.max {
			cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", o.subject, err)
	}
	defer sub.Unsubscribe()
	log.Info("tailing match events", "url", o.url, "subject", o.subject)

	<-ctx.Done()
	return nil
}

// writeEvent prints one line per event. Payloads that do not decode are printed as is.
func writeEvent(w io.Writer, data []byte, raw bool) {
	var ev matchEvent
	if raw || json.Unmarshal(data, &ev) != nil {
		fmt.Fprintf(w, "%s\n", strings.TrimRight(string(data), "\n"))
		return
	}
	rules := make([]string, 0, len(ev.Matches))
	for _, m := range ev.Matches {
		rules = append(rules, fmt.Sprintf("%s@%d", m.RuleID, m.Offset))
	}
	fmt.Fprintf(w, "%s scan=%s ruleset=%s bytes=%d matches=%d %s\n",
		ev.At.Format(time.RFC3339), ev.ScanID, ev.RulesetVersion, ev.Bytes, len(ev.Matches), strings.Join(rules, ","))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
