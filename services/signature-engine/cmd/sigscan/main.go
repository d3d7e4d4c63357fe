// Command sigscan scans files for byte signatures and follows signature-engine match events.
package main

import (
	"fmt"
	"os"

	"github.com/swarmguard/swarm/services/signature-engine/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if !cli.Silent(err) {
			fmt.Fprintf(os.Stderr, "sigscan: %v\n", err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
