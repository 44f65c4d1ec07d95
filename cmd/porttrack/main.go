// Command porttrack runs the portability tracker: an HTTP API over the
// versioned record store plus batch, trim and rule-lint subcommands.
package main

import (
	"os"

	"github.com/portatel/porttrack/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
