// Command aetherlinkctl is the CLI driver for aetherlinkd's session API
// (§6): connect, close, list, pair, and stats, issued over HTTP.
package main

import (
	"fmt"
	"os"

	"aetherlink/cmd/aetherlinkctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
