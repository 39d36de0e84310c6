// Command relay is the chat core's entrypoint: a cobra root binding
// two subcommands: serve, which wires config, storage, the bus, auth,
// the chat service and both transports together and runs until
// signalled, and mint-token, a development helper that prints a bearer
// token. Grounded on the corpus's cobra root-command shape
// (88lin-divinesense/cmd/divinesense) narrowed to these two
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Two-party chat relay: WebSocket gateway, REST surface, and the event bus wiring between them.",
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
