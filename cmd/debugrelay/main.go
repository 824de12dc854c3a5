// Command debugrelay relays Chrome debugger traffic for Dart web apps to the
// dwds dev server, and exposes the extension messaging surface to panel
// scripts and other tools over local HTTP and WebSocket.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd/debugrelay
var Version = "dev"

func main() {
	// A missing .env is fine; DEBUGRELAY_* may come from the real environment.
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "debugrelay",
		Short: "Relays Chrome debugger traffic between Dart web apps and the dwds dev server",
		Long: `debugrelay attaches to Dart web apps running in Chrome, connects each one to
the dwds dev server that serves it, and relays debugger commands and events
between the two.

Start Chrome with --remote-debugging-port=9222, then run 'debugrelay start'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newStartCmd(),
		newTabsCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the debugrelay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "debugrelay %s\n", Version)
		},
	}
}
