// grcflow is a multi-stage approval workflow engine for GRC teams.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "grcflow",
	Short: "grcflow is a multi-stage approval workflow engine for GRC teams.",
	Long: `grcflow routes approval requests through an ordered list of reviewer
roles. Each request advances one stage per approval, may be rejected at any
stage, and records an append-only history of every decision.

The server exposes an HTTP API, a WebSocket event stream and an MCP tool
server. The remaining commands are thin clients of the HTTP API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, configCmd, requestCmd, transitionCmd, watchCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
