package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowsync",
		Short: "Real-time collaboration broker for BPMN diagrams",
		Long: `FlowSync keeps a shared BPMN diagram in sync across every connected
editor. Participants connect over WebSocket, receive a full snapshot of
the room, and from then on see each other's edits, selections, and
display names live.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		checkCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
