package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ATHARVA262005/mcp-control-plane/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:          "controlplane",
	Short:        "Workflow control plane for MCP tool calls",
	SilenceUsage: true,
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
