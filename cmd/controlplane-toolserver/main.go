package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ATHARVA262005/mcp-control-plane/internal/mcp"
)

var rootCmd = &cobra.Command{
	Use:   "controlplane-toolserver",
	Short: "Serve the built-in tools (search_web, analyze_request) over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol, so nothing else may write to it
		return server.ServeStdio(mcp.NewServer())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
