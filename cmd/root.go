package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the searchwire server
var rootCmd = &cobra.Command{
	Use:   "searchwire",
	Short: "Multi-transport web search MCP server",
	Long: `searchwire serves web search over the Model Context Protocol with three
transport shapes: plain HTTP request/response, HTTP streaming with
server-sent frames, and a long-lived SSE push channel.

Sessions and connections are tracked in a shared registry so clients can
reconnect across transports without losing their session.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "searchwire version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
