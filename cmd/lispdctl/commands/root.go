// Package commands implements the lispdctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	// httpClient is shared by every subcommand's per-procedure ConnectRPC client.
	httpClient *http.Client

	// baseURL is "http://" + serverAddr, prefixed to every procedure path.
	baseURL string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string
)

// rootCmd is the top-level cobra command for lispdctl.
var rootCmd = &cobra.Command{
	Use:   "lispdctl",
	Short: "CLI client for the lispd daemon",
	Long:  "lispdctl communicates with the lispd daemon via ConnectRPC to inspect and manage the map-cache.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = http.DefaultClient
		baseURL = "http://" + serverAddr
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051",
		"lispd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(mapCacheCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
