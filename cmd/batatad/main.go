package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
	timeout    int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "batatad",
		Short: "batatad - naming control plane node",
		Long:  `batatad runs the cluster resilience and topology core of the batata naming control plane.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:8848", "Advertised address of the target node")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	// Add subcommands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
