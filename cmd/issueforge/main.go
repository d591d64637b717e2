package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "issueforge",
		Short: "IssueForge - GitHub issues to agent pull requests",
		Long: `IssueForge turns GitHub issues into AI-agent pull requests.
It dispatches task threads to a runner fleet, ingests their progress
reports, and streams live thread updates to the dashboard.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
