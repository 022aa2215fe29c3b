package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "keepsake",
	Short:         "Persistent memory layer for coding sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keepsake version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keepsake version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(recordCallCmd)
	rootCmd.AddCommand(recordResultCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
