// Package cmd wires the cwlens CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwlens/cwlens/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/cwlens/cwlens/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cwlens",
	Short: "cwlens — conversational CloudWatch log analysis",
	Long:  "cwlens is an interactive terminal assistant that answers questions about AWS CloudWatch logs by querying them through an LLM tool loop.",
	Run: func(cmd *cobra.Command, args []string) {
		runChat("")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.cwlens/config.json or $CWLENS_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(logGroupsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cwlens %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CWLENS_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
