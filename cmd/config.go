package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwlens/cwlens/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Run: func(cmd *cobra.Command, args []string) {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				out, _ := json.MarshalIndent(cfg, "", "  ")
				fmt.Println(string(out))
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(resolveConfigPath())
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write a default config file",
			Run: func(cmd *cobra.Command, args []string) {
				path := resolveConfigPath()
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(os.Stderr, "Config already exists at %s\n", path)
					os.Exit(1)
				}
				if err := config.Save(path, config.Default()); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Wrote %s\n", path)
			},
		},
	)
	return cmd
}
