// Command geocastsim runs geocast DTN routing scenarios.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "geocastsim",
		Short: "Simulate visit-rate geocast routing over mobile DTN nodes.",
		Long: `geocastsim moves nodes through a scenario, evaluates radio contacts every tick ` +
			`and forwards region-addressed messages towards nodes that visit the destination ` +
			`region most often. It reports delivery statistics when the run ends.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file of environment variables loaded before running")

	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

// loadEnv loads path into the environment. A missing file is not an error;
// variables already set take precedence.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
