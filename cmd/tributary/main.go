// Command tributary runs the scheduling core daemon and the admin surface
// against its store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tributarylabs/tributary/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "tributary",
	Short: "Task scheduling and convergence core",
	Long: `Tributary schedules dependent tasks across a bounded worker pool and
coordinates branch merges where parallel work converges.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.tributary/config.yaml merged with .tributary/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(bumpCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(terminateCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load("", configPath)
	}
	return config.LoadDefault()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
