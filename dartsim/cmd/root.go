// Package cmd provides the command-line interface of dartsim.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	envFile  string
	bootArgs string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dartsim",
	Short: "dartsim exercises an IOVA mapper against a simulated DART.",
	Long: `dartsim builds an IOVA mapper on top of a simulated DMA address ` +
		`remapping unit. It can print the zone layout of a table size, run a ` +
		`concurrent allocate/insert/translate/free workload with optional ` +
		`SQLite tracing and a live monitor, and summarize recorded traces.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"File to load environment variables from, if it exists.")
	rootCmd.PersistentFlags().StringVar(&bootArgs, "boot-args", "",
		"Boot arguments, such as \"artsize=8 dartlinesize=64\". "+
			"Overrides "+bootArgsEnv+".")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}
}
