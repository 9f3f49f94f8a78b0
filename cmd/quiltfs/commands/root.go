// Package commands implements the CLI for the quiltfs front node.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "0.1.0"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "quiltfs",
	Short: "QuiltFS front node",
	Long: `The quiltfs front node serves a directory/file namespace over HTTP and
SFTP. File bytes live on storage nodes (quiltnode); this process keeps the
namespace in a relational database and brokers reads and writes to the nodes
over persistent TCP links.

Use "quiltfs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config-file", "c", "", "path to the TOML config file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
