// Package commands implements quiltctl, the diagnostics CLI. It speaks the
// raw storage-node protocol directly (no front node in the path), plus
// directory listings through the front node's HTTP API and SFTP endpoint.
package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/pkg/front/link"
)

var (
	// Version information injected at build time.
	Version = "0.1.0"

	nodeAddr string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "quiltctl",
	Short: "QuiltFS diagnostics",
	Long: `quiltctl pokes at a running quiltfs deployment: raw storage-node protocol
requests by UUID, and namespace listings through the front node's HTTP API
or SFTP endpoint.

The storage-node commands bypass the front node entirely. They are for
diagnosing a node, not for everyday use; blobs touched this way are not
reflected in the namespace.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&nodeAddr, "node", "n", "", "storage node address, ip:port")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(sftpLsCmd)
}

// dialNode opens a protocol link to the storage node given by --node.
func dialNode(ctx context.Context) (*link.Link, error) {
	return link.Dial(ctx, nodeAddr, nodeAddr, link.Options{Timeout: timeout})
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
