// Package commands implements the CLI for the quiltfs storage node.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/metrics"
	"github.com/quiltfs/quiltfs/pkg/storagenode"
)

var (
	// Version information injected at build time.
	Version = "0.1.0"
	Commit  = "none"
	Date    = "unknown"

	bindAddr    string
	bindIfce    string
	dataDir     string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "quiltnode",
	Short: "QuiltFS storage node",
	Long: `A quiltnode owns a directory of file blobs and serves them to front nodes
over the storage-node protocol. Pick a bind interface that is not directly
exposed to the internet; the protocol carries no authentication.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVarP(&bindAddr, "addr", "a", "", "address to bind on, ip:port")
	rootCmd.Flags().StringVarP(&bindIfce, "iface", "I", "", "network device to bind on (linux only)")
	rootCmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "folder to store all files in")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this ip:port (disabled when empty)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quiltnode %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

func run(cmd *cobra.Command, args []string) error {
	if bindAddr == "" {
		return errors.New("--addr is required")
	}
	if dataDir == "" {
		return errors.New("--data-dir is required")
	}

	logger.SetLevel(logLevel)

	node, err := storagenode.New(dataDir)
	if err != nil {
		return fmt.Errorf("initialize data directory: %w", err)
	}

	if metricsAddr != "" {
		metrics.InitRegistry()
		node.SetMetrics(metrics.NewLockMetrics())

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			logger.Info("Metrics listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := storagenode.NewServer(node, storagenode.ServerConfig{
		Addr:    bindAddr,
		Iface:   bindIfce,
		Version: Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.Serve(ctx)
	logger.Info("Storage node stopped")
	return err
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
