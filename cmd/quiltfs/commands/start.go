package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/internal/telemetry"
	"github.com/quiltfs/quiltfs/pkg/config"
	"github.com/quiltfs/quiltfs/pkg/front"
	"github.com/quiltfs/quiltfs/pkg/front/httpapi"
	"github.com/quiltfs/quiltfs/pkg/front/link"
	"github.com/quiltfs/quiltfs/pkg/front/metadata"
	"github.com/quiltfs/quiltfs/pkg/front/sftpd"
	"github.com/quiltfs/quiltfs/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the front node",
	Long: `Start the front node: connect to the metadata database and the configured
storage nodes, then serve the namespace over HTTP and SFTP.

Examples:
  quiltfs start --config-file /etc/quiltfs/quiltfs.toml

  # Turn up logging without editing the config
  QUILTFS_LOGGING_LEVEL=DEBUG quiltfs start -c quiltfs.toml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return errors.New("--config-file is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "quiltfs",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	logger.Info("Starting quiltfs front node", "version", Version)
	logger.Info("Configuration loaded", "path", cfgFile)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	var linkMetrics *metrics.LinkMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		linkMetrics = metrics.NewLinkMetrics()
		logger.Info("Metrics enabled", "endpoint", "/metrics")
	}

	node, err := assembleFrontNode(ctx, cfg, linkMetrics)
	if err != nil {
		return err
	}

	// Live log-level reload on config edits.
	stopWatch, err := config.WatchLogging(cfgFile)
	if err != nil {
		logger.Warn("Config watching unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	httpServer := httpapi.NewServer(cfg.HTTPServer.ListenAddr, node, httpapi.Info{
		Name:    "quiltfs",
		Binary:  "quiltfs",
		Version: Version,
	})

	sftpServer, err := sftpd.NewServer(node, sftpd.Config{
		ListenAddr: cfg.SFTPServer.ListenAddr,
		PublicKey:  cfg.SFTPServer.PublicKey,
		PrivateKey: cfg.SFTPServer.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("failed to set up SFTP server: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return httpServer.Start(ctx) })
	group.Go(func() error { return sftpServer.Serve(ctx) })

	err = group.Wait()
	node.Manager().Wait()
	logger.Info("Front node stopped")
	return err
}

// assembleFrontNode opens the metadata store, registers the configured
// storage nodes and starts the connection manager.
func assembleFrontNode(ctx context.Context, cfg *config.Config, linkMetrics *metrics.LinkMetrics) (*front.Node, error) {
	store, err := metadata.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	if _, err := store.EnsureRootDirectory(ctx); err != nil {
		return nil, fmt.Errorf("ensure root directory: %w", err)
	}

	// Deterministic startup order regardless of map iteration.
	names := make([]string, 0, len(cfg.StorageNodes))
	for name := range cfg.StorageNodes {
		names = append(names, name)
	}
	sort.Strings(names)

	nodes := make([]link.NodeConfig, 0, len(names))
	for _, name := range names {
		nodeCfg := cfg.StorageNodes[name]
		id, err := store.EnsureNode(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("register storage node %q: %w", name, err)
		}
		nodes = append(nodes, link.NodeConfig{
			ID:      id,
			Name:    name,
			Addr:    nodeCfg.Addr,
			Timeout: nodeCfg.Timeout(),
		})
	}

	manager := link.NewManager(ctx, nodes, link.ManagerOptions{Metrics: linkMetrics})
	return front.New(store, manager), nil
}
