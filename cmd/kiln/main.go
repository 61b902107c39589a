package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-sh/kiln/pkg/api"
	"github.com/kiln-sh/kiln/pkg/blobstore"
	"github.com/kiln-sh/kiln/pkg/client"
	"github.com/kiln-sh/kiln/pkg/config"
	"github.com/kiln-sh/kiln/pkg/customtool"
	"github.com/kiln-sh/kiln/pkg/events"
	"github.com/kiln-sh/kiln/pkg/executor"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/orchestrator"
	"github.com/kiln-sh/kiln/pkg/pool"
	"github.com/kiln-sh/kiln/pkg/workspace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const reclaimInterval = 10 * time.Minute

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - code execution broker for untrusted workloads",
	Long: `Kiln runs untrusted code inside single-use sandbox containers.

It keeps a warm pool of workers in containerd, projects session files
into each worker's workspace by content hash, and collects changed files
into a content-addressed store with download quotas and expiry.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kiln version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(reclaimCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Long: `Start the broker: connect to containerd, warm the worker pool and
serve the HTTP (and optionally gRPC) API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Msg("starting kiln")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		store, err := blobstore.Open(cfg.FileStoragePath, blobstore.WithEventBroker(broker))
		if err != nil {
			return fmt.Errorf("failed to open file store: %w", err)
		}

		client, err := orchestrator.NewContainerd(cfg.ContainerdSocket, cfg.ContainerdNamespace)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go logEvents(ctx, broker)

		workerPool := pool.New(client, pool.Config{
			TargetLength: cfg.PoolTargetLength,
			NamePrefix:   cfg.WorkerNamePrefix,
			WorkerSpec: orchestrator.WorkerSpec{
				Image:     cfg.ExecutorImage,
				Resources: cfg.ExecutorContainerResources,
				Extra:     cfg.ExecutorSpecExtra,
			},
			ProvisionTimeout: cfg.ProvisionTimeout,
			AcquireTimeout:   cfg.AcquireTimeout,
		}, pool.WithEventBroker(broker))
		workerPool.Start(ctx)

		workspaces := workspace.New(store)
		execService := executor.New(workerPool, client, workspaces, executor.Config{
			OutputLimitBytes:   cfg.OutputLimitBytes,
			GlobalMaxDownloads: cfg.GlobalMaxDownloads,
		})
		toolService := customtool.NewService(execService)

		go store.RunReclaimer(ctx, reclaimInterval)

		httpServer := api.NewServer(api.Config{
			RequireChatID:      cfg.RequireChatID,
			GlobalMaxDownloads: cfg.GlobalMaxDownloads,
			FileSizeLimitBytes: cfg.FileSizeLimitBytes,
			PublicSpawnEnabled: cfg.PublicSpawnEnabled,
			HostAllowlist:      cfg.InternalHostAllowlist,
			IPAllowlist:        cfg.InternalIPAllowlist,
		}, execService, toolService, store, workerPool)

		errCh := make(chan error, 2)
		go func() {
			if err := httpServer.Start(cfg.HTTPListenAddr); err != nil {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()

		var grpcServer *api.GRPCServer
		if cfg.GRPCEnabled {
			grpcServer = api.NewGRPCServer(httpServer, api.TLSConfig{
				Cert:   cfg.GRPCTLSCert,
				Key:    cfg.GRPCTLSCertKey,
				CACert: cfg.GRPCTLSCACert,
			})
			go func() {
				if err := grpcServer.Start(cfg.GRPCListenAddr); err != nil {
					errCh <- fmt.Errorf("grpc server error: %w", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server failed")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		if grpcServer != nil {
			grpcServer.Stop()
		}

		cancel()
		workerPool.Stop()
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

// logEvents drains the broker's lifecycle events into the debug log.
func logEvents(ctx context.Context, broker *events.Broker) {
	logger := log.WithComponent("events")
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			logger.Debug().
				Str("type", string(ev.Type)).
				Str("message", ev.Message).
				Fields(map[string]interface{}{"metadata": ev.Metadata}).
				Msg("lifecycle event")
		case <-ctx.Done():
			return
		}
	}
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running broker end to end",
	Long: `Execute a trivial arithmetic snippet against the local broker and
verify the output. Intended as a container health probe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		addr := cfg.HTTPListenAddr
		if strings.HasPrefix(addr, "0.0.0.0") {
			addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
		}

		c := client.New("http://"+addr, client.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
		result, err := c.Execute(cmd.Context(), api.ExecuteRequest{
			SourceCode: "print(21 * 2)",
			ChatID:     "health_check",
		})
		if err != nil {
			return fmt.Errorf("health check request failed: %w", err)
		}
		if result.Stdout != "42\n" || result.ExitCode != 0 {
			return fmt.Errorf("unexpected health check result: stdout=%q exit_code=%d", result.Stdout, result.ExitCode)
		}

		fmt.Println("✓ Health check passed")
		return nil
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Sweep the file store once",
	Long: `Run one reclamation sweep over the file store: drop expired and
exhausted metadata, delete unreferenced blobs and clean up abandoned
temp files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		store, err := blobstore.Open(cfg.FileStoragePath)
		if err != nil {
			return fmt.Errorf("failed to open file store: %w", err)
		}

		stats, err := store.Reclaim(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("✓ Sweep complete: %d metadata entries, %d blobs, %d temp files removed\n",
			stats.MetadataRemoved, stats.BlobsRemoved, stats.TempRemoved)
		return nil
	},
}
