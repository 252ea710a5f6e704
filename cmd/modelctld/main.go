package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // profiling endpoints, mounted alongside /metrics
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/modelctl/pkg/catalog"
	"github.com/cuemby/modelctl/pkg/config"
	"github.com/cuemby/modelctl/pkg/events"
	"github.com/cuemby/modelctl/pkg/log"
	"github.com/cuemby/modelctl/pkg/metrics"
	"github.com/cuemby/modelctl/pkg/proxy"
	"github.com/cuemby/modelctl/pkg/queue"
	"github.com/cuemby/modelctl/pkg/registry"
	"github.com/cuemby/modelctl/pkg/storage"
	"github.com/cuemby/modelctl/pkg/supervisor"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelctl",
	Short: "modelctl - a local control plane for GGUF language models",
	Long: `modelctl downloads GGUF model artifacts from a remote registry,
verifies their integrity, and supervises local llama.cpp-compatible
inference server processes behind an OpenAI-compatible HTTP proxy.

Everything runs as a single binary on one workstation: no cluster,
no containers, no remote control API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"modelctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(psCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// daemon bundles the collaborators serve and the one-shot download
// subcommands both need, wired from the same resolved config so every
// entry point agrees on data directory and on-disk layout.
type daemon struct {
	cfg      *config.Config
	store    *storage.BoltStore
	broker   *events.Broker
	cat      *catalog.MemCatalog
	registry registry.Client
	queueMgr *queue.Manager
	super    *supervisor.Supervisor
}

func newDaemon(maxConcurrent int) (*daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	broker := events.NewBroker()
	cat := catalog.NewMemCatalog()

	// The registry client is the "small local HTTP client for the
	// registry" the core spec excludes; only the port and this
	// in-memory fake ship here, matching pkg/registry's own scope note.
	reg := registry.NewFakeClient()

	queueMgr := queue.NewManager(queue.Config{
		Store:         store,
		Registry:      reg,
		Downloader:    queue.NewHTTPDownloader(),
		Broker:        broker,
		Registrar:     cat,
		Dest:          cfg,
		MaxConcurrent: maxConcurrent,
	})

	super, err := supervisor.New(supervisor.Config{
		DataDir:    cfg.DataDir,
		ServerPath: cfg.ServerPath,
		Catalog:    cat,
		Broker:     broker,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start supervisor: %w", err)
	}

	return &daemon{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		cat:      cat,
		registry: reg,
		queueMgr: queueMgr,
		super:    super,
	}, nil
}

func (d *daemon) close() {
	d.super.Stop()
	d.queueMgr.Stop()
	d.store.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download manager, process supervisor, and proxy router",
	Long: `serve starts the three long-running components in one process:
the download manager (dequeues and fetches GGUF artifacts), the process
supervisor (spawns and health-checks llama.cpp-compatible servers), and
the proxy router (the OpenAI-compatible chat-completions front end).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		proxyAddr, _ := cmd.Flags().GetString("proxy-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent-downloads")
		defaultCtx, _ := cmd.Flags().GetInt("default-context-size")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		d, err := newDaemon(maxConcurrent)
		if err != nil {
			return err
		}
		defer d.close()

		d.broker.Start()
		defer d.broker.Stop()

		if err := d.queueMgr.Start(); err != nil {
			return fmt.Errorf("start download manager: %w", err)
		}
		log.Logger.Info().Str("data_dir", d.cfg.DataDir).Msg("download manager started")

		d.super.Start()
		log.Logger.Info().Str("server_path", d.cfg.ServerPath).Msg("process supervisor started")

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if pprofEnabled {
				mux.Handle("/debug/pprof/", http.DefaultServeMux)
			}
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint started")
		if pprofEnabled {
			log.Logger.Info().Str("addr", metricsAddr).Msg("pprof endpoints enabled at /debug/pprof/")
		}

		p := proxy.NewProxy(proxy.Config{
			Addr:               proxyAddr,
			Supervisor:         d.super,
			Catalog:            d.cat,
			DefaultContextSize: defaultCtx,
		})

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- p.Start(ctx)
		}()
		log.Logger.Info().Str("addr", proxyAddr).Msg("proxy listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
		case err := <-errCh:
			cancel()
			if err != nil {
				return fmt.Errorf("proxy server error: %w", err)
			}
			return nil
		}

		cancel()
		select {
		case <-errCh:
		case <-time.After(15 * time.Second):
			log.Logger.Warn().Msg("proxy shutdown timed out")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("proxy-addr", "127.0.0.1:8090", "Address the chat-completions proxy listens on")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the Prometheus metrics endpoint listens on")
	serveCmd.Flags().Int("max-concurrent-downloads", 1, "Maximum number of downloads running at once")
	serveCmd.Flags().Int("default-context-size", 4096, "Context size used when a chat request omits context_size")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics listener")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}
