// Package commands implements the lemonade-server CLI commands.
package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/inference/backends/flm"
	"github.com/lemonade-sdk/lemonade/pkg/inference/backends/llamacpp"
	"github.com/lemonade-sdk/lemonade/pkg/instance"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/models"
	"github.com/lemonade-sdk/lemonade/pkg/process"
)

var (
	// Global flags
	logLevel string
	logFile  string

	// Shared state built by initRuntime.
	rootLogger *logrus.Logger
	log        logging.Logger
	cacheRoot  string
	registry   *models.Registry
	fetcher    *hub.Fetcher
	supervisor *process.Supervisor
	backends   map[string]inference.Backend
	checkers   map[string]models.DownloadChecker
)

// rootCmd is the root command for lemonade-server.
var rootCmd = &cobra.Command{
	Use:   "lemonade-server",
	Short: "Local LLM server with an OpenAI compatible API",
	Long: `lemonade-server runs large language models on this machine and exposes
them through an OpenAI compatible HTTP API.

Example:
  lemonade-server serve
  lemonade-server pull Qwen3-0.6B-GGUF
  lemonade-server run Qwen3-0.6B-GGUF`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStopCmd(),
		newListCmd(),
		newPullCmd(),
		newDeleteCmd(),
		newRunCmd(),
		newVersionCmd(),
	)
}

// initRuntime builds the shared logger, registry, and backend adapters.
// ctxSize of zero keeps each adapter's default context window.
func initRuntime(ctxSize int) error {
	if registry != nil {
		return nil
	}

	cacheRoot = hub.CacheDir()
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	rootLogger = logrus.New()
	level := logLevel
	if level == "" {
		level = logging.PersistedLevel(cacheRoot)
	}
	if level == "" {
		level = "info"
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	rootLogger.SetLevel(parsed)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		rootLogger.SetOutput(f)
	}
	log = logging.NewLogrusAdapter(rootLogger)

	registry, err = models.NewRegistry(cacheRoot, log)
	if err != nil {
		return fmt.Errorf("loading model registry: %w", err)
	}

	fetcher = hub.NewFetcher(hub.NewClient(), hub.NewStore(hub.ModelsDir(cacheRoot)), log)
	supervisor = process.NewSupervisor(log)

	llamaBackend := llamacpp.NewBackend(llamacpp.Config{
		CacheRoot: cacheRoot,
		CtxSize:   ctxSize,
	}, fetcher, supervisor, log)
	flmBackend := flm.NewBackend(flm.Config{CtxSize: ctxSize}, supervisor, log)

	backends = map[string]inference.Backend{
		llamaBackend.Name(): llamaBackend,
		flmBackend.Name():   flmBackend,
	}
	checkers = map[string]models.DownloadChecker{
		llamaBackend.Name(): fetcher,
		flmBackend.Name():   flmBackend,
	}
	return nil
}

// runningServer locates a live server via the lock file. It double checks
// liveness with a health probe so a stale file does not fool clients.
func runningServer() (string, bool) {
	info, ok := instance.Read(instance.DefaultPath())
	if !ok {
		return "", false
	}
	base := fmt.Sprintf("http://localhost:%d", info.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(base + "/api/v1/health")
	if err != nil {
		return "", false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return base, resp.StatusCode == http.StatusOK
}
