package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade/pkg/gateway"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/instance"
	"github.com/lemonade-sdk/lemonade/pkg/proxy"
	"github.com/lemonade-sdk/lemonade/pkg/routing"
)

const shutdownGrace = 5 * time.Second

type serveFlags struct {
	host      string
	port      int
	ctxSize   int
	llamaArgs string
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server and keep it running until interrupted",
		Long: `Start the server, serving the OpenAI compatible API until interrupted.
Only one server instance can run per machine.

Examples:
  lemonade-server serve
  lemonade-server serve --port 8123 --ctx-size 8192
  lemonade-server serve --llama-args "--no-mmap --threads 8"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", gateway.DefaultHost, "Host interface to bind")
	cmd.Flags().IntVar(&flags.port, "port", gateway.DefaultPort, "Port to serve the API on")
	cmd.Flags().IntVar(&flags.ctxSize, "ctx-size", 0, "Context window in tokens (0 uses each engine's default)")
	cmd.Flags().StringVar(&flags.llamaArgs, "llama-args", "", "Extra llama.cpp server arguments, shell quoted")

	return cmd
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	if err := initRuntime(flags.ctxSize); err != nil {
		return err
	}

	defaults := inference.StartOptions{CtxSize: flags.ctxSize}
	if flags.llamaArgs != "" {
		args, err := gateway.ParseEngineArgs(flags.llamaArgs)
		if err != nil {
			return fmt.Errorf("invalid --llama-args: %w", err)
		}
		defaults.ExtraArgs = args
	}

	lock, err := instance.Acquire(instance.DefaultPath(), flags.port)
	if err != nil {
		if info, ok := instance.Read(instance.DefaultPath()); ok {
			return fmt.Errorf("%w (pid %d, port %d)", instance.ErrAlreadyRunning, info.Pid, info.Port)
		}
		return err
	}
	defer lock.Release()

	router := routing.New(backends, registry, proxy.New(log), defaults, log)
	gw := gateway.New(gateway.Config{
		Host:     flags.host,
		Port:     flags.port,
		CacheDir: cacheRoot,
		Version:  Version,
	}, registry, router, backends, checkers, rootLogger, log)

	ln, err := net.Listen("tcp", gw.Addr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", gw.Addr(), err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	gw.OnShutdown(cancel)

	log.Infof("server listening on http://%s", gw.Addr())
	cmd.Printf("Lemonade Server is ready at http://%s\n", gw.Addr())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return gw.Serve(egCtx, ln)
	})
	eg.Go(func() error {
		<-egCtx.Done()

		// A second interrupt skips the graceful path.
		force := make(chan os.Signal, 1)
		signal.Notify(force, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-force
			fmt.Fprintln(os.Stderr, "forced shutdown")
			os.Exit(1)
		}()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		if err := router.Unload(shutdownCtx); err != nil {
			log.WithError(err).Warnf("unload during shutdown failed")
		}
		return gw.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	log.Infof("server stopped")
	return err
}
