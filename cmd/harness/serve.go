package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	fixture "firestore-harness/internal/harness/adapter/http"
	"firestore-harness/internal/harness/config"

	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fixture server",
		Long: `Serves the configured backend over REST and websocket so remote harness
clients can drive it. The remote backend cannot be served; an emulator host
in the environment is ignored here. With SWEEP_INTERVAL set, expired
documents are swept in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default SERVER_HOST:SERVER_PORT)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := opts.container(ctx, func(cfg *config.Config) {
		cfg.Harness.EmulatorHost = ""
		if cfg.Harness.Backend == config.BackendRemote {
			cfg.Harness.Backend = config.BackendMemory
		}
	})
	if err != nil {
		return err
	}
	defer closeContainer(c)

	serverOpts := []fixture.ServerOption{
		fixture.WithMetrics(c.Metrics),
		fixture.WithListenPath(c.Config.Server.ListenPath),
	}
	if c.Tokens != nil {
		serverOpts = append(serverOpts, fixture.WithTokenService(c.Tokens))
	}
	srv := fixture.NewServer(c.Backend, c.Logger, serverOpts...)

	if interval := c.Config.Server.SweepInterval; interval > 0 {
		sweeper := c.NewSweeper()
		go sweeper.Run(ctx, interval, func() []string { return c.Collections(ctx) })
		c.Logger.Infof("sweeping expired documents every %s", interval)
	}

	if addr == "" {
		addr = c.Config.Server.Address()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	c.Logger.Info("shutting down fixture server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
