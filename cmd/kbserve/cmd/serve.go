package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kbserve/kbserve/internal/server"
	"github.com/kbserve/kbserve/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var watch bool
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the knowledge base HTTP server",
		Long: `Start the HTTP server exposing knowledge base management and
hybrid search. With --watch, content files changed on disk are
re-ingested automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			manager, cleanup, err := bootstrap(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			// One server per knowledge base root.
			if err := manager.Blob().Acquire(); err != nil {
				return err
			}
			defer func() { _ = manager.Blob().Release() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.New(cfg, manager).Run(ctx)
			})
			if watch {
				g.Go(func() error {
					return watcher.New(manager, cfg.WatchDebounceDuration()).Run(ctx)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Re-ingest content files changed on disk")
	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides config)")

	return cmd
}
