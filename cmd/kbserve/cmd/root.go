// Package cmd provides the CLI commands for kbserve.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kbserve/kbserve/internal/blob"
	"github.com/kbserve/kbserve/internal/catalog"
	"github.com/kbserve/kbserve/internal/config"
	"github.com/kbserve/kbserve/internal/embed"
	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/logging"
	"github.com/kbserve/kbserve/internal/search"
	"github.com/kbserve/kbserve/internal/vectorstore"
)

var (
	configPath string
	debugMode  bool
	noColor    bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the kbserve CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbserve",
		Short: "Knowledge base management and hybrid retrieval service",
		Long: `kbserve manages document knowledge bases: upload files, split them
into chunks, index them for hybrid dense+BM25 retrieval, and serve
search over HTTP.

Run 'kbserve serve' to start the HTTP server, or use the kb
subcommands to manage knowledge bases from the terminal.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("kbserve version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./kbserve.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKBCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

func setupLogging(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	logCfg.FilePath = cfg.Server.LogFile
	if debugMode {
		logCfg.Level = "debug"
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// bootstrap wires the full service graph from configuration. The
// returned cleanup closes the catalog and the vector backends.
func bootstrap(cfg *config.Config) (*kb.Manager, func(), error) {
	cat, err := catalog.Open(catalog.PathFor(cfg.Storage.KBRoot))
	if err != nil {
		return nil, nil, err
	}

	store, err := blob.NewStore(cfg.Storage.KBRoot)
	if err != nil {
		_ = cat.Close()
		return nil, nil, err
	}

	embedder := embed.NewCachedEmbedder(embed.NewRemoteEmbedder(embed.RemoteConfig{
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		Dims:    cfg.Embedding.Dims,
		Timeout: cfg.Embedding.Timeout,
	}), cfg.Embedding.CacheSize)

	factory := vectorstore.NewFactory()
	factory.Register(vectorstore.NewESDB(cfg.ES, embedder))
	factory.Register(vectorstore.NewLocalDB(cfg.Storage.KBRoot, embedder))

	var reranker search.Reranker
	if cfg.Reranker.Enabled {
		reranker = search.NewRemoteReranker(search.RemoteRerankerConfig{
			BaseURL:  cfg.Reranker.BaseURL,
			TopN:     cfg.Reranker.TopN,
			ScoreMin: cfg.Reranker.ScoreMin,
			Timeout:  cfg.Reranker.Timeout,
		})
	}

	manager := kb.NewManager(cfg, cat, store, factory, reranker)
	cleanup := func() {
		_ = factory.Close()
		_ = embedder.Close()
		_ = cat.Close()
	}
	return manager, cleanup, nil
}
