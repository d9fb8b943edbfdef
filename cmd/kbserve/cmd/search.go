package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kbserve/kbserve/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var topK int
	var scoreThreshold float64

	cmd := &cobra.Command{
		Use:   "search KB QUERY",
		Short: "Run a hybrid search against a knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if topK <= 0 {
				topK = cfg.Search.TopK
			}
			if scoreThreshold == 0 {
				scoreThreshold = cfg.Search.ScoreThreshold
			}

			manager, cleanup, err := bootstrap(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			svc, err := manager.GetService(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			docs, err := svc.SearchDocs(cmd.Context(), args[1], topK, scoreThreshold)
			if err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout(), ui.GetStyles(noColor)).
				SearchResults(args[1], docs)
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", 0, "Number of results (default from config)")
	cmd.Flags().Float64Var(&scoreThreshold, "score-threshold", 0, "Backend score threshold (default from config)")
	return cmd
}
