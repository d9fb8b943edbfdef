package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/pipeline"
	"github.com/kbserve/kbserve/internal/ui"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBDeleteCmd())
	cmd.AddCommand(newKBIngestCmd())
	cmd.AddCommand(newKBFilesCmd())
	return cmd
}

func newKBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager, cleanup, err := bootstrap(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			details, err := manager.ListKBDetails(cmd.Context())
			if err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout(), ui.GetStyles(noColor)).KBList(details)
			return nil
		},
	}
}

func newKBCreateCmd() *cobra.Command {
	var vsType string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager, cleanup, err := bootstrap(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.CreateKB(cmd.Context(), args[0], vsType); err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout(), ui.GetStyles(noColor)).
				Successf("created knowledge base %s", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&vsType, "vs-type", "", "Vector store backend (es or local; default from config)")
	return cmd
}

func newKBDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a knowledge base and all its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager, cleanup, err := bootstrap(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.DeleteKB(cmd.Context(), args[0]); err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout(), ui.GetStyles(noColor)).
				Successf("deleted knowledge base %s", args[0])
			return nil
		},
	}
}

func newKBIngestCmd() *cobra.Command {
	var override bool

	cmd := &cobra.Command{
		Use:   "ingest NAME FILE...",
		Short: "Upload and index local files into a knowledge base",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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

			var uploads []kb.Upload
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				uploads = append(uploads, kb.Upload{
					FileName: filepath.Base(path),
					Data:     data,
				})
			}

			printer := ui.NewPrinter(cmd.OutOrStdout(), ui.GetStyles(noColor))
			saved, failed := svc.UploadFiles(uploads, override)
			for name, msg := range svc.UpdateFiles(cmd.Context(), saved, pipeline.Options{
				ChunkSize:      cfg.Search.ChunkSize,
				ChunkOverlap:   cfg.Search.ChunkOverlap,
				ZhTitleEnhance: cfg.Search.ZhTitleEnhance,
			}) {
				failed[name] = msg
			}

			printer.Successf("indexed %d file(s) into %s", len(saved)-countKeys(failed, saved), args[0])
			printer.FailedFiles(failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "Overwrite files that already exist")
	return cmd
}

func newKBFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files NAME",
		Short: "List the files of a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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
			details, err := svc.ListFileDetails(cmd.Context())
			if err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout(), ui.GetStyles(noColor)).FileList(details)
			return nil
		},
	}
}

// countKeys counts how many of names appear in failed.
func countKeys(failed map[string]string, names []string) int {
	n := 0
	for _, name := range names {
		if _, ok := failed[name]; ok {
			n++
		}
	}
	return n
}
