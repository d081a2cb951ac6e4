package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-atlas/internal/census"
)

var exportDir string

func init() {
	exportCmd.Flags().StringVarP(&exportDir, "out", "o", ".", "directory to write CSV files into")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export [level...]",
	Short: "Write a level's counts, statistics and percentages to CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()

		levels := args
		if len(levels) == 0 {
			levels = cfg.Hierarchy.Levels
		}
		for _, level := range levels {
			if err := p.Export(ctx, census.Level(level), exportDir); err != nil {
				return err
			}
		}
		return nil
	},
}
