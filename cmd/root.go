package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/config"
	"github.com/sells-group/market-atlas/internal/pipeline"
	"github.com/sells-group/market-atlas/internal/warehouse"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "market-atlas",
	Short: "Census statistics warehouse and site-selection engine",
	Long:  "Ingests categorical census extracts, prorates counts across geographic levels, derives per-area statistics and percentage profiles, and scores candidate business locations against the existing site network.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// openPipeline opens the warehouse and wires the pipeline. The caller closes
// the returned store.
func openPipeline() (*pipeline.Pipeline, *warehouse.Store, error) {
	store, err := warehouse.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return pipeline.New(cfg, store), store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Exit(pipeline.ExitCode(err))
	}
}
