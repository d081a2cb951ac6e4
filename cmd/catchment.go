package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-atlas/internal/census"
)

var catchmentLevel string

func init() {
	catchmentCmd.Flags().StringVar(&catchmentLevel, "level", "postcode", "geographic level to assign")
	rootCmd.AddCommand(catchmentCmd)
}

var catchmentCmd = &cobra.Command{
	Use:   "catchment",
	Short: "Assign areas to their nearest site and summarize each catchment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()

		eng, err := p.Engine(ctx, census.Level(catchmentLevel))
		if err != nil {
			return err
		}
		ix, err := p.SiteIndex(ctx)
		if err != nil {
			return err
		}

		assignment, err := eng.Assign(ctx, ix)
		if err != nil {
			return err
		}
		sums, err := eng.Summaries(assignment, ix)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sums)
	},
}
