package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/ingest"
	"github.com/sells-group/market-atlas/internal/market"
)

var (
	scoreLevel      string
	scoreDimension  string
	scoreBins       []string
	scoreRadiusKM   float64
	scoreTopN       int
	scoreCandidates string
	scoreGridKM     float64
)

func init() {
	scoreCmd.Flags().StringVar(&scoreLevel, "level", "postcode", "geographic level to score against")
	scoreCmd.Flags().StringVar(&scoreDimension, "dimension", "", "target dimension")
	scoreCmd.Flags().StringSliceVar(&scoreBins, "bins", nil, "target bin labels within the dimension")
	scoreCmd.Flags().Float64Var(&scoreRadiusKM, "radius", 0, "search radius in km (default from config)")
	scoreCmd.Flags().IntVar(&scoreTopN, "top", 0, "number of results to keep (default from config)")
	scoreCmd.Flags().StringVar(&scoreCandidates, "candidates", "", "CSV of (id, lat, lon) candidates; omit to score a generated grid")
	scoreCmd.Flags().Float64Var(&scoreGridKM, "grid", 0, "grid spacing in km when no candidate file is given")
	_ = scoreCmd.MarkFlagRequired("dimension")
	_ = scoreCmd.MarkFlagRequired("bins")
	rootCmd.AddCommand(scoreCmd)
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score candidate locations by density, target fit and network gap",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()

		eng, err := p.Engine(ctx, census.Level(scoreLevel))
		if err != nil {
			return err
		}
		ix, err := p.SiteIndex(ctx)
		if err != nil {
			return err
		}

		var cands []market.Candidate
		if scoreCandidates != "" {
			f, err := os.Open(scoreCandidates)
			if err != nil {
				return err
			}
			cands, err = ingest.ReadCandidatesCSV(f)
			f.Close()
			if err != nil {
				return err
			}
		} else {
			spacing := scoreGridKM
			if spacing <= 0 {
				spacing = cfg.Score.GridSpacingKM
			}
			cands = eng.GridCandidates(spacing)
		}

		req := p.ScoreRequest(scoreDimension, scoreBins)
		if scoreRadiusKM > 0 {
			req.RadiusKM = scoreRadiusKM
		}
		if scoreTopN > 0 {
			req.TopN = scoreTopN
		}

		results, err := eng.ScoreCandidates(ctx, ix, cands, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}
