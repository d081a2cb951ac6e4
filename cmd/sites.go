package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/ingest"
)

var (
	siteName string
	siteLat  float64
	siteLon  float64
)

func init() {
	sitesAddCmd.Flags().StringVar(&siteName, "name", "", "site name")
	sitesAddCmd.Flags().Float64Var(&siteLat, "lat", 0, "latitude")
	sitesAddCmd.Flags().Float64Var(&siteLon, "lon", 0, "longitude")
	_ = sitesAddCmd.MarkFlagRequired("name")
	_ = sitesAddCmd.MarkFlagRequired("lat")
	_ = sitesAddCmd.MarkFlagRequired("lon")

	sitesCmd.AddCommand(sitesListCmd, sitesAddCmd, sitesImportCmd, sitesRemoveCmd)
	rootCmd.AddCommand(sitesCmd)
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage the business site register",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()

		sites, err := store.ListSites(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tLAT\tLON")
		for _, s := range sites {
			fmt.Fprintf(w, "%d\t%s\t%.6f\t%.6f\n", s.ID, s.Name, s.Lat, s.Lon)
		}
		return w.Flush()
	},
}

var sitesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a site",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		site, err := store.CreateSite(cmd.Context(), siteName, siteLat, siteLon)
		if err != nil {
			return err
		}
		fmt.Printf("site %d created\n", site.ID)
		return nil
	},
}

var sitesImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import sites from a CSV of (name, lat, lon) rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		sites, err := ingest.ReadSitesCSV(f)
		if err != nil {
			return err
		}
		for _, s := range sites {
			if _, err := store.CreateSite(ctx, s.Name, s.Lat, s.Lon); err != nil {
				return err
			}
		}
		zap.L().Info("imported sites", zap.Int("count", len(sites)))
		return nil
	},
}

var sitesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		_, store, err := openPipeline()
		if err != nil {
			return err
		}
		defer store.Close()
		return store.DeleteSite(cmd.Context(), id)
	},
}
