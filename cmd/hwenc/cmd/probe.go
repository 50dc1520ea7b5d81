package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamforge/hwenc/internal/config"
	"github.com/streamforge/hwenc/internal/cuda"
	"github.com/streamforge/hwenc/internal/nvenc"
	"github.com/streamforge/hwenc/internal/probe"
	"github.com/streamforge/hwenc/internal/store"
)

var probeNoStore bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe devices and their encode capabilities",
	Long: `Probe enumerates compute devices, queries each one's codec catalog and
runs a short trial encode. The report is printed as JSON and recorded in the
probe history database unless --no-store is given.

The command exits non-zero when no device passes its trial encode.`,
	RunE: runProbe,
}

var probeHistoryLimit int

var probeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded probe results",
	RunE:  runProbeHistory,
}

var probePruneOlderThan time.Duration

var probePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete probe records older than a cutoff",
	RunE:  runProbePrune,
}

func init() {
	probeCmd.Flags().String("driver", "sim", "encode driver to probe")
	mustBindPFlag("encoder.driver", probeCmd.Flags().Lookup("driver"))
	probeCmd.Flags().BoolVar(&probeNoStore, "no-store", false, "do not record the report in the probe database")

	probeHistoryCmd.Flags().IntVar(&probeHistoryLimit, "limit", 20, "maximum number of records to show")

	probePruneCmd.Flags().DurationVar(&probePruneOlderThan, "older-than", 30*24*time.Hour, "delete records older than this")

	probeCmd.AddCommand(probeHistoryCmd)
	probeCmd.AddCommand(probePruneCmd)
	rootCmd.AddCommand(probeCmd)
}

func devicePrefs(cfg *config.Config) cuda.Prefs {
	return cuda.Prefs{
		Enabled:          cfg.Device.Enabled,
		Disabled:         cfg.Device.Disabled,
		PreferredName:    cfg.Device.PreferredName,
		MinFreeMemoryPct: cfg.Device.MinFreeMemoryPct,
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	drv, err := nvenc.OpenDriver(cfg.Encoder.Driver)
	if err != nil {
		return err
	}

	report, err := probe.Run(cmd.Context(), drv, devicePrefs(cfg), slog.Default())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	fmt.Println(string(data))

	if !probeNoStore {
		db, err := store.Open(cfg.Storage.ProbeDB, slog.Default())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Ping(cmd.Context()); err != nil {
			return err
		}
		for _, rec := range probe.Records(report) {
			rec := rec
			prev, err := db.Latest(cmd.Context(), rec.DeviceName)
			if err != nil {
				return err
			}
			if prev != nil && prev.Healthy != rec.Healthy {
				slog.Warn("device health changed since last probe",
					slog.String("device", rec.DeviceName),
					slog.Bool("was_healthy", prev.Healthy),
					slog.Bool("healthy", rec.Healthy),
				)
			}
			if err := db.Save(cmd.Context(), &rec); err != nil {
				return err
			}
		}
	}

	if !report.Healthy() {
		return fmt.Errorf("no device passed the trial encode")
	}
	return nil
}

func runProbeHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Storage.ProbeDB, slog.Default())
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.List(cmd.Context(), probeHistoryLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tHOST\tDEVICE\tDRIVER\tCODECS\tHEALTHY")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d %s\t%d\t%s\t%v\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Hostname, r.DeviceOrdinal, r.DeviceName,
			r.DriverVersion, r.Codecs, r.Healthy)
	}
	return w.Flush()
}

func runProbePrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Storage.ProbeDB, slog.Default())
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Prune(cmd.Context(), time.Now().Add(-probePruneOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d probe records\n", n)
	return nil
}
