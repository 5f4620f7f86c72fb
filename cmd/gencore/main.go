package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"gencore/internal/blob"
	"gencore/internal/core"
	"gencore/internal/sched"
)

var (
	flagCatalog     string
	flagLogLevel    string
	flagWorkers     int
	flagRetries     int
	flagMetricsAddr string
	flagRegion      string
	flagBatchSize   int
)

func main() {
	root := &cobra.Command{
		Use:           "gencore",
		Short:         "Genomic reference dataset loader and annotation merge engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagCatalog, "catalog", "catalog.json", "path to the source catalog file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register the catalog's sources without loading them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			return registerCatalog(cmd.Context(), svc)
		},
	}

	loadCmd := &cobra.Command{
		Use:   "load <source>",
		Short: "Run a source's full load pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			if flagMetricsAddr != "" {
				go serveMetrics(flagMetricsAddr, reg)
			}
			if err := registerCatalog(cmd.Context(), svc); err != nil {
				return err
			}
			return svc.Load(cmd.Context(), args[0])
		},
	}
	loadCmd.Flags().IntVar(&flagWorkers, "workers", 4, "parallel work units per fan-out")
	loadCmd.Flags().IntVar(&flagRetries, "retries", 2, "retry budget per work unit")
	loadCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve /metrics on this address while loading")

	stageCmd := &cobra.Command{
		Use:   "stage <source> <stage>",
		Short: "Run one named stage of a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			if err := registerCatalog(cmd.Context(), svc); err != nil {
				return err
			}
			return svc.RunStage(cmd.Context(), args[0], core.StageName(args[1]), core.StageArgs{
				Region:    flagRegion,
				BatchSize: flagBatchSize,
			})
		},
	}
	stageCmd.Flags().StringVar(&flagRegion, "region", "", "contig seqid for per-region stages")
	stageCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "gene batch size override")

	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "List registered sources and their load states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			if err := registerCatalog(cmd.Context(), svc); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tASSEMBLY\tSTATE\tFILE")
			for _, src := range svc.ListSources() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", src.Name, src.Kind, src.Assembly, src.State, src.FilePath)
			}
			return tw.Flush()
		},
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the merged metadata schema of all registered sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			if err := registerCatalog(cmd.Context(), svc); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(svc.Schema())
		},
	}

	root.AddCommand(registerCmd, loadCmd, stageCmd, sourcesCmd, schemaCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newService(ctx context.Context) (*core.Service, *prometheus.Registry, error) {
	log := newLogger(flagLogLevel)
	store, err := core.OpenPersistentStore()
	if err != nil {
		return nil, nil, err
	}
	blobs, err := blob.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	reg := prometheus.NewRegistry()
	workers := flagWorkers
	if workers <= 0 {
		workers = 4
	}
	svc := core.NewService(store, blobs,
		core.WithLogger(log),
		core.WithMetrics(core.NewMetrics(reg)),
		core.WithExecutor(sched.NewRunner(workers)),
		core.WithRetries(flagRetries),
	)
	return svc, reg, nil
}

func registerCatalog(ctx context.Context, svc *core.Service) error {
	catalog, err := core.ReadCatalog(flagCatalog)
	if err != nil {
		return err
	}
	return svc.LoadCatalog(ctx, catalog)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics listener stopped", "addr", addr, "err", err)
	}
}
