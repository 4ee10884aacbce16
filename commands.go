package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arctic-lake/iceberg"
	"arctic-lake/maintenance"
	"arctic-lake/proxy"
	"arctic-lake/replication"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run replication ingest, the SQL proxy and the metrics endpoint",
	Long: `Streams the configured Postgres tables into append snapshots, serves
tables and "table$view" metadata tables on the proxy port, and exposes
Prometheus metrics on /metrics. Replication is skipped when no tables are
configured.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <table>",
	Short: "Rewrite small data files into larger ones",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcedure(maintenance.ProcOptimize),
}

var optimizeManifestsCmd = &cobra.Command{
	Use:   "optimize-manifests <table>",
	Short: "Rewrite the current snapshot's manifests",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcedure(maintenance.ProcOptimizeManifests),
}

var expireSnapshotsCmd = &cobra.Command{
	Use:   "expire-snapshots <table>",
	Short: "Remove snapshots older than the retention threshold",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcedure(maintenance.ProcExpireSnapshots),
}

var removeOrphanFilesCmd = &cobra.Command{
	Use:   "remove-orphan-files <table>",
	Short: "Delete files under the table location that no snapshot references",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcedure(maintenance.ProcRemoveOrphanFiles),
}

var dropExtendedStatsCmd = &cobra.Command{
	Use:   "drop-extended-stats <table>",
	Short: "Remove statistics files from the table metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcedure(maintenance.ProcDropExtendedStats),
}

var tablesCmd = &cobra.Command{
	Use:   "tables [namespace]",
	Short: "List tables with their current snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTables,
}

var dropCmd = &cobra.Command{
	Use:   "drop <table>",
	Short: "Drop a table",
	Long: `Drops a table. With catalog.soft_delete set the table stays restorable
with undrop until its expiration; files are deleted on expiry only when
--purge is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runDrop,
}

var droppedCmd = &cobra.Command{
	Use:   "dropped [namespace]",
	Short: "List soft-deleted tables and when they expire",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDropped,
}

var undropCmd = &cobra.Command{
	Use:   "undrop <table-uuid>",
	Short: "Restore a soft-deleted table under its former name",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndrop,
}

var purgeDroppedCmd = &cobra.Command{
	Use:   "purge-dropped [table-uuid]",
	Short: "Expire soft-deleted tables past their deadline, or one table now",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPurgeDropped,
}

func init() {
	dropCmd.Flags().Bool("purge", false, "delete the table's files")

	optimizeCmd.Flags().StringToString("where", nil, "partition filter as column=value pairs")
	optimizeCmd.Flags().String("file-size-threshold", "", "rewrite files smaller than this size (default from config)")

	expireSnapshotsCmd.Flags().String("retention", "", "retention threshold such as 7d (default from config)")

	removeOrphanFilesCmd.Flags().String("retention", "", "retention threshold such as 7d (default from config)")
	removeOrphanFilesCmd.Flags().Bool("dry-run", false, "list orphan files without deleting them")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(optimizeManifestsCmd)
	rootCmd.AddCommand(expireSnapshotsCmd)
	rootCmd.AddCommand(removeOrphanFilesCmd)
	rootCmd.AddCommand(dropExtendedStatsCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(droppedCmd)
	rootCmd.AddCommand(undropCmd)
	rootCmd.AddCommand(purgeDroppedCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	if len(a.config.Tables) > 0 {
		replicator, err := replication.NewReplicator(ctx, a.config, a.catalog)
		if err != nil {
			return fmt.Errorf("creating replicator: %w", err)
		}
		g.Go(func() error {
			if err := replicator.Start(gCtx); err != nil && gCtx.Err() == nil {
				return fmt.Errorf("replication: %w", err)
			}
			return nil
		})
	} else {
		a.logger.Info("no tables configured, replication disabled")
	}

	p, err := proxy.NewDuckDBProxy(a.config, a.catalog, a.engine)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}
	g.Go(func() error {
		if err := p.Start(gCtx); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})

	if softDelete, _ := a.config.SoftDelete(); softDelete > 0 {
		interval, _ := a.config.ExpiryInterval()
		g.Go(func() error {
			return a.engine.RunDroppedTableExpiry(gCtx, interval)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:              a.config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("metrics server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runProcedure runs a maintenance procedure through the same path as
// ALTER TABLE ... EXECUTE on the proxy.
func runProcedure(procedure string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		command, err := procedureCommand(cmd, procedure, args[0])
		if err != nil {
			return err
		}
		summary, err := proxy.Execute(ctx, a.engine, proxy.ResolveTable(command.Table, proxy.DefaultNamespace), command)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	}
}

// procedureCommand maps command-line flags onto procedure arguments.
func procedureCommand(cmd *cobra.Command, procedure, table string) (*proxy.Command, error) {
	command := &proxy.Command{
		Table:     table,
		Procedure: procedure,
		Args:      map[string]string{},
		Where:     map[string]string{},
	}

	flags := cmd.Flags()
	if flags.Lookup("where") != nil {
		where, err := flags.GetStringToString("where")
		if err != nil {
			return nil, err
		}
		for k, v := range where {
			command.Where[k] = v
		}
	}
	for flag, arg := range map[string]string{
		"file-size-threshold": "file_size_threshold",
		"retention":           "retention_threshold",
		"dry-run":             "dry_run",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			command.Args[arg] = f.Value.String()
		}
	}
	return command, nil
}

func runTables(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var namespaces []string
	if len(args) > 0 {
		namespaces = []string{args[0]}
	} else if namespaces, err = allNamespaces(ctx, a.catalog, ""); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tVERSION\tSNAPSHOT\tRECORDS")
	for _, ns := range namespaces {
		idents, err := a.catalog.ListTables(ctx, ns)
		if err != nil {
			return fmt.Errorf("listing tables in %s: %w", ns, err)
		}
		for _, ident := range idents {
			tbl, err := a.catalog.LoadTable(ctx, ident)
			if err != nil {
				return err
			}
			snapshot, records := "-", "0"
			if s := tbl.CurrentSnapshot(); s != nil {
				snapshot = fmt.Sprint(s.SnapshotID)
				if v, ok := s.Summary[iceberg.SummaryTotalRecords]; ok {
					records = v
				}
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", ident, tbl.Version, snapshot, records)
		}
	}
	return w.Flush()
}

// allNamespaces walks the namespace tree under parent depth first.
func allNamespaces(ctx context.Context, cat *iceberg.Catalog, parent string) ([]string, error) {
	children, err := cat.ListNamespaces(ctx, parent)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, child := range children {
		out = append(out, child)
		nested, err := allNamespaces(ctx, cat, child)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func runDrop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	purge, err := cmd.Flags().GetBool("purge")
	if err != nil {
		return err
	}
	ident := proxy.ResolveTable(args[0], proxy.DefaultNamespace)
	if err := a.catalog.DropTable(ctx, ident, purge); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", ident)
	return nil
}

func runDropped(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var ns string
	if len(args) > 0 {
		ns = args[0]
	}
	dropped, err := a.catalog.ListDroppedTables(ctx, ns)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tUUID\tDROPPED\tEXPIRES\tPURGE")
	for _, d := range dropped {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", d.Identifier, d.TableUUID,
			d.DroppedAt.Format(time.RFC3339), d.ExpiresAt.Format(time.RFC3339), d.Purge)
	}
	return w.Flush()
}

func runUndrop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	tbl, err := a.catalog.UndropTable(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", tbl.Identifier)
	return nil
}

func runPurgeDropped(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) > 0 {
		if err := a.catalog.PurgeDroppedTable(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
		return nil
	}
	expired, err := a.engine.ExpireDroppedTables(ctx)
	for _, d := range expired {
		fmt.Fprintf(cmd.OutOrStdout(), "purged %s (%s)\n", d.Identifier, d.TableUUID)
	}
	return err
}
