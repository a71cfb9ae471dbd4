package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sira/internal/datasource/httpds"
	"sira/internal/metrics"
	"sira/internal/metrics/datadog"
	"sira/internal/metrics/prompush"
	"sira/internal/pipeline"
	"sira/internal/storage"

	_ "sira/internal/storage/all"
)

// notifyContext is replaced in tests.
var notifyContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(a *app) *cobra.Command {
	var (
		opt            pipeline.Options
		metricsBackend string
		pushgatewayURL string
		ddAddr         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download, transform and render the address data",
		Example: `  # Full run with the default configuration and a CSV copy
  sira run --csv indirizzi.csv

  # Reuse staged files, skip postal codes, load into SQLite
  sira run --skip --no-cap --db-kind sqlite --db-dsn indirizzi.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("metrics-backend") {
				metricsBackend = a.env.MetricsBackend
			}
			if !flags.Changed("pushgateway-url") {
				pushgatewayURL = a.env.PushgatewayURL
			}
			if !flags.Changed("dd-addr") {
				ddAddr = a.env.DatadogAddr
			}
			if (opt.DB.Kind == "") != (opt.DB.DSN == "") {
				return fmt.Errorf("--db-kind and --db-dsn must be given together")
			}

			if err := installMetrics(metricsBackend, pushgatewayURL, ddAddr, filepath.Base(opt.ConfigPath)); err != nil {
				return err
			}
			defer metrics.SetBackend(nil)

			opt.Logger = a.log
			opt.Fetcher = httpds.NewClient(httpds.Config{
				Timeout:            a.env.HTTPTimeout,
				MaxRetries:         a.env.HTTPRetries,
				InsecureSkipVerify: a.env.HTTPInsecure,
				Logger:             a.log,
			})

			// An interrupt while downloading ends retrieval early and the run
			// goes on with what was staged. Once retrieval is over the signals
			// get their default behavior back.
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			opt.AfterRetrieve = stop

			rep, err := pipeline.Run(ctx, opt)
			if rep.RunID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d record(s) from %d file(s), %d retrieval failure(s), %d projection failure(s), %d join miss(es)\n",
					rep.RunID, rep.Records, len(rep.Files), len(rep.RetrievalFailures), len(rep.ProjectionFailures), len(rep.JoinMisses))
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opt.ConfigPath, "config", "c", "sorgenteSIRA.xml", "configuration document")
	f.BoolVar(&opt.NoDownload, "no-download", false, "do not download; use files already staged")
	f.BoolVar(&opt.SkipExisting, "skip", false, "reuse staged files instead of downloading them again")
	f.StringVar(&opt.CapPath, "cap", "", "postal code lookup (default "+pipeline.DefaultCapFile+" next to the config)")
	f.BoolVar(&opt.NoCap, "no-cap", false, "do not add postal codes")
	f.StringVar(&opt.CSVPath, "csv", "", "also write the records as CSV to this path")
	f.BoolVar(&opt.NoSQL, "no-sql", false, "do not render the SQL template")
	f.StringVar(&opt.Charset, "charset", "utf-8", "character set of the source files")
	f.StringVar(&opt.CapCharset, "cap-charset", "utf-8", "character set of the postal code lookup")
	f.StringVar(&opt.DB.Kind, "db-kind", "", "load records into a database: sqlite|postgres")
	f.StringVar(&opt.DB.DSN, "db-dsn", "", "database DSN or file")
	f.StringVar(&opt.DB.Table, "db-table", "indirizzi", "destination table")
	f.BoolVar(&opt.DB.Append, "db-append", false, "append to an existing table instead of replacing it")
	f.IntVar(&opt.BatchSize, "db-batch", storage.DefaultBatchSize, "rows per database batch")
	f.StringVar(&metricsBackend, "metrics-backend", "none", "metrics backend: none|pushgateway|datadog")
	f.StringVar(&pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL")
	f.StringVar(&ddAddr, "dd-addr", "", "DogStatsD address")

	return cmd
}

// installMetrics selects the global metrics backend.
func installMetrics(kind, pushgatewayURL, ddAddr, source string) error {
	switch kind {
	case "", "none":
		metrics.SetBackend(nil)
	case "pushgateway":
		b, err := prompush.NewBackend("sira", pushgatewayURL)
		if err != nil {
			return err
		}
		metrics.SetBackend(b.WithGrouping("source", source))
	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       ddAddr,
			Namespace:  "sira.",
			GlobalTags: []string{"source:" + source},
		})
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
	default:
		return fmt.Errorf("unknown metrics backend %q (want none, pushgateway or datadog)", kind)
	}
	return nil
}
