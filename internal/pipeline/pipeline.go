// Package pipeline runs the address pipeline end to end: configuration,
// retrieval, projection, postal code join, and the CSV, SQL template and
// database outputs.
//
// Stages run strictly in sequence. Only retrieval observes cancellation;
// once it returns, the remaining stages run to completion on whatever was
// staged. Options.AfterRetrieve lets the caller release its interrupt
// handling at that point.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sira/internal/address"
	"sira/internal/config"
	"sira/internal/metrics"
	pcsv "sira/internal/parser/csv"
	"sira/internal/render"
	"sira/internal/retrieve"
	"sira/internal/storage"
	"sira/internal/transformer"
)

// DefaultCapFile is looked up next to the configuration file when no cap
// path is given.
const DefaultCapFile = "cap_comuni.csv"

// Options configures one run.
type Options struct {
	ConfigPath string

	// NoDownload skips retrieval; only files already staged are used.
	NoDownload bool
	// SkipExisting reuses staged files instead of downloading them again.
	SkipExisting bool

	// CapPath names the postal code lookup. Empty means DefaultCapFile next
	// to the configuration; a missing default file disables the join, a
	// missing explicit file is an error.
	CapPath string
	NoCap   bool

	// CSVPath enables the delimited output when non-empty.
	CSVPath string
	NoSQL   bool

	// Charset of the staged source files. Empty means UTF-8.
	Charset string
	// CapCharset of the postal code lookup, which comes from a different
	// publisher than the exports. Empty means UTF-8.
	CapCharset string

	// DB enables the database sink when DB.Kind is non-empty. Table and
	// Columns are filled in by Run. The table is replaced on every run
	// unless DB.Append is set.
	DB        storage.Config
	BatchSize int

	// Fetcher is required unless NoDownload is set.
	Fetcher retrieve.Fetcher

	// AfterRetrieve, when set, is called once retrieval has finished or was
	// skipped, before any staged file is read.
	AfterRetrieve func()

	// Job labels metrics; defaults to "sira".
	Job    string
	Logger zerolog.Logger
}

// Report summarizes a run.
type Report struct {
	RunID string

	Issues             []config.Issue
	Staged             []retrieve.StagedFile
	RetrievalFailures  []*retrieve.RetrievalError
	Interrupted        bool
	Files              []string
	ProjectionFailures []error

	Records    int
	JoinRan    bool
	JoinMisses []transformer.JoinMiss

	CSVPath  string
	SQLPath  string
	DBLoaded int64
}

// Run executes the pipeline. Configuration errors and an unusable explicit
// cap file abort before any I/O. Failures confined to one key or one staged
// file are collected in the Report. Output errors (CSV, SQL template, DB)
// are returned after every requested output was attempted; a SQL template
// error never prevents the CSV output.
func Run(ctx context.Context, opt Options) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	job := opt.Job
	if job == "" {
		job = "sira"
	}
	log := opt.Logger.With().Str("run_id", rep.RunID).Logger()
	log.Info().Str("config", opt.ConfigPath).Msg("begin")

	cfg, issues, err := config.LoadWithIssues(opt.ConfigPath)
	rep.Issues = issues
	for _, is := range issues {
		if is.Severity == config.SeverityWarning {
			log.Warn().Str("path", is.Path).Msg(is.Message)
		}
	}
	if err != nil {
		return rep, err
	}

	capPath, capRequired := resolveCap(opt, cfg)
	if capRequired && !fileExists(capPath) {
		return rep, fmt.Errorf("cap file %s: %w", capPath, os.ErrNotExist)
	}

	if !opt.NoDownload {
		if opt.Fetcher == nil {
			return rep, errors.New("pipeline: no fetcher configured")
		}
		start := time.Now()
		res, err := retrieve.New(opt.Fetcher, log).FetchAll(ctx, cfg.CSVURLTemplate, cfg.SourceKeys, cfg.StagingDir, opt.SkipExisting)
		metrics.RecordStep(job, metrics.StepRetrieve, err, time.Since(start))
		if err != nil {
			return rep, err
		}
		rep.Staged = res.Staged
		rep.RetrievalFailures = res.Failures
		rep.Interrupted = res.Interrupted
		metrics.RecordRow(job, metrics.KindStaged, int64(len(res.Staged)))
		metrics.RecordRow(job, metrics.KindFetchFailed, int64(len(res.Failures)))
	}
	ctx = context.WithoutCancel(ctx)
	if opt.AfterRetrieve != nil {
		opt.AfterRetrieve()
	}

	files, err := retrieve.ListStaged(cfg.StagingDir)
	if err != nil {
		return rep, err
	}
	rep.Files = files

	start := time.Now()
	recs := project(files, opt.Charset, &rep, log)
	metrics.RecordStep(job, metrics.StepProject, nil, time.Since(start))
	metrics.RecordRow(job, metrics.KindProjected, int64(len(recs)))
	metrics.RecordRow(job, metrics.KindProjectionFailed, int64(len(rep.ProjectionFailures)))

	if capPath != "" {
		if fileExists(capPath) {
			start := time.Now()
			misses, err := join(recs, capPath, opt.CapCharset, log)
			metrics.RecordStep(job, metrics.StepJoin, err, time.Since(start))
			if err != nil {
				return rep, err
			}
			rep.JoinRan = true
			rep.JoinMisses = misses
			metrics.RecordRow(job, metrics.KindJoinMiss, int64(len(misses)))
		} else {
			log.Warn().Str("path", capPath).Msg("cap file not found; postal codes will not be added")
		}
	}
	rep.Records = len(recs)
	cols := render.CSVColumns(rep.JoinRan)

	var outErrs []error
	if opt.CSVPath != "" {
		start := time.Now()
		err := render.WriteCSVFile(opt.CSVPath, recs, cols)
		metrics.RecordStep(job, metrics.StepRenderCSV, err, time.Since(start))
		if err != nil {
			log.Error().Err(err).Str("path", opt.CSVPath).Msg("csv output failed")
			outErrs = append(outErrs, err)
		} else {
			rep.CSVPath = opt.CSVPath
			log.Info().Str("path", opt.CSVPath).Int("records", len(recs)).Msg("csv written")
		}
	}

	if !opt.NoSQL {
		start := time.Now()
		err := renderSQL(cfg, recs)
		metrics.RecordStep(job, metrics.StepRenderSQL, err, time.Since(start))
		if err != nil {
			log.Error().Err(err).Str("template", cfg.SQLTemplatePath).Msg("sql rendering failed")
			outErrs = append(outErrs, err)
		} else {
			rep.SQLPath = cfg.SQLOutputPath
			metrics.RecordRow(job, metrics.KindRendered, int64(len(recs)))
			log.Info().Str("path", cfg.SQLOutputPath).Int("records", len(recs)).Msg("sql written")
		}
	}

	if opt.DB.Kind != "" {
		start := time.Now()
		n, err := loadDB(ctx, opt, recs, cols, log)
		metrics.RecordStep(job, metrics.StepLoadDB, err, time.Since(start))
		rep.DBLoaded = n
		metrics.RecordRow(job, metrics.KindLoaded, n)
		if err != nil {
			log.Error().Err(err).Str("kind", opt.DB.Kind).Msg("database load failed")
			outErrs = append(outErrs, err)
		}
	}

	if err := metrics.Flush(); err != nil {
		log.Warn().Err(err).Msg("metrics flush failed")
	}

	log.Info().
		Int("records", rep.Records).
		Int("files", len(rep.Files)).
		Int("retrieval_failures", len(rep.RetrievalFailures)).
		Int("projection_failures", len(rep.ProjectionFailures)).
		Int("join_misses", len(rep.JoinMisses)).
		Msg("done")
	return rep, errors.Join(outErrs...)
}

// resolveCap returns the lookup path to use ("" when the join is disabled)
// and whether its absence is an error.
func resolveCap(opt Options, cfg config.SourceConfig) (string, bool) {
	switch {
	case opt.NoCap:
		return "", false
	case opt.CapPath != "":
		return opt.CapPath, true
	default:
		return config.ResolvePath(cfg.BaseDir, DefaultCapFile), false
	}
}

// project reads and projects every staged file in order. A file that cannot
// be read or lacks a required column is recorded and skipped.
func project(files []string, charset string, rep *Report, log zerolog.Logger) []address.Record {
	var recs []address.Record
	for _, f := range files {
		log.Info().Str("file", f).Msg("parsing")
		rows, skipped, err := pcsv.ReadFile(f, pcsv.Options{Comma: '\t', Charset: charset, Logger: log})
		if err == nil {
			var got []address.Record
			got, err = transformer.ProjectAddresses(rows, f)
			recs = append(recs, got...)
		}
		if err != nil {
			log.Error().Err(err).Str("file", f).Msg("file skipped")
			rep.ProjectionFailures = append(rep.ProjectionFailures, err)
			continue
		}
		if skipped > 0 {
			log.Warn().Str("file", f).Int("skipped", skipped).Msg("unparsable rows skipped")
		}
	}
	return recs
}

func join(recs []address.Record, path, charset string, log zerolog.Logger) ([]transformer.JoinMiss, error) {
	rows, _, err := pcsv.ReadFile(path, pcsv.Options{Comma: ';', Charset: charset, TrimSpace: true, Logger: log})
	if err != nil {
		return nil, err
	}
	lk, err := transformer.BuildLookup(rows, transformer.CapSourceIstat, transformer.CapSourceCAP, path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("entries", len(lk)).Msg("cap lookup loaded")
	return transformer.JoinInPlace(recs, lk, address.ColCodiceIstat, address.ColCap, log)
}

func renderSQL(cfg config.SourceConfig, recs []address.Record) error {
	tpl, err := render.LoadTemplate(cfg.SQLTemplatePath)
	if err != nil {
		return err
	}
	return render.WriteSQLFile(cfg.SQLOutputPath, tpl, recs)
}

func loadDB(ctx context.Context, opt Options, recs []address.Record, cols []string, log zerolog.Logger) (int64, error) {
	dbc := opt.DB
	if dbc.Table == "" {
		dbc.Table = "indirizzi"
	}
	dbc.Columns = cols

	repo, err := storage.New(ctx, dbc)
	if err != nil {
		return 0, err
	}
	defer repo.Close()

	if err := repo.EnsureTable(ctx); err != nil {
		return 0, err
	}
	batch := opt.BatchSize
	if batch <= 0 {
		batch = storage.DefaultBatchSize
	}
	return storage.LoadBatches(ctx, cols, storage.RowsFromRecords(recs, cols), batch, repo.CopyFrom, log)
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
