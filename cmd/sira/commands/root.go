package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sira/internal/config"
)

// app carries the state shared by every subcommand.
type app struct {
	log      zerolog.Logger
	env      config.Env
	verbose  bool
	logLevel string
}

// Execute runs the root command.
func Execute(ctx context.Context, logger zerolog.Logger, version, commit, buildDate string) error {
	return newRootCommand(logger, version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(logger zerolog.Logger, version, commit, buildDate string) *cobra.Command {
	a := &app{log: logger}

	rootCmd := &cobra.Command{
		Use:   "sira",
		Short: "SIRA address extraction pipeline",
		Long: `sira downloads the SIRA address exports for a list of ISTAT codes,
projects them onto a canonical address schema, adds postal codes from a
lookup file, and writes CSV, templated SQL, or loads a database table.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			a.env = env
			lvl, err := logLevel(a.logLevel, a.verbose, env.LogLevel)
			if err != nil {
				return err
			}
			a.log = a.log.Level(lvl)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "show progress messages")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides --verbose and SIRA_LOG_LEVEL")

	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newSeedCommand(a))

	return rootCmd
}

// logLevel picks the level: --log-level first, then info for --verbose,
// then SIRA_LOG_LEVEL, then warn. A bad --log-level is an error; a bad
// SIRA_LOG_LEVEL is ignored.
func logLevel(flag string, verbose bool, env string) (zerolog.Level, error) {
	if flag != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(flag))
		if err != nil {
			return zerolog.NoLevel, fmt.Errorf("--log-level: %w", err)
		}
		return lvl, nil
	}
	if verbose {
		return zerolog.InfoLevel, nil
	}
	if env != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			return lvl, nil
		}
	}
	return zerolog.WarnLevel, nil
}
