package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sira/internal/config"
)

func newValidateCommand(a *app) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration document",
		Long: `Parse the configuration document and report every problem found.
Warnings (for example a url_for_csv without the __CODICE_ISTAT_ marker)
are printed but do not fail the command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, issues, err := config.LoadWithIssues(path)
			out := cmd.OutOrStdout()
			for _, is := range issues {
				fmt.Fprintf(out, "%s: %s: %s\n", is.Severity, is.Path, is.Message)
			}
			if err != nil {
				return err
			}
			a.log.Info().Str("config", path).Int("keys", len(cfg.SourceKeys)).Msg("configuration is valid")
			fmt.Fprintf(out, "%s: ok (%d key(s), staging %s)\n", path, len(cfg.SourceKeys), cfg.StagingDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "sorgenteSIRA.xml", "configuration document")
	return cmd
}
