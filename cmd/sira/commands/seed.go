package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"sira/internal/config"
)

func newSeedCommand(a *app) *cobra.Command {
	var (
		out  string
		defs = config.DefaultSeedDefaults()
	)

	cmd := &cobra.Command{
		Use:   "seed <seed-file>",
		Short: "Convert a plain-text seed file into a configuration document",
		Long: `The seed file holds two blocks separated by a blank line: the
url_for_xml and url_for_csv lines, then one ISTAT code per line.`,
		Example: `  sira seed sorgenteSIRA.txt
  sira seed --out conf.xml --directory staging sorgenteSIRA.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := config.ParseSeed(f, in)
			if err != nil {
				return err
			}

			dst := out
			if dst == "" {
				dst = strings.TrimSuffix(in, filepath.Ext(in)) + ".xml"
			}
			w, err := os.Create(dst)
			if err != nil {
				return fmt.Errorf("create %s: %w", dst, err)
			}
			if err := config.WriteSeedXML(w, seed, defs); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close %s: %w", dst, err)
			}

			a.log.Info().Str("seed", in).Str("out", dst).Int("keys", len(seed.Items)).Msg("configuration written")
			fmt.Fprintln(cmd.OutOrStdout(), dst)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "", "output path (default: seed path with .xml extension)")
	f.StringVar(&defs.Directory, "directory", defs.Directory, "staging directory written to the document")
	f.StringVar(&defs.SQLModel, "sqlmodel", defs.SQLModel, "SQL template path written to the document")
	f.StringVar(&defs.SQLOutput, "sqloutput", defs.SQLOutput, "SQL output path written to the document")
	return cmd
}
