package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"sira/internal/config"
	"sira/internal/render"
	"sira/internal/retrieve"
	"sira/internal/storage"
	"sira/internal/transformer"

	_ "sira/internal/storage/sqlite"
)

const header = "CODICEISTAT\tSIGLAPROV\tCOMUNE\tLOCALITA\tINDIRIZZO\tLONG WGS84\tLAT WGS84\n"

const configDoc = `<?xml version="1.0" encoding="utf-8"?>
<root>
  <directory>tmp</directory>
  <sqlmodel>template.sql</sqlmodel>
  <sqloutput>output.sql</sqloutput>
  <urls>
    <url_for_xml>http://sira.example/xml</url_for_xml>
    <url_for_csv>http://sira.example/csv?istat=__CODICE_ISTAT_</url_for_csv>
  </urls>
  <items>
    <item>001</item>
    <item>002</item>
  </items>
</root>`

// workspace lays out a config directory with two staged files and returns
// the config path.
func workspace(t *testing.T, template string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	write(t, filepath.Join(dir, "sorgenteSIRA.xml"), configDoc)
	write(t, filepath.Join(dir, "template.sql"), template)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0o755))
	write(t, filepath.Join(dir, "tmp", "tmp_001.csv"),
		"Estrazione SIRA\n"+header+"048017\tFI\tFIRENZE\t-\tVIA DELL'AGNOLO\t11.26\t43.77\n")
	write(t, filepath.Join(dir, "tmp", "tmp_002.csv"),
		header+"048001\tFI\tBAGNO A RIPOLI\tGRASSINA\tVIA CHIANTIGIANA\t11.30\t43.71\n")
	return dir, filepath.Join(dir, "sorgenteSIRA.xml")
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRun_TwoKeysInOrder(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "INSERT INTO t VALUES ('{codiceistat}', '{comune}', '{localita}', '{indirizzo}');")
	csvPath := filepath.Join(dir, "out.csv")

	rep, err := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		CSVPath:    csvPath,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 2, rep.Records)
	assert.False(t, rep.JoinRan, "default cap file is absent")
	assert.Empty(t, rep.ProjectionFailures)
	assert.Equal(t, csvPath, rep.CSVPath)
	assert.Equal(t, filepath.Join(dir, "output.sql"), rep.SQLPath)

	assert.Equal(t,
		"codiceistat,siglaprov,comune,localita,indirizzo,long,lat\n"+
			"048017,FI,FIRENZE,,VIA DELL\\'AGNOLO,11.26,43.77\n"+
			"048001,FI,BAGNO A RIPOLI,GRASSINA,VIA CHIANTIGIANA,11.30,43.71\n",
		read(t, csvPath))

	assert.Equal(t,
		"INSERT INTO t VALUES ('048017', 'FIRENZE', '', 'VIA DELL\\'AGNOLO');\n"+
			"INSERT INTO t VALUES ('048001', 'BAGNO A RIPOLI', 'GRASSINA', 'VIA CHIANTIGIANA');",
		read(t, rep.SQLPath))
}

func TestRun_JoinMissReportedOnce(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{codiceistat}")
	write(t, filepath.Join(dir, DefaultCapFile), "Istat;CAP;Comune\n048001;50012;Bagno a Ripoli\n")
	csvPath := filepath.Join(dir, "out.csv")

	rep, err := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		NoSQL:      true,
		CSVPath:    csvPath,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.True(t, rep.JoinRan)
	assert.Equal(t, 2, rep.Records)
	require.Len(t, rep.JoinMisses, 1)
	assert.Equal(t, transformer.JoinMiss{Key: "048017", Index: 0}, rep.JoinMisses[0])
	assert.Empty(t, rep.SQLPath)

	lines := strings.Split(strings.TrimSpace(read(t, csvPath)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(render.CSVColumns(true), ","), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",43.77,"), lines[1])
	assert.True(t, strings.HasSuffix(lines[2], ",50012"), lines[2])
}

func TestRun_TemplateErrorKeepsCSV(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "SELECT '{zip}';")
	csvPath := filepath.Join(dir, "out.csv")

	rep, err := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		NoCap:      true,
		CSVPath:    csvPath,
		Logger:     zerolog.Nop(),
	})
	var terr *render.TemplateError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "zip", terr.Placeholder)

	assert.Equal(t, csvPath, rep.CSVPath)
	assert.Contains(t, read(t, csvPath), "048001")
	_, statErr := os.Stat(filepath.Join(dir, "output.sql"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_ConfigError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.xml")
	write(t, cfgPath, "<root><directory>tmp</directory></root>")

	_, err := Run(context.Background(), Options{ConfigPath: cfgPath, NoDownload: true, Logger: zerolog.Nop()})
	var cerr *config.ConfigError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	_, statErr := os.Stat(filepath.Join(dir, "tmp"))
	assert.True(t, os.IsNotExist(statErr), "nothing is created on config error")
}

func TestRun_ExplicitCapMissingIsFatal(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{codiceistat}")
	_, err := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		CapPath:    filepath.Join(dir, "nope.csv"),
		Logger:     zerolog.Nop(),
	})
	require.ErrorIs(t, err, os.ErrNotExist)
	_, statErr := os.Stat(filepath.Join(dir, "output.sql"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_ProjectionFailureIsolated(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{codiceistat}")
	write(t, filepath.Join(dir, "tmp", "tmp_003.csv"), "CODICEISTAT\tCOMUNE\n048999\tX\n")

	rep, err := Run(context.Background(), Options{ConfigPath: cfgPath, NoDownload: true, NoCap: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Records)
	require.Len(t, rep.ProjectionFailures, 1)
	var perr *transformer.ProjectionError
	require.True(t, errors.As(rep.ProjectionFailures[0], &perr))
	assert.Equal(t, "SIGLAPROV", perr.Column)
	assert.Len(t, rep.Files, 3)
}

type zipFetcher struct {
	bodies map[string]string
}

func (f zipFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	body, ok := f.bodies[url]
	if !ok {
		return nil, errors.New("404")
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("export.csv")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func TestRun_DownloadAndLoadSQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write(t, filepath.Join(dir, "sorgenteSIRA.xml"), configDoc)
	write(t, filepath.Join(dir, "template.sql"), "{codiceistat}")
	write(t, filepath.Join(dir, DefaultCapFile), "Istat;CAP\n048017;50121\n")

	f := zipFetcher{bodies: map[string]string{
		retrieve.URLFor("http://sira.example/csv?istat=__CODICE_ISTAT_", "001"): header + "048017\tFI\tFIRENZE\t-\tVIA DELL'AGNOLO\t11.26\t43.77\n",
	}}
	dbPath := filepath.Join(dir, "sira.db")

	rep, err := Run(context.Background(), Options{
		ConfigPath: cfgPathOf(dir),
		Fetcher:    f,
		DB:         storage.Config{Kind: "sqlite", DSN: dbPath},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	require.Len(t, rep.Staged, 1)
	assert.Equal(t, "001", rep.Staged[0].Key)
	require.Len(t, rep.RetrievalFailures, 1)
	assert.Equal(t, "002", rep.RetrievalFailures[0].Key)
	assert.Equal(t, 1, rep.Records)
	assert.Equal(t, int64(1), rep.DBLoaded)
	assert.Empty(t, rep.JoinMisses)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var addr, capVal string
	require.NoError(t, db.QueryRow(`SELECT indirizzo, cap FROM indirizzi`).Scan(&addr, &capVal))
	assert.Equal(t, "VIA DELL'AGNOLO", addr)
	assert.Equal(t, "50121", capVal)
}

func TestRun_InterruptedRetrievalStillRenders(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{codiceistat}")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := Run(ctx, Options{
		ConfigPath:   cfgPath,
		Fetcher:      zipFetcher{},
		NoCap:        true,
		Logger:       zerolog.Nop(),
		SkipExisting: false,
	})
	require.NoError(t, err)
	assert.True(t, rep.Interrupted)
	assert.Equal(t, 2, rep.Records)
	assert.Equal(t, "048017\n048001", read(t, filepath.Join(dir, "output.sql")))
}

func TestRun_AfterRetrieveBeforeStagedFilesAreRead(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{codiceistat}")
	calls := 0
	rep, err := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		NoCap:      true,
		AfterRetrieve: func() {
			calls++
			write(t, filepath.Join(dir, "tmp", "tmp_003.csv"),
				header+"048002\tFI\tBARBERINO\t-\tVIA NUOVA\t11.1\t43.5\n")
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, rep.Records, "a file staged by the hook is still picked up")
}

func TestRun_AfterRetrieveFollowsDownload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write(t, filepath.Join(dir, "sorgenteSIRA.xml"), configDoc)
	write(t, filepath.Join(dir, "template.sql"), "{codiceistat}")
	f := zipFetcher{bodies: map[string]string{
		retrieve.URLFor("http://sira.example/csv?istat=__CODICE_ISTAT_", "002"): header + "048001\tFI\tBAGNO A RIPOLI\t-\tVIA ROMA\t11.3\t43.7\n",
	}}

	var staged, rendered []bool
	_, err := Run(context.Background(), Options{
		ConfigPath: cfgPathOf(dir),
		Fetcher:    f,
		NoCap:      true,
		AfterRetrieve: func() {
			staged = append(staged, fileExists(filepath.Join(dir, "tmp", "tmp_002.csv")))
			rendered = append(rendered, fileExists(filepath.Join(dir, "output.sql")))
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, staged)
	assert.Equal(t, []bool{false}, rendered)
}

func TestRun_CapCharsetIndependentOfSource(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{comune};{cap}")
	src, err := charmap.Windows1252.NewEncoder().String(
		header + "048017\tFI\tCITTÀ\t-\tVIA ROMA\t11.26\t43.77\n")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "tmp", "tmp_002.csv")))
	write(t, filepath.Join(dir, "tmp", "tmp_001.csv"), src)

	capDoc, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String("Istat;CAP\n048017;50121\n")
	require.NoError(t, err)
	write(t, filepath.Join(dir, DefaultCapFile), capDoc)

	rep, err := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		Charset:    "windows-1252",
		CapCharset: "utf-16le",
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.True(t, rep.JoinRan)
	assert.Empty(t, rep.JoinMisses)
	assert.Equal(t, "CITTÀ;50121", read(t, rep.SQLPath))
}

func TestRun_DBRerunReplacesRows(t *testing.T) {
	t.Parallel()

	dir, cfgPath := workspace(t, "{codiceistat}")
	dbPath := filepath.Join(dir, "sira.db")
	opt := Options{
		ConfigPath: cfgPath,
		NoDownload: true,
		NoCap:      true,
		NoSQL:      true,
		DB:         storage.Config{Kind: "sqlite", DSN: dbPath},
		Logger:     zerolog.Nop(),
	}
	rows := func() int {
		db, err := sql.Open("sqlite", dbPath)
		require.NoError(t, err)
		defer db.Close()
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM indirizzi`).Scan(&n))
		return n
	}

	for i := 0; i < 2; i++ {
		_, err := Run(context.Background(), opt)
		require.NoError(t, err)
		assert.Equal(t, 2, rows())
	}

	opt.DB.Append = true
	_, err := Run(context.Background(), opt)
	require.NoError(t, err)
	assert.Equal(t, 4, rows())
}

func cfgPathOf(dir string) string { return filepath.Join(dir, "sorgenteSIRA.xml") }
