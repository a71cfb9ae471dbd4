// Package retrieve downloads one zipped CSV export per source key and stages
// the extracted CSV under a deterministic name in the staging directory.
//
// Retrieval is sequential. A failure for one key is reported and the loop
// moves on to the next key. Cancelling the context stops the loop early
// without an error; files staged so far remain usable.
package retrieve

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"sira/internal/config"
)

// Fetcher downloads a URL into memory.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Retriever stages CSV files fetched through a Fetcher.
type Retriever struct {
	fetcher Fetcher
	log     zerolog.Logger
}

// New returns a Retriever.
func New(f Fetcher, log zerolog.Logger) *Retriever {
	return &Retriever{fetcher: f, log: log}
}

// StagedFile describes one staged CSV.
type StagedFile struct {
	Key  string
	Path string

	// Reused is true when the file was already present and skipExisting was
	// set; Digest is zero in that case.
	Reused bool

	// Digest is the xxh3-64 hash of the staged bytes.
	Digest uint64

	// Changed is true when a previously staged file for the key existed and
	// its content differed from the new download.
	Changed bool
}

// Result is the outcome of FetchAll.
type Result struct {
	Staged   []StagedFile
	Failures []*RetrievalError

	// Interrupted is true when ctx was cancelled before every key was
	// processed.
	Interrupted bool
}

// RetrievalError reports a failure for a single key.
type RetrievalError struct {
	Key string
	URL string
	Op  string // "fetch", "unzip", "write", "key"
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve key %s (%s) %s: %v", e.Key, e.URL, e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// TempName returns the staged CSV path for key inside dir.
func TempName(dir, key string) string {
	return filepath.Join(dir, "tmp_"+key+".csv")
}

// stagedPattern matches every name produced by TempName.
const stagedPattern = "tmp_*.csv"

// URLFor substitutes key for every marker in tmpl.
func URLFor(tmpl, key string) string {
	return strings.ReplaceAll(tmpl, config.KeyMarker, key)
}

// EnsureDir creates dir if absent. An existing directory is not an error.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return nil
}

// ListStaged returns the staged CSV files in dir sorted by file name.
func ListStaged(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, stagedPattern))
	if err != nil {
		return nil, fmt.Errorf("list staged files in %s: %w", dir, err)
	}
	files := matches[:0]
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// FetchAll stages one CSV per key. The only returned error is failure to
// create stagingDir; per-key problems are collected in Result.Failures.
func (r *Retriever) FetchAll(
	ctx context.Context,
	urlTemplate string,
	keys []string,
	stagingDir string,
	skipExisting bool,
) (Result, error) {
	var res Result

	if err := EnsureDir(stagingDir); err != nil {
		return res, err
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			r.interrupted(&res, stagingDir)
			break
		}

		dst := TempName(stagingDir, key)
		if skipExisting && fileExists(dst) {
			r.log.Info().Str("key", key).Msg("skipped downloading according to skip flag")
			res.Staged = append(res.Staged, StagedFile{Key: key, Path: dst, Reused: true})
			continue
		}

		url := URLFor(urlTemplate, key)
		r.log.Info().Str("key", key).Msg("downloading")

		sf, rerr := r.fetchOne(ctx, key, url, dst)
		if rerr != nil {
			if ctx.Err() != nil {
				r.interrupted(&res, stagingDir)
				break
			}
			r.log.Error().Err(rerr.Err).Str("key", key).Str("url", url).Str("op", rerr.Op).Msg("retrieval failed; continuing")
			res.Failures = append(res.Failures, rerr)
			continue
		}

		ev := r.log.Info().Str("key", key).Str("path", sf.Path).Str("xxh3", fmt.Sprintf("%016x", sf.Digest))
		if sf.Changed {
			ev = ev.Bool("changed", true)
		}
		ev.Msg("done")
		res.Staged = append(res.Staged, sf)
	}

	return res, nil
}

func (r *Retriever) interrupted(res *Result, dir string) {
	res.Interrupted = true
	r.log.Warn().Str("dir", dir).Msg("skipped downloading; only staged .csv files will be loaded")
}

func (r *Retriever) fetchOne(ctx context.Context, key, url, dst string) (StagedFile, *RetrievalError) {
	fail := func(op string, err error) (StagedFile, *RetrievalError) {
		return StagedFile{}, &RetrievalError{Key: key, URL: url, Op: op, Err: err}
	}

	if key == "" || filepath.Base(key) != key || key == "." || key == ".." {
		return fail("key", errors.New("key is not usable as a file name"))
	}

	payload, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		return fail("fetch", err)
	}

	data, err := r.extract(key, payload)
	if err != nil {
		return fail("unzip", err)
	}

	sf := StagedFile{Key: key, Path: dst, Digest: xxh3.Hash(data)}
	if prev, err := os.ReadFile(dst); err == nil {
		sf.Changed = xxh3.Hash(prev) != sf.Digest
	}

	if err := writeAtomic(dst, data); err != nil {
		return fail("write", err)
	}
	return sf, nil
}

// extract returns the content of the archive's last file entry. Archives
// with more than one file are accepted with a warning.
func (r *Retriever) extract(key string, payload []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("read zip: %w", err)
	}

	var entries []*zip.File
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			entries = append(entries, f)
		}
	}
	if len(entries) == 0 {
		return nil, errors.New("zip archive has no file entries")
	}
	if len(entries) > 1 {
		names := make([]string, len(entries))
		for i, f := range entries {
			names[i] = f.Name
		}
		r.log.Warn().Str("key", key).Strs("entries", names).Msg("zip contains more than one file; only the last one will be used")
	}

	last := entries[len(entries)-1]
	rc, err := last.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", last.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", last.Name, err)
	}
	return data, nil
}

// writeAtomic writes data next to dst and renames it into place so a failed
// write never leaves a truncated staged file behind.
func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
