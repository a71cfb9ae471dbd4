// Package config defines the run configuration for the SIRA address
// pipeline.
//
// The configuration is a small XML document listing the CSV download URL
// template, the source keys (ISTAT codes) to download, the staging
// directory, and the SQL template/output paths:
//
//	<root>
//	  <url_for_csv>https://example.org/export?istat=__CODICE_ISTAT_</url_for_csv>
//	  <items><item>048017</item><item>048001</item></items>
//	  <directory>tmp</directory>
//	  <sqlmodel>template.sql</sqlmodel>
//	  <sqloutput>output.sql</sqloutput>
//	</root>
//
// url_for_csv may also appear nested under a <urls> element, which is the
// shape produced by the seed converter (see seed.go). Relative paths are
// resolved against the directory that holds the configuration file.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// KeyMarker is the token in url_for_csv that is replaced by each source key.
const KeyMarker = "__CODICE_ISTAT_"

// Element names of the configuration document.
const (
	ElemURLs      = "urls"
	ElemURLForXML = "url_for_xml"
	ElemURLForCSV = "url_for_csv"
	ElemItems     = "items"
	ElemItem      = "item"
	ElemDirectory = "directory"
	ElemSQLModel  = "sqlmodel"
	ElemSQLOutput = "sqloutput"
)

// SourceConfig is the typed view over a parsed configuration document. It is
// not modified after Parse returns.
type SourceConfig struct {
	// CSVURLTemplate contains KeyMarker where the source key goes.
	CSVURLTemplate string `elem:"url_for_csv" validate:"required"`

	// SourceKeys keeps document order.
	SourceKeys []string `elem:"item" validate:"required,min=1,dive,required"`

	StagingDir      string `elem:"directory" validate:"required"`
	SQLTemplatePath string `elem:"sqlmodel" validate:"required"`
	SQLOutputPath   string `elem:"sqloutput" validate:"required"`

	// BaseDir is the directory relative paths were resolved against.
	BaseDir string `elem:"-"`
}

// document mirrors the XML layout. The root element name is not checked.
type document struct {
	XMLName   xml.Name
	URLForCSV string   `xml:"url_for_csv"`
	URLs      urls     `xml:"urls"`
	Items     []string `xml:"items>item"`
	Directory string   `xml:"directory"`
	SQLModel  string   `xml:"sqlmodel"`
	SQLOutput string   `xml:"sqloutput"`
}

type urls struct {
	URLForXML string `xml:"url_for_xml"`
	URLForCSV string `xml:"url_for_csv"`
}

// Decode reads the XML document from r without validating or resolving
// paths. Text content is trimmed of surrounding whitespace.
func Decode(r io.Reader) (SourceConfig, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return SourceConfig{}, fmt.Errorf("decode config xml: %w", err)
	}

	cfg := SourceConfig{
		CSVURLTemplate:  strings.TrimSpace(doc.URLForCSV),
		StagingDir:      strings.TrimSpace(doc.Directory),
		SQLTemplatePath: strings.TrimSpace(doc.SQLModel),
		SQLOutputPath:   strings.TrimSpace(doc.SQLOutput),
	}
	if cfg.CSVURLTemplate == "" {
		cfg.CSVURLTemplate = strings.TrimSpace(doc.URLs.URLForCSV)
	}
	for _, it := range doc.Items {
		cfg.SourceKeys = append(cfg.SourceKeys, strings.TrimSpace(it))
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document, resolving relative
// paths against baseDir. It returns a *ConfigError when a required element
// is missing or empty; warnings are dropped (see ValidateSource).
func Parse(r io.Reader, baseDir string) (SourceConfig, error) {
	cfg, err := Decode(r)
	if err != nil {
		return SourceConfig{}, &ConfigError{Element: "root", Err: err}
	}
	if err := FirstError(ValidateSource(cfg)); err != nil {
		return SourceConfig{}, err
	}
	return cfg.Resolve(baseDir), nil
}

// Load opens path and parses it with the file's directory as base.
func Load(path string) (SourceConfig, error) {
	cfg, _, err := LoadWithIssues(path)
	return cfg, err
}

// LoadWithIssues is Load that also returns every lint issue, warnings
// included. The returned config is resolved only when err is nil.
func LoadWithIssues(path string) (SourceConfig, []Issue, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return SourceConfig{}, nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return SourceConfig{}, nil, &ConfigError{Element: "root", Path: abs, Err: err}
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return SourceConfig{}, nil, &ConfigError{Element: "root", Path: abs, Err: err}
	}
	issues := ValidateSource(cfg)
	if err := FirstError(issues); err != nil {
		err.Path = abs
		return SourceConfig{}, issues, err
	}
	return cfg.Resolve(filepath.Dir(abs)), issues, nil
}

// Resolve returns a copy of c with relative paths joined to baseDir.
func (c SourceConfig) Resolve(baseDir string) SourceConfig {
	c.BaseDir = baseDir
	c.StagingDir = ResolvePath(baseDir, c.StagingDir)
	c.SQLTemplatePath = ResolvePath(baseDir, c.SQLTemplatePath)
	c.SQLOutputPath = ResolvePath(baseDir, c.SQLOutputPath)
	c.SourceKeys = append([]string(nil), c.SourceKeys...)
	return c
}

// ResolvePath returns p unchanged when absolute (or empty), otherwise
// baseDir joined with p.
func ResolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
