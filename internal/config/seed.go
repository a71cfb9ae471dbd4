package config

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Seed is the content of a flat text seed file:
//
//	<url_for_xml>
//	<url_for_csv>
//
//	<key>
//	<key>
//	...
//
// A single blank line separates the two URL lines from the key list.
type Seed struct {
	URLForXML string
	URLForCSV string
	Items     []string
}

// SeedDefaults fills the elements that are not part of a seed file.
type SeedDefaults struct {
	Directory string
	SQLModel  string
	SQLOutput string
}

// DefaultSeedDefaults returns the values used when the seed command is run
// without overrides.
func DefaultSeedDefaults() SeedDefaults {
	return SeedDefaults{Directory: "tmp", SQLModel: "template.sql", SQLOutput: "output.sql"}
}

// ParseSeed reads a seed file. name is used in error messages only.
func ParseSeed(r io.Reader, name string) (Seed, error) {
	var (
		blocks  [][]string
		current []string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, strings.TrimSpace(line))
	}
	if err := sc.Err(); err != nil {
		return Seed{}, fmt.Errorf("seed %s: read: %w", name, err)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}

	if len(blocks) != 2 {
		return Seed{}, fmt.Errorf("seed %s: expected a URL block and a key block separated by one blank line, found %d block(s)", name, len(blocks))
	}
	if len(blocks[0]) != 2 {
		return Seed{}, fmt.Errorf("seed %s: URL block must have exactly 2 lines (url_for_xml, url_for_csv), found %d", name, len(blocks[0]))
	}
	return Seed{
		URLForXML: blocks[0][0],
		URLForCSV: blocks[0][1],
		Items:     blocks[1],
	}, nil
}

// seedDocument is the element order written by WriteSeedXML.
type seedDocument struct {
	XMLName   xml.Name `xml:"root"`
	Directory string   `xml:"directory"`
	SQLModel  string   `xml:"sqlmodel"`
	SQLOutput string   `xml:"sqloutput"`
	URLs      urls     `xml:"urls"`
	Items     []string `xml:"items>item"`
}

// WriteSeedXML renders s as a configuration document readable by Parse.
func WriteSeedXML(w io.Writer, s Seed, d SeedDefaults) error {
	doc := seedDocument{
		Directory: d.Directory,
		SQLModel:  d.SQLModel,
		SQLOutput: d.SQLOutput,
		URLs:      urls{URLForXML: s.URLForXML, URLForCSV: s.URLForCSV},
		Items:     s.Items,
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode seed xml: %w", err)
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}
