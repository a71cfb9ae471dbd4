// Package csv reads delimited source files into rows of strings, with the
// settings the SIRA exports need: a configurable delimiter, variable row
// width (exports carry metadata preamble rows), optional charset decoding,
// and BOM stripping.
//
// Records are line oriented. A quoted field ends at its closing quote even
// when more text follows (`"I PINI" ALTO` reads as `I PINI ALTO`), and a
// quote left open at the end of a line makes that line alone unparsable, so
// a stray quote never swallows the following rows.
package csv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Options configures the reader. All fields are optional.
type Options struct {
	// Comma is the field delimiter. When zero, ',' is used.
	Comma rune

	// Charset names the source encoding (any WHATWG label, e.g.
	// "windows-1252", "iso-8859-1"). Empty or "utf-8" means no decoding.
	Charset string

	// TrimSpace trims leading/trailing white space from each field.
	TrimSpace bool

	Logger zerolog.Logger
}

// maxLoggedSkips bounds per-row skip log lines.
const maxLoggedSkips = 50

const utf8BOM = "\uFEFF"

// ErrUnterminatedQuote is returned by SplitRecord for a line whose quoted
// field is not closed.
var ErrUnterminatedQuote = errors.New("quoted field not terminated before end of line")

// ParseError locates a line of the input that could not be split.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// ReadAll reads every row from r. Blank lines are ignored. Lines that cannot
// be split are skipped, logged with their line number, and counted; the
// count is returned alongside the rows.
func ReadAll(r io.Reader, opt Options) ([][]string, int, error) {
	dec, err := decodingReader(r, opt.Charset)
	if err != nil {
		return nil, 0, err
	}
	comma := opt.Comma
	if comma == 0 {
		comma = ','
	}

	var (
		rows    [][]string
		skipped int
		br      = bufio.NewReader(dec)
	)
	for line := 1; ; line++ {
		text, rerr := br.ReadString('\n')
		if rerr != nil && rerr != io.EOF {
			return nil, skipped, fmt.Errorf("read csv: %w", rerr)
		}
		text = strings.TrimRight(text, "\r\n")
		if line == 1 {
			text = strings.TrimPrefix(text, utf8BOM)
		}

		if text != "" {
			row, err := SplitRecord(text, comma)
			if err != nil {
				err = &ParseError{Line: line, Err: err}
				if skipped < maxLoggedSkips {
					opt.Logger.Warn().Err(err).Int("line", line).Msg("skipping row")
				}
				skipped++
			} else {
				if opt.TrimSpace {
					for i := range row {
						row[i] = strings.TrimSpace(row[i])
					}
				}
				rows = append(rows, row)
			}
		}

		if rerr == io.EOF {
			break
		}
	}
	return rows, skipped, nil
}

// SplitRecord splits one line on comma. A field starting with '"' is quoted:
// inside it "" is a literal quote and the delimiter is data. The closing
// quote ends quoted mode; any text after it is kept as plain data. A quote
// in the middle of an unquoted field is literal.
func SplitRecord(line string, comma rune) ([]string, error) {
	var (
		fields  []string
		b       strings.Builder
		quoted  bool
		atStart = true
	)
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		i += size

		switch {
		case quoted:
			if r != '"' {
				b.WriteRune(r)
				continue
			}
			if strings.HasPrefix(line[i:], `"`) {
				b.WriteByte('"')
				i++
				continue
			}
			quoted = false
		case r == comma:
			fields = append(fields, b.String())
			b.Reset()
			atStart = true
			continue
		case r == '"' && atStart:
			quoted = true
		default:
			b.WriteRune(r)
		}
		atStart = false
	}
	if quoted {
		return nil, ErrUnterminatedQuote
	}
	return append(fields, b.String()), nil
}

// ReadFile is ReadAll over the named file.
func ReadFile(path string, opt Options) ([][]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	rows, skipped, err := ReadAll(f, opt)
	if err != nil {
		return nil, skipped, fmt.Errorf("%s: %w", path, err)
	}
	return rows, skipped, nil
}

// FindHeader returns the first row with more than one field and the rows
// after it. Shorter rows before it are treated as preamble and dropped.
// ok is false when no such row exists.
func FindHeader(rows [][]string) (header []string, body [][]string, ok bool) {
	for i, row := range rows {
		if len(row) > 1 {
			return StripHeaderBOM(row), rows[i+1:], true
		}
	}
	return nil, nil, false
}

// StripHeaderBOM removes a UTF-8 BOM from the first header cell if present.
func StripHeaderBOM(headers []string) []string {
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], utf8BOM)
	}
	return headers
}

// decodingReader wraps r so that it yields UTF-8.
func decodingReader(r io.Reader, charset string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
