// Package render serializes address records either as a delimited file or
// as a sequence of statements expanded from a text template.
//
// Templates use brace placeholders named after canonical columns, e.g.
//
//	INSERT INTO indirizzi VALUES ('{codiceistat}', '{comune}', '{cap}');
//
// "{{" and "}}" produce literal braces. Values are substituted verbatim:
// apart from the quote escaping done during projection nothing is escaped,
// so rendered SQL must only be run against trusted sources.
package render

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"sira/internal/address"
)

// TemplateError reports a malformed template or a placeholder with no value
// in a record. Record is -1 for errors found while parsing.
type TemplateError struct {
	Template    string
	Placeholder string
	Record      int
	Key         string // codiceistat of the failing record, if any
	Reason      string
}

func (e *TemplateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "template %s", e.Template)
	if e.Placeholder != "" {
		fmt.Fprintf(&b, ": placeholder {%s}", e.Placeholder)
	}
	if e.Record >= 0 {
		fmt.Fprintf(&b, " in record %d (codiceistat %s)", e.Record, e.Key)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}

type segment struct {
	text  string
	field string // non-empty for placeholders
}

// Template is a parsed statement template.
type Template struct {
	name     string
	segments []segment
}

// ParseTemplate parses text. name identifies the template in errors. Every
// placeholder must name a canonical column (cap included).
func ParseTemplate(name, text string) (*Template, error) {
	t := &Template{name: name}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{text: lit.String()})
			lit.Reset()
		}
	}
	bad := func(placeholder, reason string) error {
		return &TemplateError{Template: name, Placeholder: placeholder, Record: -1, Reason: reason}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, bad("", fmt.Sprintf("unclosed '{' at offset %d", i))
			}
			field := text[i+1 : i+1+end]
			if strings.ContainsAny(field, "{\n") {
				return nil, bad("", fmt.Sprintf("malformed placeholder at offset %d", i))
			}
			if !address.IsColumn(field) {
				return nil, bad(field, "unknown column")
			}
			flush()
			t.segments = append(t.segments, segment{field: field})
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, bad("", fmt.Sprintf("single '}' at offset %d", i))
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// LoadTemplate reads and parses the template file at path.
func LoadTemplate(path string) (*Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	return ParseTemplate(path, string(b))
}

// Placeholders lists the placeholder names in order of appearance.
func (t *Template) Placeholders() []string {
	var out []string
	for _, s := range t.segments {
		if s.field != "" {
			out = append(out, s.field)
		}
	}
	return out
}

// Expand renders the template for one record. idx is the record position,
// used in errors.
func (t *Template) Expand(w io.Writer, r *address.Record, idx int) error {
	for _, s := range t.segments {
		if s.field == "" {
			if _, err := io.WriteString(w, s.text); err != nil {
				return err
			}
			continue
		}
		v, ok := r.Get(s.field)
		if !ok {
			return &TemplateError{
				Template:    t.name,
				Placeholder: s.field,
				Record:      idx,
				Key:         r.CodiceIstat,
				Reason:      "record has no value for this column",
			}
		}
		if _, err := io.WriteString(w, v); err != nil {
			return err
		}
	}
	return nil
}

// RenderSQL writes one expansion per record, separated by newlines, in
// record order.
func RenderSQL(w io.Writer, t *Template, recs []address.Record) error {
	for i := range recs {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if err := t.Expand(w, &recs[i], i); err != nil {
			return err
		}
	}
	return nil
}

// WriteSQLFile renders every record and writes the result to path. Nothing
// is written when rendering fails.
func WriteSQLFile(path string, t *Template, recs []address.Record) error {
	var buf bytes.Buffer
	if err := RenderSQL(&buf, t, recs); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write sql output %s: %w", path, err)
	}
	return nil
}
