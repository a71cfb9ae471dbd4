// This file adds a lightweight linter for SourceConfig values. Structural
// requirements are expressed as validator tags on SourceConfig; the results
// are converted into Issues that callers can surface in the CLI or tests.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks the run.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is reported but does not block the run.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding.
//
// Path names the document element (e.g. "url_for_csv", "item[2]").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("elem")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateSource lints cfg. It does not mutate cfg.
func ValidateSource(cfg SourceConfig) []Issue {
	var issues []Issue

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []Issue{{Severity: SeverityError, Path: "root", Message: err.Error()}}
		}
		for _, fe := range verrs {
			issues = append(issues, issueFor(fe))
		}
	}

	if cfg.CSVURLTemplate != "" && !strings.Contains(cfg.CSVURLTemplate, KeyMarker) {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     ElemURLForCSV,
			Message:  fmt.Sprintf("url template has no %s marker; every key will fetch the same URL", KeyMarker),
		})
	}

	seen := make(map[string]int, len(cfg.SourceKeys))
	for i, k := range cfg.SourceKeys {
		if k == "" {
			continue
		}
		if j, dup := seen[k]; dup {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     fmt.Sprintf("%s[%d]", ElemItem, i),
				Message:  fmt.Sprintf("duplicate key %q (first at %s[%d])", k, ElemItem, j),
			})
			continue
		}
		seen[k] = i
	}

	return issues
}

func issueFor(fe validator.FieldError) Issue {
	path := fe.Field()
	msg := fmt.Sprintf("<%s> is required and must not be empty", path)
	if fe.Field() == ElemItem {
		// min / required on the slice itself.
		msg = fmt.Sprintf("<%s> must contain at least one <%s>", ElemItems, ElemItem)
	}
	return Issue{Severity: SeverityError, Path: path, Message: msg}
}

// FirstError returns the first error-severity issue as a *ConfigError, or
// nil when there is none.
func FirstError(issues []Issue) *ConfigError {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return &ConfigError{Element: elementOf(iss.Path), Err: errors.New(iss.Message)}
		}
	}
	return nil
}

// elementOf strips an index suffix: "item[3]" -> "item".
func elementOf(path string) string {
	if i := strings.IndexByte(path, '['); i > 0 {
		return path[:i]
	}
	return path
}
